// Package mail implements the contact email timeline: conversion of stored
// rows, the mailbox sync engine, the page loader and the in-memory store.
package mail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"crm_server/core/domain"
	"crm_server/core/port/out"
	"crm_server/core/service/common"
	"crm_server/pkg/logger"
)

type SyncConfig struct {
	MaxResults     int           // page size requested from the mailbox
	MaxPages       int           // page cap for full-history syncs
	AccountStagger time.Duration // delay between account starts
	MaxAccounts    int           // concurrent accounts
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxResults:     100,
		MaxPages:       20,
		AccountStagger: 250 * time.Millisecond,
		MaxAccounts:    4,
	}
}

// SyncService pulls a contact's history from the mailbox into the
// relational store.
type SyncService struct {
	emailRepo      out.EmailRepository
	attachmentRepo out.AttachmentRepository
	syncLogRepo    out.SyncLogRepository
	bodyRepo       out.EmailBodyRepository
	mailbox        out.MailboxClient
	tokens         out.TokenProvider
	progress       out.ProgressReporter
	invalidator    out.TimelineInvalidator
	cfg            SyncConfig
	now            func() time.Time
}

type SyncDeps struct {
	EmailRepo      out.EmailRepository
	AttachmentRepo out.AttachmentRepository
	SyncLogRepo    out.SyncLogRepository
	BodyRepo       out.EmailBodyRepository // optional
	Mailbox        out.MailboxClient
	Tokens         out.TokenProvider
	Progress       out.ProgressReporter    // optional
	Invalidator    out.TimelineInvalidator // optional
}

func NewSyncService(deps SyncDeps, cfg SyncConfig) *SyncService {
	d := DefaultSyncConfig()
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = d.MaxResults
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = d.MaxPages
	}
	if cfg.MaxAccounts <= 0 {
		cfg.MaxAccounts = d.MaxAccounts
	}
	return &SyncService{
		emailRepo:      deps.EmailRepo,
		attachmentRepo: deps.AttachmentRepo,
		syncLogRepo:    deps.SyncLogRepo,
		bodyRepo:       deps.BodyRepo,
		mailbox:        deps.Mailbox,
		tokens:         deps.Tokens,
		progress:       deps.Progress,
		invalidator:    deps.Invalidator,
		cfg:            cfg,
		now:            time.Now,
	}
}

// =============================================================================
// All accounts
// =============================================================================

// SyncContact syncs contactEmail across every connected account of the user.
// Account starts are staggered to stay under the provider quota. It fails
// only when no account could be synced.
func (s *SyncService) SyncContact(ctx context.Context, userID, contactEmail string, opts domain.SyncOptions) (*domain.SyncResult, error) {
	start := s.now()
	contactEmail = domain.NormalizeAddress(contactEmail)

	accounts, err := s.tokens.Accounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, common.ErrNoAccounts
	}

	var (
		mu     sync.Mutex
		total  = &domain.SyncResult{}
		errs   []error
		synced int
	)

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxAccounts)

	for i, account := range accounts {
		g.Go(func() error {
			if i > 0 && s.cfg.AccountStagger > 0 {
				timer := time.NewTimer(time.Duration(i) * s.cfg.AccountStagger)
				select {
				case <-ctx.Done():
					timer.Stop()
					mu.Lock()
					errs = append(errs, ctx.Err())
					mu.Unlock()
					return nil
				case <-timer.C:
				}
			}

			result, err := s.Sync(ctx, userID, account, contactEmail, opts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", account, err))
				return nil
			}
			total.Add(result)
			synced++
			return nil
		})
	}
	_ = g.Wait()

	total.Duration = s.now().Sub(start)

	if synced == 0 && len(errs) > 0 {
		return total, errors.Join(errs...)
	}
	if len(errs) > 0 {
		logger.Warn("[SyncService.SyncContact] %d/%d accounts failed for %s: %v",
			len(errs), len(accounts), contactEmail, errors.Join(errs...))
	}

	if s.invalidator != nil {
		if err := s.invalidator.Invalidate(ctx, userID, contactEmail); err != nil {
			logger.WithError(err).Warn("[SyncService.SyncContact] failed to invalidate cached timeline")
		}
	}

	logger.Info("[SyncService.SyncContact] %s: accounts=%d skipped=%d fetched=%d created=%d updated=%d unchanged=%d in %v",
		contactEmail, total.Accounts, total.SkippedAccounts, total.Fetched, total.Created, total.Updated, total.Skipped, total.Duration)
	return total, nil
}

// =============================================================================
// One account
// =============================================================================

// Sync pulls contactEmail's history from one account. An account without a
// usable token is skipped, not failed.
func (s *SyncService) Sync(ctx context.Context, userID, accountEmail, contactEmail string, opts domain.SyncOptions) (*domain.SyncResult, error) {
	start := s.now()
	contactEmail = domain.NormalizeAddress(contactEmail)

	syncLog := &domain.SyncLog{
		ID:           uuid.NewString(),
		UserID:       userID,
		AccountEmail: accountEmail,
		ContactEmail: contactEmail,
		Status:       domain.SyncLogStarted,
		StartedAt:    start,
	}
	if err := s.syncLogRepo.Start(ctx, syncLog); err != nil {
		logger.WithError(err).Warn("[SyncService.Sync] failed to write sync log")
	}

	result, err := s.sync(ctx, userID, accountEmail, contactEmail, opts)
	if err != nil {
		if logErr := s.syncLogRepo.Fail(ctx, syncLog.ID, err.Error()); logErr != nil {
			logger.WithError(logErr).Warn("[SyncService.Sync] failed to record sync failure")
		}
		logger.WithError(err).Error("[SyncService.Sync] %s/%s failed", accountEmail, contactEmail)
		return nil, err
	}

	result.Duration = s.now().Sub(start)
	if err := s.syncLogRepo.Complete(ctx, syncLog.ID, result); err != nil {
		logger.WithError(err).Warn("[SyncService.Sync] failed to complete sync log")
	}
	return result, nil
}

func (s *SyncService) sync(ctx context.Context, userID, accountEmail, contactEmail string, opts domain.SyncOptions) (*domain.SyncResult, error) {
	token, err := s.tokens.GetValidToken(ctx, userID, accountEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}
	if token == nil {
		logger.Info("[SyncService.Sync] skipping %s: %v", accountEmail, common.ErrTokenUnavailable)
		return &domain.SyncResult{SkippedAccounts: 1}, nil
	}

	messages, err := s.fetchAll(ctx, token, userID, accountEmail, contactEmail, opts)
	if err != nil {
		return nil, err
	}

	result := &domain.SyncResult{Accounts: 1, Fetched: len(messages)}
	if len(messages) == 0 {
		s.report(ctx, userID, accountEmail, contactEmail, domain.SyncPhaseDone, 0, 0)
		return result, nil
	}

	existing, err := s.emailRepo.GetFingerprints(ctx, userID, contactEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing messages: %w", err)
	}

	rows := make([]*domain.EmailRow, 0, len(messages))
	changed := make([]*out.MailboxMessage, 0, len(messages))
	for _, m := range messages {
		row := ToRow(userID, accountEmail, contactEmail, m)
		fp, known := existing[row.ProviderID]
		switch {
		case !known:
			result.Created++
		case fp != row.Fingerprint:
			result.Updated++
		default:
			result.Skipped++
			continue
		}
		rows = append(rows, row)
		changed = append(changed, m)
	}

	if len(rows) == 0 {
		s.report(ctx, userID, accountEmail, contactEmail, domain.SyncPhaseDone, len(messages), len(messages))
		return result, nil
	}

	s.report(ctx, userID, accountEmail, contactEmail, domain.SyncPhaseSaving, 0, len(rows))

	if err := s.emailRepo.UpsertMessages(ctx, rows); err != nil {
		return nil, fmt.Errorf("failed to upsert messages: %w", err)
	}

	for i, row := range rows {
		if row.ID == 0 {
			continue
		}
		if err := s.attachmentRepo.ReplaceForEmail(ctx, row.ID, row.Attachments); err != nil {
			return nil, fmt.Errorf("failed to replace attachments for %s: %w", row.ProviderID, err)
		}
		if (i+1)%50 == 0 {
			s.report(ctx, userID, accountEmail, contactEmail, domain.SyncPhaseSaving, i+1, len(rows))
		}
	}

	if s.bodyRepo != nil {
		if bodies := BodiesFrom(userID, changed); len(bodies) > 0 {
			if err := s.bodyRepo.SaveBodies(ctx, bodies); err != nil {
				logger.WithError(err).Warn("[SyncService.Sync] failed to store %d bodies", len(bodies))
			}
		}
	}

	s.report(ctx, userID, accountEmail, contactEmail, domain.SyncPhaseDone, len(rows), len(rows))
	return result, nil
}

// fetchAll lists the contact's messages. A normal sync reads one page; a
// full-history sync follows page tokens up to MaxPages.
func (s *SyncService) fetchAll(ctx context.Context, token *oauth2.Token, userID, accountEmail, contactEmail string, opts domain.SyncOptions) ([]*out.MailboxMessage, error) {
	listOpts := &out.ListOptions{
		MaxResults:  s.cfg.MaxResults,
		FullHistory: opts.ForceFullSync,
	}

	seen := make(map[string]struct{})
	var messages []*out.MailboxMessage

	for page := 0; page < s.cfg.MaxPages; page++ {
		res, err := s.mailbox.ListContactMessages(ctx, token, contactEmail, listOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		for _, m := range res.Messages {
			if m == nil || m.ExternalID == "" {
				continue
			}
			if _, dup := seen[m.ExternalID]; dup {
				continue
			}
			seen[m.ExternalID] = struct{}{}
			messages = append(messages, m)
		}

		total := res.ResultEstimate
		if total < len(messages) {
			total = len(messages)
		}
		s.report(ctx, userID, accountEmail, contactEmail, domain.SyncPhaseFetching, len(messages), total)

		if !opts.ForceFullSync || !res.HasMore || res.NextPageToken == "" {
			break
		}
		listOpts.PageToken = res.NextPageToken
	}
	return messages, nil
}

func (s *SyncService) report(ctx context.Context, userID, accountEmail, contactEmail string, phase domain.SyncPhase, done, total int) {
	if s.progress == nil {
		return
	}
	s.progress.ReportProgress(ctx, domain.SyncProgress{
		UserID:       userID,
		AccountEmail: accountEmail,
		ContactEmail: contactEmail,
		Phase:        phase,
		Done:         done,
		Total:        total,
	})
}

var _ out.ContactSyncer = (*SyncService)(nil)
