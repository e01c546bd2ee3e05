package mail

import (
	"context"
	"fmt"

	"crm_server/core/domain"
	"crm_server/core/port/out"
)

// TimelineService reads contact pages from the relational store.
type TimelineService struct {
	emailRepo      out.EmailRepository
	attachmentRepo out.AttachmentRepository
}

func NewTimelineService(emailRepo out.EmailRepository, attachmentRepo out.AttachmentRepository) *TimelineService {
	return &TimelineService{emailRepo: emailRepo, attachmentRepo: attachmentRepo}
}

func (s *TimelineService) LoadPage(ctx context.Context, userID, contactEmail string, offset, limit int) (*domain.EmailPage, error) {
	rows, total, err := s.emailRepo.ListByContact(ctx, userID, domain.NormalizeAddress(contactEmail), offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}

	if len(rows) > 0 && s.attachmentRepo != nil {
		ids := make([]int64, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
		byEmail, err := s.attachmentRepo.ListByEmails(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to list attachments: %w", err)
		}
		for _, r := range rows {
			r.Attachments = byEmail[r.ID]
		}
	}

	page := &domain.EmailPage{
		Messages: make([]domain.Message, 0, len(rows)),
		Total:    total,
		HasMore:  offset+len(rows) < total,
	}
	for _, r := range rows {
		page.Messages = append(page.Messages, ToMessage(r))
	}
	return page, nil
}

var _ out.TimelineLoader = (*TimelineService)(nil)
