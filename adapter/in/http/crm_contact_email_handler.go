package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"crm_server/core/domain"
	"crm_server/core/port/out"
	mail "crm_server/core/service/email"
	"crm_server/pkg/apperr"
	"crm_server/pkg/logger"
	"crm_server/pkg/response"
)

// =============================================================================
// Contact Email Handler - contact 타임라인 API
// =============================================================================

// storeProvider hands out the per-user store.
type storeProvider interface {
	For(userID string) *mail.Store
}

// cacheInvalidator drops server side first-page caches.
type cacheInvalidator interface {
	Invalidate(ctx context.Context, userID, contactEmail string) error
	InvalidateUser(ctx context.Context, userID string) error
}

type ContactEmailHandler struct {
	stores   storeProvider
	syncLogs out.SyncLogRepository   // optional
	bodies   out.EmailBodyRepository // optional
	cache    cacheInvalidator        // optional
	limiter  fiber.Handler           // optional, guards sync
}

type ContactEmailDeps struct {
	Stores      storeProvider
	SyncLogs    out.SyncLogRepository
	Bodies      out.EmailBodyRepository
	Cache       cacheInvalidator
	SyncLimiter fiber.Handler
}

func NewContactEmailHandler(deps ContactEmailDeps) *ContactEmailHandler {
	return &ContactEmailHandler{
		stores:   deps.Stores,
		syncLogs: deps.SyncLogs,
		bodies:   deps.Bodies,
		cache:    deps.Cache,
		limiter:  deps.SyncLimiter,
	}
}

func (h *ContactEmailHandler) Register(router fiber.Router) {
	contacts := router.Group("/contacts/:email/emails")
	contacts.Get("/", h.GetEmails)
	contacts.Post("/more", h.LoadMore)
	if h.limiter != nil {
		contacts.Post("/sync", h.limiter, h.SyncHistory)
	} else {
		contacts.Post("/sync", h.SyncHistory)
	}
	contacts.Post("/optimistic", h.AddOptimistic)
	contacts.Delete("/optimistic/:id", h.RemoveOptimistic)
	contacts.Post("/dedupe", h.Deduplicate)
	contacts.Get("/status", h.Status)
	contacts.Delete("/", h.ClearContact)

	router.Delete("/emails/cache", h.ClearAll)
	router.Get("/emails/:id/body", h.GetBody)
}

func (h *ContactEmailHandler) resolve(c *fiber.Ctx) (string, string, *mail.Store, error) {
	userID, err := GetUserID(c)
	if err != nil {
		return "", "", nil, err
	}
	contact, err := contactParam(c)
	if err != nil {
		return "", "", nil, err
	}
	return userID, contact, h.stores.For(userID), nil
}

func snapshotResponse(c *fiber.Ctx, snap mail.ContactSnapshot) error {
	return response.OKWithMeta(c, snap, &response.Meta{
		Total:   snap.Pagination.Total,
		Offset:  snap.Pagination.Offset,
		HasMore: snap.Pagination.HasMore,
	})
}

// GetEmails returns the cached timeline, loading page 0 first when the
// contact is new or ?refresh=true.
func (h *ContactEmailHandler) GetEmails(c *fiber.Ctx) error {
	userID, contact, store, err := h.resolve(c)
	if err != nil {
		return err
	}

	if !store.IsInitialized(contact) || c.QueryBool("refresh") {
		store.Initialize(c.UserContext(), contact, userID)
	}
	return snapshotResponse(c, store.Snapshot(contact))
}

func (h *ContactEmailHandler) LoadMore(c *fiber.Ctx) error {
	_, contact, store, err := h.resolve(c)
	if err != nil {
		return err
	}

	store.LoadMore(c.UserContext(), contact)
	return snapshotResponse(c, store.Snapshot(contact))
}

type syncRequest struct {
	IsAfterSend   bool `json:"is_after_send"`
	ForceFullSync bool `json:"force_full_sync"`
}

// SyncHistory starts a background history sync and answers 202 at once.
func (h *ContactEmailHandler) SyncHistory(c *fiber.Ctx) error {
	userID, contact, store, err := h.resolve(c)
	if err != nil {
		return err
	}

	var req syncRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperr.BadRequest("invalid request body")
		}
	}

	if store.SyncStatus(contact) == domain.SyncStatusSyncing {
		return apperr.SyncInProgress(contact)
	}

	store.SyncHistory(c.UserContext(), contact, userID, domain.SyncOptions{
		IsAfterSend:   req.IsAfterSend,
		ForceFullSync: req.ForceFullSync,
	})

	return response.Accepted(c, fiber.Map{
		"contact":     contact,
		"sync_status": store.SyncStatus(contact),
	})
}

type optimisticRequest struct {
	ID          string             `json:"id"`
	ClientToken string             `json:"client_token"`
	Subject     string             `json:"subject"`
	Snippet     string             `json:"snippet"`
	TextBody    string             `json:"text_body"`
	HTMLBody    string             `json:"html_body"`
	From        domain.Address     `json:"from"`
	Recipients  []domain.Recipient `json:"recipients"`
	Timestamp   *time.Time         `json:"timestamp"`
}

func (r *optimisticRequest) toMessage() domain.Message {
	m := domain.Message{
		ID:          r.ID,
		ClientToken: r.ClientToken,
		Subject:     r.Subject,
		Snippet:     r.Snippet,
		TextBody:    r.TextBody,
		HTMLBody:    r.HTMLBody,
		From:        r.From,
		Recipients:  r.Recipients,
		IsRead:      true,
	}
	if r.Timestamp != nil {
		m.Timestamp = *r.Timestamp
	}
	if m.Snippet == "" {
		m.Snippet = snippetOf(r.TextBody)
	}
	return m
}

func snippetOf(body string) string {
	const limit = 200
	runes := []rune(body)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return body
}

// AddOptimistic shows a just-sent message before the mailbox confirms it.
func (h *ContactEmailHandler) AddOptimistic(c *fiber.Ctx) error {
	_, contact, store, err := h.resolve(c)
	if err != nil {
		return err
	}

	var req optimisticRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.From.Email == "" {
		return apperr.MissingField("from.email")
	}

	id := store.AddOptimisticMessage(contact, req.toMessage())
	return response.Created(c, fiber.Map{"id": id})
}

func (h *ContactEmailHandler) RemoveOptimistic(c *fiber.Ctx) error {
	_, contact, store, err := h.resolve(c)
	if err != nil {
		return err
	}
	id := c.Params("id")
	if id == "" {
		return apperr.MissingField("id")
	}

	store.RemoveOptimisticMessage(contact, id)
	return response.NoContent(c)
}

func (h *ContactEmailHandler) Deduplicate(c *fiber.Ctx) error {
	_, contact, store, err := h.resolve(c)
	if err != nil {
		return err
	}
	removed := store.Deduplicate(contact)
	return response.OK(c, fiber.Map{"removed": removed, "count": store.Count(contact)})
}

func (h *ContactEmailHandler) Status(c *fiber.Ctx) error {
	userID, contact, store, err := h.resolve(c)
	if err != nil {
		return err
	}

	snap := store.Snapshot(contact)
	result := fiber.Map{
		"contact":        contact,
		"sync_status":    snap.SyncStatus,
		"sync_error":     snap.SyncError,
		"loading":        snap.Loading,
		"loading_more":   snap.LoadingMore,
		"last_synced_at": snap.LastSyncedAt,
	}

	if h.syncLogs != nil {
		logs, err := h.syncLogs.ListRecent(c.UserContext(), userID, contact, 5)
		if err != nil {
			logger.WithError(err).Warn("[ContactEmailHandler.Status] failed to load sync logs for %s", contact)
		} else {
			result["recent_syncs"] = logs
		}
	}
	return response.OK(c, result)
}

// ClearContact drops the contact from memory and the first-page cache.
func (h *ContactEmailHandler) ClearContact(c *fiber.Ctx) error {
	userID, contact, store, err := h.resolve(c)
	if err != nil {
		return err
	}

	store.ClearContactEmails(contact)
	if h.cache != nil {
		if err := h.cache.Invalidate(c.UserContext(), userID, contact); err != nil {
			logger.WithError(err).Warn("[ContactEmailHandler.ClearContact] cache invalidation failed")
		}
	}
	return response.NoContent(c)
}

func (h *ContactEmailHandler) ClearAll(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	h.stores.For(userID).ClearAllEmails()
	if h.cache != nil {
		if err := h.cache.InvalidateUser(c.UserContext(), userID); err != nil {
			logger.WithError(err).Warn("[ContactEmailHandler.ClearAll] cache invalidation failed")
		}
	}
	return response.NoContent(c)
}

// GetBody returns the full body of one message by provider id.
func (h *ContactEmailHandler) GetBody(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	if h.bodies == nil {
		return apperr.NotFound("email body")
	}

	body, err := h.bodies.GetBody(c.UserContext(), userID, c.Params("id"))
	if err != nil {
		return apperr.DatabaseError("get email body", err)
	}
	if body == nil {
		return apperr.NotFound("email body")
	}
	return response.OK(c, body)
}
