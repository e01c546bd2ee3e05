// Package http exposes the contact email timeline over REST and SSE.
package http

import (
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"crm_server/core/domain"
	"crm_server/pkg/apperr"
)

// GetUserID returns the caller set by the auth middleware.
func GetUserID(c *fiber.Ctx) (string, error) {
	userID, ok := c.Locals("user_id").(uuid.UUID)
	if !ok || userID == uuid.Nil {
		return "", apperr.Unauthorized("")
	}
	return userID.String(), nil
}

// contactParam reads and normalizes the :email route parameter.
func contactParam(c *fiber.Ctx) (string, error) {
	raw, err := url.PathUnescape(c.Params("email"))
	if err != nil {
		return "", apperr.InvalidInput("email", "malformed escape")
	}
	contact := domain.NormalizeAddress(raw)
	at := strings.LastIndex(contact, "@")
	if at <= 0 || at == len(contact)-1 || strings.ContainsAny(contact, " \t\r\n") {
		return "", apperr.InvalidInput("email", "not an email address")
	}
	return contact, nil
}
