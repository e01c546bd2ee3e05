package common

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenUnavailable   = errors.New("no usable token for account")
	ErrNoAccounts         = errors.New("no connected mailbox accounts")
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrSyncTimeout        = errors.New("sync completion timed out")
	ErrMailboxUnavailable = errors.New("mailbox unavailable")
)
