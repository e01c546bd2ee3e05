package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", NotFound("contact"), http.StatusNotFound},
		{"wrapped", fmt.Errorf("handler: %w", BadRequest("bad")), http.StatusBadRequest},
		{"sync in progress", SyncInProgress("a@x.com"), http.StatusConflict},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAsAppErrorKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	appErr := AsAppError(cause)

	if appErr.Code != CodeInternalError {
		t.Errorf("Code = %s, want %s", appErr.Code, CodeInternalError)
	}
	if !errors.Is(appErr, cause) {
		t.Error("expected cause to be unwrappable")
	}
}

func TestMailboxErrorDetails(t *testing.T) {
	err := MailboxError("gmail", errors.New("quota"))
	if err.Details["provider"] != "gmail" {
		t.Errorf("provider detail = %v", err.Details["provider"])
	}
	if err.Error() != "[MAILBOX_ERROR] mailbox error: gmail: quota" {
		t.Errorf("Error() = %q", err.Error())
	}
}
