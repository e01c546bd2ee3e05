package middleware

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"crm_server/pkg/apperr"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims, method jwt.SigningMethod, key any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newAuthApp() *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID())
	app.Get("/me", JWTAuth(testSecret, nil), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("user_id").(uuid.UUID).String())
	})
	return app
}

func TestJWTAuth(t *testing.T) {
	uid := uuid.New()
	now := time.Now()
	valid := signToken(t, jwt.MapClaims{"sub": uid.String(), "exp": now.Add(time.Hour).Unix()}, jwt.SigningMethodHS256, []byte(testSecret))

	tests := []struct {
		name     string
		header   string
		query    string
		wantCode int
		wantErr  string
	}{
		{name: "bearer", header: "Bearer " + valid, wantCode: 200},
		{name: "query token", query: "?token=" + valid, wantCode: 200},
		{name: "missing", wantCode: 401, wantErr: apperr.CodeUnauthorized},
		{name: "garbage", header: "Bearer not-a-jwt", wantCode: 401, wantErr: apperr.CodeInvalidToken},
		{
			name:     "expired",
			header:   "Bearer " + signToken(t, jwt.MapClaims{"sub": uid.String(), "exp": now.Add(-time.Hour).Unix()}, jwt.SigningMethodHS256, []byte(testSecret)),
			wantCode: 401,
			wantErr:  apperr.CodeTokenExpired,
		},
		{
			name:     "wrong secret",
			header:   "Bearer " + signToken(t, jwt.MapClaims{"sub": uid.String()}, jwt.SigningMethodHS256, []byte("other")),
			wantCode: 401,
			wantErr:  apperr.CodeInvalidToken,
		},
		{
			name:     "subject not a uuid",
			header:   "Bearer " + signToken(t, jwt.MapClaims{"sub": "ann"}, jwt.SigningMethodHS256, []byte(testSecret)),
			wantCode: 401,
			wantErr:  apperr.CodeInvalidToken,
		},
		{
			name:     "hs384 rejected",
			header:   "Bearer " + signToken(t, jwt.MapClaims{"sub": uid.String()}, jwt.SigningMethodHS384, []byte(testSecret)),
			wantCode: 401,
			wantErr:  apperr.CodeInvalidToken,
		},
	}

	app := newAuthApp()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req, -1)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.wantCode, body)
			}
			if tt.wantCode == 200 {
				if string(body) != uid.String() {
					t.Errorf("user_id local = %q", body)
				}
				return
			}
			var er ErrorResponse
			if err := json.Unmarshal(body, &er); err != nil {
				t.Fatal(err)
			}
			if er.Error.Code != tt.wantErr || er.RequestID == "" {
				t.Errorf("error = %+v", er)
			}
		})
	}
}

func TestErrorHandlerFiberError(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Get("/x", func(c *fiber.Ctx) error { return fiber.ErrNotFound })

	resp, err := app.Test(httptest.NewRequest("GET", "/x", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 || er.Error.Code != apperr.CodeNotFound {
		t.Errorf("status=%d code=%s", resp.StatusCode, er.Error.Code)
	}
}

func TestRecoverReturnsInternalError(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(Recover())
	app.Get("/panic", func(c *fiber.Ctx) error { panic("boom") })

	resp, err := app.Test(httptest.NewRequest("GET", "/panic", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 500 {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestRateLimiterPerCaller(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Post("/sync", func(c *fiber.Ctx) error {
		if id := c.Get("X-User"); id != "" {
			c.Locals("user_id", uuid.MustParse(id))
		}
		return c.Next()
	}, rl.Handler(), func(c *fiber.Ctx) error { return c.SendStatus(202) })

	u1 := uuid.New().String()
	u2 := uuid.New().String()
	send := func(user string) int {
		req := httptest.NewRequest("POST", "/sync", nil)
		req.Header.Set("X-User", user)
		resp, err := app.Test(req, -1)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == 429 && resp.Header.Get("Retry-After") == "" {
			t.Error("429 without Retry-After")
		}
		return resp.StatusCode
	}

	got := []int{send(u1), send(u1), send(u1), send(u2)}
	want := []int{202, 202, 429, 202}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d status = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.get("a")
	now = now.Add(11 * time.Minute)
	rl.get("b")

	if removed := rl.Cleanup(); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
}
