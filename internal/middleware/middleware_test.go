package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/streamchat/internal/middleware"
)

func TestRequireUser(t *testing.T) {
	tests := []struct {
		name       string
		identity   middleware.Identity
		header     string
		wantStatus int
		wantUser   string
	}{
		{
			name:       "Header present",
			identity:   middleware.HeaderIdentity{Header: "X-User-ID"},
			header:     "u1",
			wantStatus: http.StatusOK,
			wantUser:   "u1",
		},
		{
			name:       "Header missing",
			identity:   middleware.HeaderIdentity{Header: "X-User-ID"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "Static user",
			identity:   middleware.StaticIdentity{UserID: "local"},
			wantStatus: http.StatusOK,
			wantUser:   "local",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser string
			h := middleware.RequireUser(tt.identity)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser, _ = middleware.UserID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
			if tt.header != "" {
				req.Header.Set("X-User-ID", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.wantStatus)
			}
			if gotUser != tt.wantUser {
				t.Errorf("user = %q, want %q", gotUser, tt.wantUser)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := middleware.RateLimit(ctx, middleware.RateLimitConfig{RequestsPerMin: 1, BurstSize: 2})(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}),
	)

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req = req.WithContext(middleware.WithUserID(req.Context(), user))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	for i := range 2 {
		if code := do("u1"); code != http.StatusOK {
			t.Fatalf("request %d status = %v, want %v", i, code, http.StatusOK)
		}
	}
	if code := do("u1"); code != http.StatusTooManyRequests {
		t.Errorf("status over burst = %v, want %v", code, http.StatusTooManyRequests)
	}
	if code := do("u2"); code != http.StatusOK {
		t.Errorf("other user status = %v, want %v", code, http.StatusOK)
	}
}
