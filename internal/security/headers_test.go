package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(h gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(h)
	r.Handle(method, "/v1/webhooks", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(method, "/v1/webhooks", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "ws:")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCredent string
	}{
		{"wildcard", []string{"*"}, "https://app.example.com", "https://app.example.com", ""},
		{"empty list allows any", nil, "https://x.example.com", "https://x.example.com", ""},
		{"listed origin", []string{"https://app.example.com"}, "https://app.example.com", "https://app.example.com", "true"},
		{"unlisted origin", []string{"https://app.example.com"}, "https://evil.example.com", "", ""},
		{"no origin header", []string{"*"}, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tt.allowed), http.MethodGet, tt.origin)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredent, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://app.example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

type fakeResolver map[string][]string

func (f fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestEndpointValidator(t *testing.T) {
	v := NewEndpointValidator(fakeResolver{
		"hooks.example.com":    {"93.184.216.34"},
		"internal.example.com": {"93.184.216.34", "10.0.0.7"},
	})

	tests := []struct {
		url     string
		wantErr error
	}{
		{"https://hooks.example.com/risk", nil},
		{"http://93.184.216.34:8080/hook", nil},
		{"ftp://hooks.example.com", ErrInvalidURL},
		{"https:///nohost", ErrInvalidURL},
		{"https://unknown.example.com", ErrInvalidURL},
		{"http://localhost:9000", ErrBlockedAddress},
		{"http://127.0.0.1/hook", ErrBlockedAddress},
		{"http://192.168.1.10/hook", ErrBlockedAddress},
		{"http://169.254.169.254/latest", ErrBlockedAddress},
		{"http://[::]/hook", ErrBlockedAddress},
		{"https://internal.example.com", ErrBlockedAddress},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := v.Validate(context.Background(), tt.url)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
