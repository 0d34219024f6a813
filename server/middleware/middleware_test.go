package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.Any("/x", handlers...)
	return r
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequiresAdminToken(t *testing.T) {
	auth := NewAuthMiddleware("secret", zaptest.NewLogger(t))
	r := newEngine(auth.RequireAuth(), auth.RequireRole(RoleAdmin))

	withToken := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return serve(r, req)
	}

	admin, err := auth.GenerateToken("ops", RoleAdmin, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, withToken(admin).Code)

	viewer, err := auth.GenerateToken("dash", "viewer", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, withToken(viewer).Code)

	assert.Equal(t, http.StatusUnauthorized, withToken("").Code)
	assert.Equal(t, http.StatusUnauthorized, withToken(admin+"x").Code)
	assert.Equal(t, http.StatusUnauthorized, withToken("not-a-token").Code)

	other := NewAuthMiddleware("other-secret", zaptest.NewLogger(t))
	foreign, err := other.GenerateToken("ops", RoleAdmin, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, withToken(foreign).Code)
}

func TestValidateTokenExpiry(t *testing.T) {
	auth := NewAuthMiddleware("secret", zaptest.NewLogger(t))

	token, err := auth.GenerateToken("ops", RoleAdmin, time.Minute)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)

	auth.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = auth.ValidateToken("a.b")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute, zaptest.NewLogger(t))
	r := newEngine(rl.RateLimit())

	for i := 0; i < 2; i++ {
		rec := serve(r, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "Rate limit exceeded")

	// another client has its own budget
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	assert.Equal(t, http.StatusOK, serve(r, req).Code)
}

func TestCORS(t *testing.T) {
	r := newEngine(CORS([]string{"http://dash.example"}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://dash.example")
	rec := serve(r, req)
	assert.Equal(t, "http://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = serve(r, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/x", nil)
	assert.Equal(t, http.StatusNoContent, serve(r, req).Code)
}

func TestRequestSizeLimit(t *testing.T) {
	r := newEngine(RequestSizeLimit(8))

	rec := serve(r, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = serve(r, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireJSON(t *testing.T) {
	r := newEngine(RequireJSON())

	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusUnsupportedMediaType, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusOK, serve(r, req).Code)

	// empty bodies need no content type
	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodPost, "/x", nil)).Code)
}

func TestIPWhitelist(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.5:1234"

	assert.Equal(t, http.StatusOK, serve(newEngine(IPWhitelist([]string{"10.0.0.5"})), req).Code)
	assert.Equal(t, http.StatusForbidden, serve(newEngine(IPWhitelist([]string{"10.0.0.6"})), req).Code)
	assert.Equal(t, http.StatusOK, serve(newEngine(IPWhitelist([]string{"*"})), req).Code)
}

func TestTimeoutHandlerSetsDeadline(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	var hasDeadline bool
	r.GET("/x", TimeoutHandler(time.Second), func(c *gin.Context) {
		_, hasDeadline = c.Request.Context().Deadline()
		c.Status(http.StatusOK)
	})

	serve(r, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.True(t, hasDeadline)
}

func TestHealthCheck(t *testing.T) {
	healthy := true
	r := newEngine()
	r.GET("/health", HealthCheck("traffic-cv", func() bool { return healthy }))

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	healthy = false
	rec = serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"detector":"down"`)
}

func TestSecurityHeaders(t *testing.T) {
	rec := serve(newEngine(SecurityHeaders()), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
