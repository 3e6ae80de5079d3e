package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func testLimiter(burst int) *Limiter {
	l := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
	})
	return l
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l := testLimiter(3)
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestAllow_KeysIndependent(t *testing.T) {
	l := testLimiter(1)
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestAllow_Refills(t *testing.T) {
	l := testLimiter(1)
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	// 60 rpm refills one token per second
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, l.Allow("a"))
}

func TestMiddleware_SessionsKeyedByToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := testLimiter(1)
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(token string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if token != "" {
			req.Header.Set("Authorization", token)
		}
		r.ServeHTTP(w, req)
		return w.Code
	}

	// Two sessions from the same IP get independent budgets
	assert.Equal(t, http.StatusOK, do("Bearer token-one"))
	assert.Equal(t, http.StatusTooManyRequests, do("Bearer token-one"))
	assert.Equal(t, http.StatusOK, do("Bearer token-two"))
}
