package errs

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindConflict, KindOf(Conflict("room_full", "room is full")))
	assert.Equal(t, KindAuth, KindOf(Auth("expired", "token expired")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))

	// Wrapped taxonomy errors keep their kind.
	wrapped := fmt.Errorf("outer: %w", Transient("store_timeout", errors.New("deadline")))
	assert.Equal(t, KindTransient, KindOf(wrapped))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "room_full", CodeOf(Conflict("room_full", "room is full")))
	assert.Equal(t, "internal_error", CodeOf(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transient("store_timeout", nil)))
	assert.True(t, Retryable(Upstream("chat_unavailable", nil)))
	assert.False(t, Retryable(Validation("bad_channel", "bad channel id")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized:        Auth("expired", "token expired"),
		http.StatusBadRequest:          Validation("bad_body", "bad body"),
		http.StatusTooManyRequests:     RateLimited(30),
		http.StatusNotFound:            NotFound("room_not_found", "no such room"),
		http.StatusConflict:            Conflict("room_full", "room is full"),
		http.StatusBadGateway:          Upstream("chat_unavailable", nil),
		http.StatusServiceUnavailable:  Transient("store_timeout", nil),
		http.StatusInternalServerError: errors.New("plain"),
	}
	for status, err := range cases {
		assert.Equal(t, status, HTTPStatus(err), err.Error())
	}
}

func TestAbortWith(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("conflict carries code and message", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		AbortWith(c, Conflict("room_full", "room is full"))

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.JSONEq(t, `{"error":"room is full","code":"room_full"}`, w.Body.String())
	})

	t.Run("rate limit includes retry_after", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		AbortWith(c, RateLimited(42))

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Contains(t, w.Body.String(), `"retry_after":42`)
	})

	t.Run("internal errors hide detail", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		AbortWith(c, errors.New("secret database string"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "secret")
	})
}
