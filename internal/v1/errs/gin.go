package errs

import (
	"github.com/gin-gonic/gin"
)

// AbortWith writes the standard JSON error body {error, code} for err and
// aborts the request. Internal errors are surfaced without detail.
func AbortWith(c *gin.Context, err error) {
	status := HTTPStatus(err)
	body := gin.H{
		"error": messageFor(err),
		"code":  CodeOf(err),
	}

	var e *Error
	if As(err, &e) && e.Kind == KindRateLimit && e.RetryAfter > 0 {
		body["retry_after"] = e.RetryAfter
	}

	c.AbortWithStatusJSON(status, body)
}

func messageFor(err error) string {
	var e *Error
	if As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}
