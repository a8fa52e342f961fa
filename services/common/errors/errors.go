package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error represents an application error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// JSON returns the error as a JSON string
func (e *Error) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// Wrap returns a copy of e carrying err as its cause. The package-level
// sentinels are never mutated.
func (e *Error) Wrap(err error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Err: err}
}

// New creates a new Error
func New(code int, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

var (
	ErrBadRequest     = New(http.StatusBadRequest, "Bad request", nil)
	ErrUnauthorized   = New(http.StatusUnauthorized, "Unauthorized", nil)
	ErrNotFound       = New(http.StatusNotFound, "Not found", nil)
	ErrTooManyRequest = New(http.StatusTooManyRequests, "Rate limit exceeded", nil)
	ErrInternalServer = New(http.StatusInternalServerError, "Internal server error", nil)

	ErrInvalidSignature = New(http.StatusBadRequest, "Invalid webhook signature", nil)
	ErrMalformedPayload = New(http.StatusBadRequest, "Malformed webhook payload", nil)
	ErrProcessing       = New(http.StatusInternalServerError, "Webhook processing failed; retry later", nil)
)

// ErrorMiddleware renders the last error attached with c.Error as a JSON
// body. Errors that are not *Error become 500s.
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		var appErr *Error
		if !errors.As(err, &appErr) {
			appErr = ErrInternalServer.Wrap(err)
		}
		c.AbortWithStatusJSON(appErr.Code, appErr)
	}
}
