package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidArgument:   http.StatusBadRequest,
		CodeUnauthenticated:   http.StatusUnauthorized,
		CodePermissionDenied:  http.StatusForbidden,
		CodeNotFound:          http.StatusNotFound,
		CodeConflict:          http.StatusConflict,
		CodeResourceExhausted: http.StatusTooManyRequests,
		CodeTimeout:           http.StatusGatewayTimeout,
		CodeUnavailable:       http.StatusServiceUnavailable,
		CodeInternal:          http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, code.HTTPStatus(), string(code))
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewUnavailable("down", nil)))
	assert.True(t, IsRetryable(NewTimeout("slow")))
	assert.True(t, IsRetryable(NewResourceExhausted("full")))
	assert.False(t, IsRetryable(NewInvalidArgument("bad")))
	assert.False(t, IsRetryable(NewInternal("boom", nil)))
}

func TestWrapPreservesCode(t *testing.T) {
	inner := NewNotFound("memory missing")
	wrapped := Wrap(inner, "load memory")

	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
	assert.Contains(t, wrapped.Error(), "load memory")
	assert.Contains(t, wrapped.Error(), "memory missing")
}

func TestWrapForeignErrorBecomesInternal(t *testing.T) {
	wrapped := Wrap(fmt.Errorf("socket closed"), "query store")
	assert.Equal(t, CodeInternal, CodeOf(wrapped))
}

func TestUnwrapChain(t *testing.T) {
	sentinel := errors.New("root cause")
	err := NewInternal("store failed", sentinel)
	assert.True(t, errors.Is(err, sentinel))
}
