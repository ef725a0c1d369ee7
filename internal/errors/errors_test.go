package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{newError(TypeValidation, "bad", nil), http.StatusBadRequest},
		{newError(TypeNotFound, "missing", nil), http.StatusNotFound},
		{UnavailableError("busy", nil), http.StatusServiceUnavailable},
		{ExternalError("redis", errors.New("down")), http.StatusBadGateway},
		{InternalError("boom", nil), http.StatusInternalServerError},
		{&Error{Type: "mystery"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Type), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := ExternalError("upstream unreachable", cause)

	assert.Equal(t, "external: upstream unreachable: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "unavailable: busy", UnavailableError("busy", nil).Error())
}

func TestWithContext(t *testing.T) {
	err := UnavailableError("too many subscribers", nil).
		WithContext("max_clients", 10)

	resp := err.ToResponse()
	assert.Equal(t, "too many subscribers", resp.Error)
	assert.Equal(t, TypeUnavailable, resp.Type)
	assert.Equal(t, 10, resp.Context["max_clients"])

	var bare Error
	bare.WithContext("k", "v")
	assert.Equal(t, "v", bare.Context["k"])
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	original := UnavailableError("nope", nil)
	assert.Same(t, original, AsStructuredError(fmt.Errorf("wrapped: %w", original)))

	plain := errors.New("plain")
	converted := AsStructuredError(plain)
	assert.Equal(t, TypeInternal, converted.Type)
	assert.ErrorIs(t, converted, plain)
}
