// Package handlers implements the HTTP surface. Every non-2xx response uses
// the error envelope {"error": {code, message, details?}}.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"cortex-backend/internal/middleware"
	appErrors "cortex-backend/pkg/errors"
)

var validate = validator.New()

type errorBody struct {
	Code    appErrors.Code `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// respond writes a JSON body with the given status.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// respondError maps any error onto the closed code set and writes the error
// envelope. Internal errors are logged with the request id and masked.
func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var appErr *appErrors.AppError
	if !errors.As(err, &appErr) {
		appErr = classifyUnknown(err)
	}

	code := appErr.Code
	message := appErr.Message
	if code == appErrors.CodeInternal {
		logger.Error("internal error",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = "an internal error occurred"
	}

	respond(w, code.HTTPStatus(), errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: appErr.Details,
	}})
}

func classifyUnknown(err error) *appErrors.AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return appErrors.NewTimeout("request deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return appErrors.NewTimeout("request canceled")
	}
	return appErrors.NewInternal("unhandled error", err)
}

// decodeJSON parses and validates a request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err != nil {
		return appErrors.NewInvalidArgument("request body too large or unreadable")
	}
	if len(body) == 0 {
		return appErrors.NewInvalidArgument("request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return appErrors.NewInvalidArgument("malformed JSON: " + err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field := strings.ToLower(verrs[0].Field())
			return appErrors.NewInvalidArgument("invalid field: " + field).
				WithDetails(map[string]any{"field": field, "rule": verrs[0].Tag()})
		}
		return appErrors.NewInvalidArgument("validation failed")
	}
	return nil
}

// optionalString returns a pointer to s, or nil when empty. Request DTOs use
// it to translate absent fields into nil filters.
func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// parseTimeParam parses an RFC3339 query parameter.
func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, appErrors.NewInvalidArgument(name + " must be RFC 3339")
	}
	return &ts, nil
}

func parseIntParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, appErrors.NewInvalidArgument(name + " must be an integer")
	}
	return n, nil
}

func parseBoolParam(r *http.Request, name string) bool {
	return r.URL.Query().Get(name) == "true"
}
