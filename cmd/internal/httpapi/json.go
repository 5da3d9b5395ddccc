package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"chatd/cmd/internal/auth"
	"chatd/cmd/internal/chat"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writeChatError renders a chat error with its stable code. Membership and not-found failures
// share a 404 so callers cannot tell a foreign conversation from a missing one.
func writeChatError(w http.ResponseWriter, err error) {
	if auth.IsAuthError(err) {
		writeError(w, http.StatusUnauthorized, chat.CodeUnauthenticated, "authentication required")
		return
	}
	code := chat.Code(err)
	writeError(w, statusFor(code), code, chat.PublicMessage(err))
}

func statusFor(code string) int {
	switch code {
	case chat.CodeInvalidRequest:
		return http.StatusBadRequest
	case chat.CodeUnauthenticated:
		return http.StatusUnauthorized
	case chat.CodeNotFound:
		return http.StatusNotFound
	case chat.CodeForbidden:
		return http.StatusForbidden
	case chat.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// writeDecodeError distinguishes oversized bodies from malformed ones.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
}
