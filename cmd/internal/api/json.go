package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/saad7170/chatsystem/cmd/internal/chat"
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

// writeChatError maps a domain error onto its HTTP status and the stable wire code.
func writeChatError(log *slog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	code := chat.Code(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		log.Error("api.request.fail", "method", r.Method, "path", r.URL.Path, "code", code, "err", err)
	} else {
		log.Debug("api.request.rejected", "method", r.Method, "path", r.URL.Path, "code", code, "err", err)
	}
	writeError(w, status, code, chat.PublicMessage(err))
}

func statusForCode(code string) int {
	switch code {
	case chat.CodeUnauthorized:
		return http.StatusForbidden
	case chat.CodeInvalidArgument:
		return http.StatusBadRequest
	case chat.CodeNotFound:
		return http.StatusNotFound
	case chat.CodeInvalidState, chat.CodeConflict:
		return http.StatusConflict
	case chat.CodePersistence:
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
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
