package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voxloop/voxloop/pkg/chat"
)

type Envelope struct {
	Error *chat.Error `json:"error"`
}

// FromError converts any error into the canonical wire error plus its
// HTTP status. Unknown errors do not leak details to the client.
func FromError(err error, requestID string) (*chat.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &chat.Error{
			Type:      chat.ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &chat.Error{
			Type:      chat.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var chatErr *chat.Error
	if errors.As(err, &chatErr) && chatErr != nil {
		out := *chatErr
		out.RequestID = requestID
		if out.Type == chat.ErrAuthorization {
			// Fail closed: an unauthorized conversation id is
			// indistinguishable from an unknown one on the wire.
			out = chat.Error{
				Type:      chat.ErrNotFound,
				Message:   "conversation not found",
				RequestID: requestID,
			}
		}
		return &out, statusFromType(out.Type)
	}

	return &chat.Error{
		Type:      chat.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromType(t chat.ErrorType) int {
	switch t {
	case chat.ErrValidation:
		return http.StatusBadRequest
	case chat.ErrAuthentication:
		return http.StatusUnauthorized
	case chat.ErrAuthorization, chat.ErrNotFound:
		return http.StatusNotFound
	case chat.ErrTransport, chat.ErrEngine, chat.ErrEngineTransient:
		return http.StatusBadGateway
	case chat.ErrPersistence:
		return http.StatusInternalServerError
	case chat.ErrRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Write sends the envelope as JSON.
func Write(w http.ResponseWriter, err error, requestID string) {
	e, status := FromError(err, requestID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: e})
}
