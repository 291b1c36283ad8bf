package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/voxloop/voxloop/pkg/chat"
	"github.com/voxloop/voxloop/pkg/exchange"
	"github.com/voxloop/voxloop/pkg/gateway/apierror"
	"github.com/voxloop/voxloop/pkg/gateway/auth"
	"github.com/voxloop/voxloop/pkg/gateway/config"
	"github.com/voxloop/voxloop/pkg/gateway/mw"
	"github.com/voxloop/voxloop/pkg/gateway/ratelimit"
)

// ConversationIDHeader carries the id of the conversation the streamed
// reply belongs to, including one created by this request.
const ConversationIDHeader = "X-Conversation-ID"

type chatRequest struct {
	Message        string            `json:"message"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Attachments    []chat.Attachment `json:"attachments,omitempty"`
}

// ChatHandler streams one exchange: the assistant's reply is written
// unbuffered as plain text while the full exchange is persisted in the
// background.
type ChatHandler struct {
	Config    config.Config
	Exchanger *exchange.Exchanger
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger
}

func (h ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		apierror.Write(w, chat.NewValidationError("method not allowed"), reqID)
		return
	}

	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		apierror.Write(w, chat.NewAuthenticationError("missing principal"), reqID)
		return
	}

	if h.Limiter != nil {
		d := h.Limiter.AcquireStream(principal.OwnerID, time.Now())
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
			apierror.Write(w, chat.NewRateLimitError("too many concurrent streams"), reqID)
			return
		}
		defer d.Release()
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, chat.NewValidationError("malformed request body"), reqID)
		return
	}

	started, err := h.Exchanger.Start(r.Context(), exchange.Request{
		OwnerID:        principal.OwnerID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Attachments:    req.Attachments,
	})
	if err != nil {
		apierror.Write(w, err, reqID)
		return
	}
	defer started.Transport.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(ConversationIDHeader, started.ConversationID)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	wrote := false
	for {
		chunk, err := started.Transport.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if !wrote {
				// Nothing delivered yet: the error payload replaces the
				// generated text rather than a silent empty response.
				apierror.Write(w, err, reqID)
				return
			}
			// Mid-stream failure: keep what was delivered and append a
			// plain-language notice.
			if h.Logger != nil {
				h.Logger.Warn("generation stream failed mid-reply", "request_id", reqID, "error", err)
			}
			_, _ = io.WriteString(w, "\n\n[generation interrupted: "+publicMessage(err)+"]")
			return
		}
		if chunk == "" {
			continue
		}
		if !wrote {
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func publicMessage(err error) string {
	var ce *chat.Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return "upstream failure"
}
