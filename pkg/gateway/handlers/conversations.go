package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voxloop/voxloop/pkg/chat"
	"github.com/voxloop/voxloop/pkg/chat/store"
	"github.com/voxloop/voxloop/pkg/gateway/apierror"
	"github.com/voxloop/voxloop/pkg/gateway/auth"
	"github.com/voxloop/voxloop/pkg/gateway/config"
	"github.com/voxloop/voxloop/pkg/gateway/mw"
)

// ConversationsHandler serves the conversation CRUD surface. Mutations
// are ownership-checked by the store; failures surface as 404 so key
// holders cannot probe other owners' ids.
type ConversationsHandler struct {
	Config config.Config
	Store  store.Store
}

type conversationList struct {
	Conversations []chat.Conversation `json:"conversations"`
}

func (h ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		apierror.Write(w, chat.NewAuthenticationError("missing principal"), reqID)
		return
	}

	convs, err := h.Store.ListRecent(r.Context(), principal.OwnerID, h.Config.ListLimit)
	if err != nil {
		apierror.Write(w, err, reqID)
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversationList{Conversations: convs})
}

func (h ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		apierror.Write(w, chat.NewAuthenticationError("missing principal"), reqID)
		return
	}

	conv, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"), principal.OwnerID)
	if err != nil {
		apierror.Write(w, err, reqID)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h ConversationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		apierror.Write(w, chat.NewAuthenticationError("missing principal"), reqID)
		return
	}

	if err := h.Store.Delete(r.Context(), chi.URLParam(r, "id"), principal.OwnerID); err != nil {
		apierror.Write(w, err, reqID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
