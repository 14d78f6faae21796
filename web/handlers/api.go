package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/scrypster/companion/internal/engine"
	"github.com/scrypster/companion/internal/imaging"
	"github.com/scrypster/companion/internal/sessions"
	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// TurnService starts turns and applies render events.
type TurnService interface {
	HandleTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnHandle, error)
	CompleteRender(ctx context.Context, ev imaging.RenderEvent) error
}

// MessageAppender merges client messages into a conversation.
type MessageAppender interface {
	AppendMessages(ctx context.Context, conversationID string, incoming []types.Message) (*types.Conversation, int, error)
}

// APIHandlers contains HTTP handlers for the REST API.
type APIHandlers struct {
	store    storage.Store
	turns    TurnService
	messages MessageAppender
	sessions sessions.Store
}

// NewAPIHandlers creates a new APIHandlers instance.
func NewAPIHandlers(store storage.Store, turns TurnService, messages MessageAppender, sess sessions.Store) *APIHandlers {
	return &APIHandlers{
		store:    store,
		turns:    turns,
		messages: messages,
		sessions: sess,
	}
}

// CreateSession handles POST /api/sessions - mint a session token for a user.
// Only service callers may create sessions.
func (h *APIHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	p, ok := requireService(w, r)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = p.UserID
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	user, err := h.store.GetUser(r.Context(), req.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "user not found", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load user", err)
		return
	}

	sess, err := h.sessions.Create(r.Context(), user.ID, user.Admin)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create session", err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

// DeleteSession handles DELETE /api/sessions - revoke the caller's token.
func (h *APIHandlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok || p.Token == "" {
		respondError(w, http.StatusBadRequest, "no session to delete", nil)
		return
	}
	if err := h.sessions.Delete(r.Context(), p.Token); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateConversation handles POST /api/conversations - find or create the
// conversation of a (user, persona) pair. Returns 201 when it was created.
func (h *APIHandlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	var req CreateConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	userID := p.UserID
	if p.Service && req.UserID != "" {
		userID = req.UserID
	}
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	if req.PersonaID == "" {
		respondError(w, http.StatusBadRequest, "persona_id is required", nil)
		return
	}

	ctx := r.Context()
	conv, err := h.store.FindConversation(ctx, userID, req.PersonaID)
	if err == nil {
		respondJSON(w, http.StatusOK, conv)
		return
	}
	if !errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusInternalServerError, "failed to find conversation", err)
		return
	}

	conv = &types.Conversation{
		ID:            uuid.NewString(),
		UserID:        userID,
		PersonaID:     req.PersonaID,
		UserPersonaID: req.UserPersonaID,
		Scenario:      req.Scenario,
	}
	if req.Settings != nil {
		conv.Settings = *req.Settings
	}
	if err := h.store.CreateConversation(ctx, conv); err != nil {
		// A concurrent request may have created it first.
		if existing, findErr := h.store.FindConversation(ctx, userID, req.PersonaID); findErr == nil {
			respondJSON(w, http.StatusOK, existing)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to create conversation", err)
		return
	}

	log.WithFields(log.Fields{
		"conversation_id": conv.ID,
		"user_id":         userID,
		"persona_id":      req.PersonaID,
	}).Info("api: conversation created")
	respondJSON(w, http.StatusCreated, conv)
}

// GetConversation handles GET /api/conversations/{id}.
func (h *APIHandlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// AppendMessages handles POST /api/conversations/{id}/messages - merge a
// batch of client messages into the log.
func (h *APIHandlers) AppendMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	var req AppendMessagesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "messages are required", nil)
		return
	}
	for i := range req.Messages {
		if err := normalizeMessage(&req.Messages[i]); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("message %d is invalid", i), err)
			return
		}
	}

	merged, newCount, err := h.messages.AppendMessages(r.Context(), conv.ID, req.Messages)
	if errors.Is(err, engine.ErrConversationNotFound) {
		respondError(w, http.StatusNotFound, "conversation not found", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to append messages", err)
		return
	}
	respondJSON(w, http.StatusOK, AppendMessagesResponse{Conversation: merged, NewMessages: newCount})
}

// StartTurn handles POST /api/conversations/{id}/turns. The turn runs in the
// background; 202 is returned as soon as it is accepted.
func (h *APIHandlers) StartTurn(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	var req StartTurnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message != nil {
		if req.Message.Role == "" {
			req.Message.Role = types.RoleUser
		}
		if req.Message.Kind == "" {
			req.Message.Kind = types.KindText
		}
	}

	handle, err := h.turns.HandleTurn(r.Context(), engine.TurnRequest{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Message:        req.Message,
		UniqueID:       req.UniqueID,
	})
	switch {
	case errors.Is(err, engine.ErrInvalidTurn):
		respondError(w, http.StatusBadRequest, "invalid turn", err)
		return
	case errors.Is(err, engine.ErrConversationNotFound):
		respondError(w, http.StatusNotFound, "conversation not found", nil)
		return
	case errors.Is(err, engine.ErrShuttingDown):
		respondError(w, http.StatusServiceUnavailable, "server is shutting down", nil)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to start turn", err)
		return
	}

	respondJSON(w, http.StatusAccepted, StartTurnResponse{TurnID: handle.ID, UniqueID: req.UniqueID})
}

// RenderCallback handles POST /api/render/callback - the image engine
// reporting a finished or failed task.
func (h *APIHandlers) RenderCallback(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireService(w, r); !ok {
		return
	}

	var ev imaging.RenderEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	if err := ev.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid render event", err)
		return
	}

	err := h.turns.CompleteRender(r.Context(), ev)
	switch {
	case errors.Is(err, engine.ErrUnknownTask):
		respondError(w, http.StatusNotFound, "unknown placeholder", nil)
		return
	case errors.Is(err, engine.ErrConversationNotFound):
		respondError(w, http.StatusNotFound, "conversation not found", nil)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to apply render event", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// ownedConversation loads the {id} conversation and checks the caller may
// see it. Foreign conversations read as not found.
func (h *APIHandlers) ownedConversation(w http.ResponseWriter, r *http.Request) (*types.Conversation, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", nil)
		return nil, false
	}

	id := extractID(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "conversation ID is required", nil)
		return nil, false
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "conversation not found", nil)
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load conversation", err)
		return nil, false
	}
	if !p.Service && conv.UserID != p.UserID {
		respondError(w, http.StatusNotFound, "conversation not found", nil)
		return nil, false
	}
	return conv, true
}

func requireService(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", nil)
		return Principal{}, false
	}
	if !p.Service {
		respondError(w, http.StatusForbidden, "forbidden", nil)
		return Principal{}, false
	}
	return p, true
}

// normalizeMessage fills defaults on a client message and rejects shapes the
// merge engine cannot place.
func normalizeMessage(m *types.Message) error {
	if m.Kind == "" {
		m.Kind = types.KindText
	}
	switch m.Kind {
	case types.KindText:
		if m.Role == "" {
			return errors.New("role is required")
		}
	case types.KindControl:
		if m.Name == "" {
			return errors.New("control messages need a name")
		}
		m.Role = types.RoleUser
		m.Hidden = true
	case types.KindMedia:
		if m.ImageURL == "" && m.ImageID == "" {
			return errors.New("media messages need an image")
		}
		if m.Role == "" {
			m.Role = types.RoleAssistant
		}
	default:
		return fmt.Errorf("unknown kind %q", m.Kind)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return nil
}

// decodeBody decodes a bounded JSON body into v, writing 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// extractID extracts an ID from the URL path.
func extractID(r *http.Request, key string) string {
	return r.PathValue(key)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		log.WithError(err).Warn("api: failed to encode JSON response")
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}

	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
		if statusCode >= http.StatusInternalServerError {
			log.WithError(err).Error("api: " + message)
		}
	}

	respondJSON(w, statusCode, errResp)
}
