package handlers

import (
	"time"

	"github.com/scrypster/companion/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// CreateSessionRequest is the request format for POST /api/sessions.
type CreateSessionRequest struct {
	UserID string `json:"user_id"`
}

// CreateConversationRequest is the request format for POST /api/conversations.
// UserID is only honoured for service callers; session callers always act
// for themselves.
type CreateConversationRequest struct {
	UserID        string                      `json:"user_id,omitempty"`
	PersonaID     string                      `json:"persona_id"`
	UserPersonaID string                      `json:"user_persona_id,omitempty"`
	Settings      *types.ConversationSettings `json:"settings,omitempty"`
	Scenario      string                      `json:"scenario,omitempty"`
}

// AppendMessagesRequest is the request format for
// POST /api/conversations/{id}/messages.
type AppendMessagesRequest struct {
	Messages []types.Message `json:"messages"`
}

// AppendMessagesResponse reports the merged conversation.
type AppendMessagesResponse struct {
	Conversation *types.Conversation `json:"conversation"`
	NewMessages  int                 `json:"new_messages"`
}

// StartTurnRequest is the request format for POST /api/conversations/{id}/turns.
type StartTurnRequest struct {
	Message  *types.Message `json:"message,omitempty"`
	UniqueID string         `json:"unique_id,omitempty"`
}

// StartTurnResponse is returned with 202 Accepted. The reply arrives over
// the websocket as displayCompletionMessage carrying UniqueID.
type StartTurnResponse struct {
	TurnID   string `json:"turn_id"`
	UniqueID string `json:"unique_id,omitempty"`
}

// StatsResponse is the response format for GET /api/conversations/{id}/stats.
type StatsResponse struct {
	ConversationID string             `json:"conversation_id"`
	Usage          *types.UsageStats  `json:"usage"`
	LastMessage    *types.LastMessage `json:"last_message,omitempty"`
	Points         int                `json:"points"`
	ActiveGoal     *types.Goal        `json:"active_goal,omitempty"`
	CompletedGoals int                `json:"completed_goals"`
	GeneratedAt    time.Time          `json:"generated_at"`
}
