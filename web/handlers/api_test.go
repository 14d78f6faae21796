package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/companion/internal/engine"
	"github.com/scrypster/companion/internal/imaging"
	"github.com/scrypster/companion/internal/sessions"
	"github.com/scrypster/companion/internal/storage/sqlite"
	"github.com/scrypster/companion/pkg/types"
)

// MockTurnService is a mock implementation of TurnService for testing.
type MockTurnService struct {
	mock.Mock
}

func (m *MockTurnService) HandleTurn(ctx context.Context, req engine.TurnRequest) (*engine.TurnHandle, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.TurnHandle), args.Error(1)
}

func (m *MockTurnService) CompleteRender(ctx context.Context, ev imaging.RenderEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

type apiFixture struct {
	store    *sqlite.Store
	sessions *sessions.MemoryStore
	turns    *MockTurnService
	api      *APIHandlers
	mux      *http.ServeMux
	conv     *types.Conversation
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.UpsertUser(ctx, &types.User{ID: "u1", Points: 120, Tier: types.TierFree}))
	require.NoError(t, store.UpsertUser(ctx, &types.User{ID: "u2", Points: 10, Tier: types.TierFree}))
	require.NoError(t, store.UpsertPersona(ctx, &types.Persona{ID: "p1", Name: "Mia"}))

	conv := &types.Conversation{UserID: "u1", PersonaID: "p1"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	f := &apiFixture{
		store:    store,
		sessions: sessions.NewMemoryStore(time.Minute, 100),
		turns:    &MockTurnService{},
		conv:     conv,
	}
	f.api = NewAPIHandlers(store, f.turns, engine.NewEngine(store), f.sessions)
	stats := NewStatsHandler(f.api)

	f.mux = http.NewServeMux()
	f.mux.HandleFunc("POST /api/sessions", f.api.CreateSession)
	f.mux.HandleFunc("DELETE /api/sessions", f.api.DeleteSession)
	f.mux.HandleFunc("POST /api/conversations", f.api.CreateConversation)
	f.mux.HandleFunc("GET /api/conversations/{id}", f.api.GetConversation)
	f.mux.HandleFunc("POST /api/conversations/{id}/messages", f.api.AppendMessages)
	f.mux.HandleFunc("POST /api/conversations/{id}/turns", f.api.StartTurn)
	f.mux.HandleFunc("GET /api/conversations/{id}/stats", stats.GetStats)
	f.mux.HandleFunc("POST /api/render/callback", f.api.RenderCallback)
	return f
}

func (f *apiFixture) do(t *testing.T, p Principal, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(WithPrincipal(req.Context(), p))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

var (
	service = Principal{Service: true, Admin: true}
	user1   = Principal{UserID: "u1", Token: "tok-1"}
	user2   = Principal{UserID: "u2", Token: "tok-2"}
)

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestCreateSession(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, service, http.MethodPost, "/api/sessions", CreateSessionRequest{UserID: "u1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	sess := decode[sessions.Session](t, w)
	assert.Equal(t, "u1", sess.UserID)

	got, err := f.sessions.Get(context.Background(), sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestCreateSession_Errors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		caller Principal
		body   CreateSessionRequest
		want   int
	}{
		{"user caller", user1, CreateSessionRequest{UserID: "u1"}, http.StatusForbidden},
		{"missing user id", service, CreateSessionRequest{}, http.StatusBadRequest},
		{"unknown user", service, CreateSessionRequest{UserID: "ghost"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.caller, http.MethodPost, "/api/sessions", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestDeleteSession(t *testing.T) {
	f := newAPIFixture(t)
	sess, err := f.sessions.Create(context.Background(), "u1", false)
	require.NoError(t, err)

	w := f.do(t, Principal{UserID: "u1", Token: sess.Token}, http.MethodDelete, "/api/sessions", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, err = f.sessions.Get(context.Background(), sess.Token)
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)

	w = f.do(t, service, http.MethodDelete, "/api/sessions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateConversation_FindOrCreate(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.UpsertPersona(context.Background(), &types.Persona{ID: "p2", Name: "Noa"}))

	body := CreateConversationRequest{
		PersonaID: "p2",
		Settings:  &types.ConversationSettings{RelationshipType: "Friend"},
		Scenario:  "Rooftop bar",
	}
	w := f.do(t, user1, http.MethodPost, "/api/conversations", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[types.Conversation](t, w)
	assert.Equal(t, "u1", created.UserID)
	assert.Equal(t, "Friend", created.Settings.RelationshipType)
	assert.Equal(t, "Rooftop bar", created.Scenario)

	w = f.do(t, user1, http.MethodPost, "/api/conversations", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decode[types.Conversation](t, w).ID)
}

func TestCreateConversation_UserCannotActForOthers(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, user2, http.MethodPost, "/api/conversations", CreateConversationRequest{UserID: "u1", PersonaID: "p1"})
	require.Equal(t, http.StatusCreated, w.Code)
	conv := decode[types.Conversation](t, w)
	assert.Equal(t, "u2", conv.UserID)
	assert.NotEqual(t, f.conv.ID, conv.ID)

	w = f.do(t, service, http.MethodPost, "/api/conversations", CreateConversationRequest{UserID: "u1", PersonaID: "p1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, f.conv.ID, decode[types.Conversation](t, w).ID)
}

func TestCreateConversation_RequiresPersona(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, user1, http.MethodPost, "/api/conversations", CreateConversationRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetConversation_Ownership(t *testing.T) {
	f := newAPIFixture(t)
	path := "/api/conversations/" + f.conv.ID

	assert.Equal(t, http.StatusOK, f.do(t, user1, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, service, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, user2, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, user1, http.MethodGet, "/api/conversations/missing", nil).Code)
}

func TestAppendMessages(t *testing.T) {
	f := newAPIFixture(t)
	path := fmt.Sprintf("/api/conversations/%s/messages", f.conv.ID)

	body := AppendMessagesRequest{Messages: []types.Message{
		{Role: types.RoleUser, Content: "hi there"},
		{Kind: types.KindControl, Name: types.ControlMaster, Content: "be brief"},
	}}
	w := f.do(t, user1, http.MethodPost, path, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[AppendMessagesResponse](t, w)
	assert.Equal(t, 1, resp.NewMessages)
	require.Len(t, resp.Conversation.Messages, 2)
	assert.NotEmpty(t, resp.Conversation.Messages[0].ID)
	assert.True(t, resp.Conversation.Messages[1].Hidden)

	// Same text again replaces instead of appending.
	w = f.do(t, user1, http.MethodPost, path, AppendMessagesRequest{Messages: []types.Message{
		{Role: types.RoleUser, Content: "hi there"},
	}})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[AppendMessagesResponse](t, w)
	assert.Equal(t, 0, resp.NewMessages)
	assert.Len(t, resp.Conversation.Messages, 2)
}

func TestAppendMessages_Invalid(t *testing.T) {
	f := newAPIFixture(t)
	path := fmt.Sprintf("/api/conversations/%s/messages", f.conv.ID)

	tests := []struct {
		name string
		body any
	}{
		{"empty batch", AppendMessagesRequest{}},
		{"unknown kind", AppendMessagesRequest{Messages: []types.Message{{Kind: "video", Role: types.RoleUser}}}},
		{"text without role", AppendMessagesRequest{Messages: []types.Message{{Content: "x"}}}},
		{"unnamed control", AppendMessagesRequest{Messages: []types.Message{{Kind: types.KindControl}}}},
		{"media without image", AppendMessagesRequest{Messages: []types.Message{{Kind: types.KindMedia}}}},
		{"not json", "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, f.do(t, user1, http.MethodPost, path, tt.body).Code)
		})
	}
}

func TestStartTurn(t *testing.T) {
	f := newAPIFixture(t)
	path := fmt.Sprintf("/api/conversations/%s/turns", f.conv.ID)

	f.turns.On("HandleTurn", mock.Anything, mock.MatchedBy(func(req engine.TurnRequest) bool {
		return req.ConversationID == f.conv.ID &&
			req.UserID == "u1" &&
			req.UniqueID == "c-1" &&
			req.Message != nil &&
			req.Message.Role == types.RoleUser &&
			req.Message.Kind == types.KindText &&
			req.Message.Content == "send me a selfie"
	})).Return(&engine.TurnHandle{ID: "turn-1"}, nil).Once()

	w := f.do(t, user1, http.MethodPost, path, StartTurnRequest{
		Message:  &types.Message{Content: "send me a selfie"},
		UniqueID: "c-1",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, StartTurnResponse{TurnID: "turn-1", UniqueID: "c-1"}, decode[StartTurnResponse](t, w))
	f.turns.AssertExpectations(t)
}

func TestStartTurn_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", fmt.Errorf("%w: inbound message must be text", engine.ErrInvalidTurn), http.StatusBadRequest},
		{"not found", engine.ErrConversationNotFound, http.StatusNotFound},
		{"shutting down", engine.ErrShuttingDown, http.StatusServiceUnavailable},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.turns.On("HandleTurn", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			w := f.do(t, user1, http.MethodPost, "/api/conversations/"+f.conv.ID+"/turns", StartTurnRequest{})
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestStartTurn_ForeignConversation(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, user2, http.MethodPost, "/api/conversations/"+f.conv.ID+"/turns", StartTurnRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)
	f.turns.AssertNotCalled(t, "HandleTurn", mock.Anything, mock.Anything)
}

func TestRenderCallback(t *testing.T) {
	f := newAPIFixture(t)
	ev := imaging.RenderEvent{
		PlaceholderID: "ph-1",
		TaskID:        "job-1",
		Status:        imaging.StatusCompleted,
		Images:        []imaging.RenderedImage{{ID: "img-1", URL: "https://cdn/1.png"}},
	}
	f.turns.On("CompleteRender", mock.Anything, ev).Return(nil).Once()

	w := f.do(t, service, http.MethodPost, "/api/render/callback", ev)
	assert.Equal(t, http.StatusOK, w.Code)
	f.turns.AssertExpectations(t)
}

func TestRenderCallback_Errors(t *testing.T) {
	valid := imaging.RenderEvent{PlaceholderID: "ph-1", Status: imaging.StatusFailed, Error: "gpu lost"}

	tests := []struct {
		name      string
		caller    Principal
		body      any
		renderErr error
		want      int
	}{
		{"session caller", user1, valid, nil, http.StatusForbidden},
		{"invalid event", service, imaging.RenderEvent{PlaceholderID: "ph-1", Status: "done"}, nil, http.StatusBadRequest},
		{"unknown placeholder", service, valid, engine.ErrUnknownTask, http.StatusNotFound},
		{"conversation gone", service, valid, engine.ErrConversationNotFound, http.StatusNotFound},
		{"store failure", service, valid, fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.turns.On("CompleteRender", mock.Anything, mock.Anything).Return(tt.renderErr).Maybe()

			w := f.do(t, tt.caller, http.MethodPost, "/api/render/callback", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetStats(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, _, err := engine.NewEngine(f.store).AppendMessages(ctx, f.conv.ID, []types.Message{
		types.NewTextMessage(types.RoleUser, "hello"),
		types.NewTextMessage(types.RoleAssistant, "*waves* hey!"),
	})
	require.NoError(t, err)
	require.NoError(t, f.store.SetLastMessage(ctx, "u1", "p1", types.LastMessage{
		Role: types.RoleAssistant, Content: "hey!", UpdatedAt: time.Now().UTC(),
	}))

	w := f.do(t, user1, http.MethodGet, "/api/conversations/"+f.conv.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stats := decode[StatsResponse](t, w)
	assert.Equal(t, f.conv.ID, stats.ConversationID)
	assert.Equal(t, 2, stats.Usage.MessageCount)
	assert.Equal(t, 120, stats.Points)
	require.NotNil(t, stats.LastMessage)
	assert.Equal(t, "hey!", stats.LastMessage.Content)
}

func TestMissingPrincipal(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/"+f.conv.ID, nil)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
