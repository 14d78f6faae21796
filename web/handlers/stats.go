package handlers

import (
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

// StatsHandler handles conversation statistics requests.
type StatsHandler struct {
	api *APIHandlers
}

// NewStatsHandler creates a new StatsHandler instance.
func NewStatsHandler(api *APIHandlers) *StatsHandler {
	return &StatsHandler{api: api}
}

// GetStats handles GET /api/conversations/{id}/stats - usage counters, the
// last-message snapshot and the user's balance.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.api.ownedConversation(w, r)
	if !ok {
		return
	}
	store := h.api.store

	var (
		usage   *types.UsageStats
		last    *types.LastMessage
		balance int
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		usage, err = store.GetUsageStats(ctx, conv.UserID, conv.PersonaID)
		return err
	})
	g.Go(func() error {
		var err error
		last, err = store.GetLastMessage(ctx, conv.UserID, conv.PersonaID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		var err error
		balance, err = store.Balance(ctx, conv.UserID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load stats", err)
		return
	}

	respondJSON(w, http.StatusOK, StatsResponse{
		ConversationID: conv.ID,
		Usage:          usage,
		LastMessage:    last,
		Points:         balance,
		ActiveGoal:     conv.ActiveGoal,
		CompletedGoals: len(conv.CompletedGoals),
		GeneratedAt:    time.Now().UTC(),
	})
}
