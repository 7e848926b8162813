package turntimer

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrNoAction means the strategy has nothing to submit for the turn.
var ErrNoAction = errors.New("no auto-pick action available")

// ActionKind is what the fallback does with the turn.
type ActionKind string

const (
	ActionPick ActionKind = "pick"
	ActionSkip ActionKind = "skip"
)

// Action is a deterministic fallback for one expired turn.
type Action struct {
	Kind       ActionKind
	RoomID     uuid.UUID
	TeamID     uuid.UUID
	PlayerID   uuid.UUID // zero for skips
	TurnNumber int
}

// Strategy chooses the fallback action.
type Strategy interface {
	// HasAction reports whether a countdown is worth starting for the turn.
	HasAction(turn TurnContext) bool
	Next(ctx context.Context, turn TurnContext) (Action, error)
}

// Availability answers whether a player is already drafted.
type Availability interface {
	IsDrafted(playerID uuid.UUID) bool
}

// WishlistStrategy picks the best-ranked player on the wishlist that is still
// available, and skips the turn when none is and SkipWhenEmpty is set.
type WishlistStrategy struct {
	Wishlist      func() []models.WishlistEntry
	Availability  Availability
	SkipWhenEmpty bool
}

func (s *WishlistStrategy) HasAction(turn TurnContext) bool {
	if s.SkipWhenEmpty {
		return true
	}
	_, ok := s.best()
	return ok
}

func (s *WishlistStrategy) Next(_ context.Context, turn TurnContext) (Action, error) {
	if playerID, ok := s.best(); ok {
		log.Debug().
			Int("turn", turn.TurnNumber).
			Str("player_id", playerID.String()).
			Msg("auto-pick chose wishlist player")
		return Action{
			Kind:       ActionPick,
			RoomID:     turn.RoomID,
			TeamID:     turn.TeamID,
			PlayerID:   playerID,
			TurnNumber: turn.TurnNumber,
		}, nil
	}
	if s.SkipWhenEmpty {
		return skip(turn), nil
	}
	return Action{}, ErrNoAction
}

func (s *WishlistStrategy) best() (uuid.UUID, bool) {
	if s.Wishlist == nil {
		return uuid.Nil, false
	}
	entries := slices.Clone(s.Wishlist())
	slices.SortStableFunc(entries, func(a, b models.WishlistEntry) int {
		return a.Rank - b.Rank
	})
	for _, e := range entries {
		if s.Availability == nil || !s.Availability.IsDrafted(e.PlayerID) {
			return e.PlayerID, true
		}
	}
	return uuid.Nil, false
}

// SkipStrategy always passes the turn.
type SkipStrategy struct{}

func (SkipStrategy) HasAction(TurnContext) bool { return true }

func (SkipStrategy) Next(_ context.Context, turn TurnContext) (Action, error) {
	return skip(turn), nil
}

func skip(turn TurnContext) Action {
	return Action{
		Kind:       ActionSkip,
		RoomID:     turn.RoomID,
		TeamID:     turn.TeamID,
		TurnNumber: turn.TurnNumber,
	}
}
