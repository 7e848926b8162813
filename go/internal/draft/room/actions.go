package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/draft/offlinelog"
	"github.com/mcdev12/draftsync/go/internal/draft/store"
	"github.com/mcdev12/draftsync/go/internal/draft/turntimer"
	"github.com/mcdev12/draftsync/go/internal/draft/updatequeue"
	"github.com/mcdev12/draftsync/go/internal/models"
)

// Offline action types.
const (
	ActionPlacePick = "place_pick"
	ActionPlaceBid  = "place_bid"
	ActionJoinRoom  = "join_room"
	ActionLeaveRoom = "leave_room"
)

// MakePick drafts a player for the local team. The player shows as taken
// right away; while offline the pick goes to the offline log instead of the
// queue and the returned id is the offline action id.
func (s *Session) MakePick(ctx context.Context, playerID uuid.UUID, opts updatequeue.Options) (uuid.UUID, error) {
	tc, ok := s.mirror.TurnContext(s.cfg.TeamID)
	switch {
	case !ok:
		return uuid.Nil, fmt.Errorf("%w: room not loaded", events.ErrValidation)
	case !tc.IsUserTurn:
		return uuid.Nil, fmt.Errorf("%w: not your turn", events.ErrValidation)
	case s.mirror.IsDrafted(playerID):
		return uuid.Nil, fmt.Errorf("%w: player %s already drafted", events.ErrValidation, playerID)
	}
	req := store.PickRequest{
		RoomID:     s.cfg.RoomID,
		TeamID:     s.cfg.TeamID,
		PlayerID:   &playerID,
		TurnNumber: tc.TurnNumber,
	}

	if s.monitor.Status().IsOffline {
		s.mirror.Hold(playerID)
		id, err := s.monitor.QueueOfflineAction(ctx, ActionPlacePick, req)
		if err != nil {
			s.mirror.Release(playerID)
		}
		return id, err
	}
	return s.submitPick(req, "", opts)
}

// SubmitAutoPick queues the turn timer's fallback at high priority. The key
// is derived from the turn so every retry of it collapses on the server.
func (s *Session) SubmitAutoPick(a turntimer.Action, onError func(error)) error {
	req := store.PickRequest{
		RoomID:     a.RoomID,
		TeamID:     a.TeamID,
		TurnNumber: a.TurnNumber,
		AutoPicked: true,
	}
	if a.Kind == turntimer.ActionPick {
		playerID := a.PlayerID
		req.PlayerID = &playerID
	}
	_, err := s.submitPick(req, fmt.Sprintf("autopick:%s:%d", a.RoomID, a.TurnNumber), updatequeue.Options{
		Priority: updatequeue.PriorityHigh,
		OnError:  onError,
	})
	return err
}

func (s *Session) submitPick(req store.PickRequest, key string, opts updatequeue.Options) (uuid.UUID, error) {
	opts.Key = key
	return s.queue.OptimisticUpdate(
		func() {
			if req.PlayerID != nil {
				s.mirror.Hold(*req.PlayerID)
			}
		},
		func(ctx context.Context) error {
			return s.deps.Mutations.PlacePick(ctx, updatequeue.IdempotencyKey(ctx), req)
		},
		func() {
			if req.PlayerID != nil {
				s.mirror.Release(*req.PlayerID)
			}
		},
		opts,
	)
}

// PlaceBid raises the high bid on a lot for the local team.
func (s *Session) PlaceBid(ctx context.Context, lotID uuid.UUID, amount int, opts updatequeue.Options) (uuid.UUID, error) {
	lot, ok := s.mirror.Lot(lotID)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: unknown lot %s", events.ErrValidation, lotID)
	}
	if amount <= lot.HighBid {
		return uuid.Nil, fmt.Errorf("%w: bid %d does not beat %d", events.ErrValidation, amount, lot.HighBid)
	}
	req := store.BidRequest{RoomID: s.cfg.RoomID, LotID: lotID, TeamID: s.cfg.TeamID, Amount: amount}

	if s.monitor.Status().IsOffline {
		return s.monitor.QueueOfflineAction(ctx, ActionPlaceBid, req)
	}

	var (
		saved  models.AuctionLot
		raised bool
	)
	return s.queue.OptimisticUpdate(
		func() {
			saved, raised = s.mirror.raiseBid(lotID, s.cfg.TeamID, amount)
		},
		func(ctx context.Context) error {
			return s.deps.Mutations.PlaceBid(ctx, updatequeue.IdempotencyKey(ctx), req)
		},
		func() {
			if raised {
				s.mirror.restoreLot(saved)
			}
		},
		opts,
	)
}

// Join records the local participant as seated in the room.
func (s *Session) Join(ctx context.Context) (uuid.UUID, error) {
	return s.membership(ctx, ActionJoinRoom)
}

// Leave records that the local participant left the room.
func (s *Session) Leave(ctx context.Context) (uuid.UUID, error) {
	return s.membership(ctx, ActionLeaveRoom)
}

func (s *Session) membership(ctx context.Context, action string) (uuid.UUID, error) {
	req := store.MembershipRequest{RoomID: s.cfg.RoomID, UserID: s.cfg.UserID, Username: s.cfg.Username}
	if s.cfg.TeamID != uuid.Nil {
		team := s.cfg.TeamID
		req.TeamID = &team
	}
	if s.monitor.Status().IsOffline {
		return s.monitor.QueueOfflineAction(ctx, action, req)
	}
	return s.queue.AddUpdate(func(ctx context.Context) error {
		return s.execMembership(ctx, action, updatequeue.IdempotencyKey(ctx), req)
	}, nil, updatequeue.Options{Priority: updatequeue.PriorityLow})
}

func (s *Session) execMembership(ctx context.Context, action, key string, req store.MembershipRequest) error {
	if action == ActionLeaveRoom {
		return s.deps.Mutations.LeaveRoom(ctx, key, req)
	}
	return s.deps.Mutations.JoinRoom(ctx, key, req)
}

// replay executes one offline action through the update queue so it never
// overlaps a live mutation. The action id is its idempotency key. One attempt
// per pass; the offline log keeps the retry count. An action the server
// rejects as invalid is dropped so it cannot wedge the log.
func (s *Session) replay(ctx context.Context, a offlinelog.Action) error {
	key := a.ID.String()
	var (
		apply   func(ctx context.Context) error
		release func()
		err     error
	)
	switch a.Type {
	case ActionPlacePick:
		var req store.PickRequest
		if err = decodePayload(a, &req); err == nil {
			apply = func(ctx context.Context) error {
				return s.deps.Mutations.PlacePick(ctx, updatequeue.IdempotencyKey(ctx), req)
			}
			if req.PlayerID != nil {
				player := *req.PlayerID
				release = func() { s.mirror.Release(player) }
			}
		}
	case ActionPlaceBid:
		var req store.BidRequest
		if err = decodePayload(a, &req); err == nil {
			apply = func(ctx context.Context) error {
				return s.deps.Mutations.PlaceBid(ctx, updatequeue.IdempotencyKey(ctx), req)
			}
		}
	case ActionJoinRoom, ActionLeaveRoom:
		var req store.MembershipRequest
		if err = decodePayload(a, &req); err == nil {
			apply = func(ctx context.Context) error {
				return s.execMembership(ctx, a.Type, updatequeue.IdempotencyKey(ctx), req)
			}
		}
	default:
		err = fmt.Errorf("%w: unknown offline action %q", events.ErrValidation, a.Type)
	}
	if apply != nil {
		err = s.queue.Do(ctx, updatequeue.Command{Key: key, Apply: apply}, updatequeue.Options{
			Priority:      updatequeue.PriorityMedium,
			SingleAttempt: true,
		})
	}

	if errors.Is(err, events.ErrValidation) {
		if release != nil {
			release()
		}
		s.logger.Warn().Err(err).
			Str("action_id", key).
			Str("type", a.Type).
			Msg("offline action rejected, dropping")
		if h := s.getHooks(); h.OnError != nil {
			h.OnError(fmt.Errorf("offline %s rejected: %w", a.Type, err))
		}
		return nil
	}
	return err
}

func decodePayload(a offlinelog.Action, into any) error {
	if err := json.Unmarshal(a.Payload, into); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", events.ErrValidation, a.Type, err)
	}
	return nil
}
