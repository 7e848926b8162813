// Package store is the Postgres collaborator behind a draft room: the
// mutations a client issues and the snapshot read used for reconciliation.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/models"
	"github.com/mcdev12/draftsync/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PickRequest places (or, with a nil PlayerID, skips) the pick for a turn.
type PickRequest struct {
	RoomID     uuid.UUID  `json:"room_id"`
	TeamID     uuid.UUID  `json:"team_id"`
	PlayerID   *uuid.UUID `json:"player_id,omitempty"`
	TurnNumber int        `json:"turn_number"`
	AutoPicked bool       `json:"auto_picked"`
}

// BidRequest raises the high bid on an open auction lot.
type BidRequest struct {
	RoomID uuid.UUID `json:"room_id"`
	LotID  uuid.UUID `json:"lot_id"`
	TeamID uuid.UUID `json:"team_id"`
	Amount int       `json:"amount"`
}

// MembershipRequest joins or leaves a room.
type MembershipRequest struct {
	RoomID   uuid.UUID  `json:"room_id"`
	UserID   uuid.UUID  `json:"user_id"`
	TeamID   *uuid.UUID `json:"team_id,omitempty"`
	Username string     `json:"username,omitempty"`
}

// Mutations are the remote calls a room issues. Delivery is at-least-once;
// a call repeated with the same key has no further effect.
type Mutations interface {
	PlacePick(ctx context.Context, key string, req PickRequest) error
	PlaceBid(ctx context.Context, key string, req BidRequest) error
	JoinRoom(ctx context.Context, key string, req MembershipRequest) error
	LeaveRoom(ctx context.Context, key string, req MembershipRequest) error
}

// Postgres implements Mutations and realtime.Fetcher.
type Postgres struct {
	db      *sql.DB
	queries *Queries
	now     func() time.Time
}

func New(db *sql.DB) *Postgres {
	return &Postgres{db: db, queries: NewQueries(db), now: time.Now}
}

// Migrate brings the schema up to date.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	defer src.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// run wraps fn in a transaction that first claims key. A key that was
// already claimed turns the call into a no-op.
func (p *Postgres) run(ctx context.Context, key, kind string, roomID uuid.UUID, req any, fn func(q *Queries) error) error {
	if key == "" {
		return fmt.Errorf("%w: %s needs an idempotency key", events.ErrValidation, kind)
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: marshal %s request: %v", events.ErrValidation, kind, err)
	}

	errDuplicate := errors.New("duplicate")
	err = sqlutil.RunWith(ctx, p.db, sqlutil.TxOptions{Attempts: 3}, NewQueriesTx, func(q *Queries) error {
		claimed, err := q.ClaimMutationKey(ctx, ClaimMutationKeyParams{
			Key:     key,
			DraftID: roomID,
			Kind:    kind,
			Request: pqtype.NullRawMessage{RawMessage: raw, Valid: true},
		})
		if err != nil {
			return fmt.Errorf("claim mutation key: %w", err)
		}
		if !claimed {
			return errDuplicate
		}
		return fn(q)
	})
	if errors.Is(err, errDuplicate) {
		log.Debug().Str("key", key).Str("kind", kind).Msg("mutation already applied")
		return nil
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

func (p *Postgres) PlacePick(ctx context.Context, key string, req PickRequest) error {
	return p.run(ctx, key, "place_pick", req.RoomID, req, func(q *Queries) error {
		room, err := q.GetDraftRoomForUpdate(ctx, req.RoomID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: room %s not found", events.ErrValidation, req.RoomID)
		}
		if err != nil {
			return fmt.Errorf("load room: %w", err)
		}
		next, err := nextTurn(room, req)
		if err != nil {
			return err
		}

		n := len(room.TeamOrder)
		idx := room.CurrentTurnIndex
		if err := q.CreateDraftPick(ctx, CreateDraftPickParams{
			ID:          uuid.New(),
			DraftID:     room.ID,
			Round:       int32(idx/n + 1),
			Pick:        int32(idx%n + 1),
			OverallPick: int32(idx + 1),
			TeamID:      req.TeamID,
			PlayerID:    sqlutil.ToNullUUID(req.PlayerID),
			AutoPicked:  req.AutoPicked,
		}); err != nil {
			return fmt.Errorf("insert pick: %w", err)
		}
		if req.PlayerID != nil {
			if err := q.IncrementTeamRoster(ctx, req.TeamID); err != nil {
				return fmt.Errorf("update roster: %w", err)
			}
		}
		if err := q.AdvanceDraftTurn(ctx, next); err != nil {
			return fmt.Errorf("advance turn: %w", err)
		}

		log.Info().
			Str("draft_id", room.ID.String()).
			Str("team_id", req.TeamID.String()).
			Int("turn", req.TurnNumber).
			Bool("auto_picked", req.AutoPicked).
			Msg("pick placed")
		return nil
	})
}

// nextTurn validates a pick against the locked room and returns the state
// the room moves to.
func nextTurn(room models.DraftRoom, req PickRequest) (AdvanceDraftTurnParams, error) {
	if room.Status != models.DraftStatusActive {
		return AdvanceDraftTurnParams{}, fmt.Errorf("%w: draft is %s", events.ErrValidation, room.Status)
	}
	if req.TurnNumber != room.TurnNumber() {
		return AdvanceDraftTurnParams{}, fmt.Errorf("%w: turn %d is not current (current %d)",
			events.ErrValidation, req.TurnNumber, room.TurnNumber())
	}
	onClock, ok := room.TeamOnTurn(room.CurrentTurnIndex)
	if !ok {
		return AdvanceDraftTurnParams{}, fmt.Errorf("%w: no team on the clock", events.ErrValidation)
	}
	if onClock != req.TeamID {
		return AdvanceDraftTurnParams{}, fmt.Errorf("%w: team %s is not on the clock", events.ErrValidation, req.TeamID)
	}

	next := AdvanceDraftTurnParams{
		ID:               room.ID,
		CurrentTurnIndex: room.CurrentTurnIndex + 1,
		Status:           room.Status,
	}
	next.CurrentRound = next.CurrentTurnIndex/len(room.TeamOrder) + 1
	if next.CurrentTurnIndex >= room.TotalTurns() {
		next.Status = models.DraftStatusCompleted
		next.CurrentRound = room.Rounds
	}
	return next, nil
}

func (p *Postgres) PlaceBid(ctx context.Context, key string, req BidRequest) error {
	return p.run(ctx, key, "place_bid", req.RoomID, req, func(q *Queries) error {
		lot, err := q.GetAuctionLotForUpdate(ctx, req.LotID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: lot %s not found", events.ErrValidation, req.LotID)
		}
		if err != nil {
			return fmt.Errorf("load lot: %w", err)
		}
		team, err := q.GetTeam(ctx, req.TeamID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: team %s not found", events.ErrValidation, req.TeamID)
		}
		if err != nil {
			return fmt.Errorf("load team: %w", err)
		}
		if err := checkBid(lot, team, req, p.now()); err != nil {
			return err
		}
		if err := q.RaiseAuctionBid(ctx, lot.ID, req.Amount, req.TeamID); err != nil {
			return fmt.Errorf("raise bid: %w", err)
		}
		log.Info().
			Str("lot_id", lot.ID.String()).
			Str("team_id", req.TeamID.String()).
			Int("amount", req.Amount).
			Msg("bid placed")
		return nil
	})
}

func checkBid(lot models.AuctionLot, team models.Team, req BidRequest, now time.Time) error {
	switch {
	case lot.DraftID != req.RoomID || team.DraftID != req.RoomID:
		return fmt.Errorf("%w: lot and team must belong to room %s", events.ErrValidation, req.RoomID)
	case lot.Status != models.AuctionStatusOpen:
		return fmt.Errorf("%w: lot is %s", events.ErrValidation, lot.Status)
	case lot.ClosesAt != nil && !now.Before(*lot.ClosesAt):
		return fmt.Errorf("%w: bidding closed", events.ErrValidation)
	case req.Amount <= lot.HighBid:
		return fmt.Errorf("%w: bid %d does not beat %d", events.ErrValidation, req.Amount, lot.HighBid)
	case req.Amount > team.Budget:
		return fmt.Errorf("%w: bid %d exceeds budget %d", events.ErrValidation, req.Amount, team.Budget)
	}
	return nil
}

func (p *Postgres) JoinRoom(ctx context.Context, key string, req MembershipRequest) error {
	return p.run(ctx, key, "join_room", req.RoomID, req, func(q *Queries) error {
		if req.Username == "" {
			return fmt.Errorf("%w: username is required", events.ErrValidation)
		}
		return q.UpsertParticipant(ctx, UpsertParticipantParams{
			ID:       uuid.New(),
			DraftID:  req.RoomID,
			UserID:   req.UserID,
			TeamID:   sqlutil.ToNullUUID(req.TeamID),
			Username: req.Username,
		})
	})
}

func (p *Postgres) LeaveRoom(ctx context.Context, key string, req MembershipRequest) error {
	return p.run(ctx, key, "leave_room", req.RoomID, req, func(q *Queries) error {
		n, err := q.MarkParticipantLeft(ctx, req.RoomID, req.UserID)
		if err != nil {
			return err
		}
		if n == 0 {
			log.Debug().Str("user_id", req.UserID.String()).Msg("leave for a participant not in the room")
		}
		return nil
	})
}

// FetchSnapshot reads the whole room for reconciliation.
func (p *Postgres) FetchSnapshot(ctx context.Context, roomID uuid.UUID) (events.Snapshot, error) {
	var snap events.Snapshot
	room, err := p.queries.GetDraftRoom(ctx, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("%w: room %s: %w", events.ErrValidation, roomID, events.ErrNotFound)
	}
	if err != nil {
		return snap, fmt.Errorf("fetch room: %w", err)
	}
	snap.Room = room
	if snap.Teams, err = p.queries.ListTeams(ctx, roomID); err != nil {
		return snap, fmt.Errorf("fetch teams: %w", err)
	}
	if snap.Picks, err = p.queries.ListDraftPicks(ctx, roomID); err != nil {
		return snap, fmt.Errorf("fetch picks: %w", err)
	}
	if snap.Participants, err = p.queries.ListParticipants(ctx, roomID); err != nil {
		return snap, fmt.Errorf("fetch participants: %w", err)
	}
	if snap.Lots, err = p.queries.ListAuctionLots(ctx, roomID); err != nil {
		return snap, fmt.Errorf("fetch auction lots: %w", err)
	}
	snap.FetchedAt = p.now().UTC()
	return snap, nil
}

// classify maps constraint violations to validation errors so callers do
// not retry them.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return fmt.Errorf("%w: %s", events.ErrValidation, pqErr.Message)
		}
	}
	return err
}
