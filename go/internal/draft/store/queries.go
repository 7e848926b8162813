package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mcdev12/draftsync/go/internal/models"
	"github.com/mcdev12/draftsync/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Queries holds the SQL for the draft tables.
type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

func NewQueriesTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const claimMutationKey = `
INSERT INTO mutation_keys (key, draft_id, kind, request)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO NOTHING
`

type ClaimMutationKeyParams struct {
	Key     string
	DraftID uuid.UUID
	Kind    string
	Request pqtype.NullRawMessage
}

// ClaimMutationKey reports false when the key was already claimed.
func (q *Queries) ClaimMutationKey(ctx context.Context, arg ClaimMutationKeyParams) (bool, error) {
	res, err := q.db.ExecContext(ctx, claimMutationKey, arg.Key, arg.DraftID, arg.Kind, arg.Request)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const draftRoomColumns = `id, name, draft_type, status, current_turn_index, current_round, rounds,
	per_pick_time_limit_sec, team_order, started_at, updated_at`

const getDraftRoom = `SELECT ` + draftRoomColumns + ` FROM draft_rooms WHERE id = $1`

const getDraftRoomForUpdate = getDraftRoom + ` FOR UPDATE`

func scanDraftRoom(row interface{ Scan(...any) error }) (models.DraftRoom, error) {
	var (
		r         models.DraftRoom
		limitSec  int32
		order     pq.StringArray
		startedAt sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.DraftType, &r.Status, &r.CurrentTurnIndex, &r.CurrentRound, &r.Rounds,
		&limitSec, &order, &startedAt, &r.UpdatedAt,
	)
	if err != nil {
		return models.DraftRoom{}, err
	}
	r.PerPickTimeLimit = time.Duration(limitSec) * time.Second
	r.StartedAt = sqlutil.FromSqlTime(startedAt)
	for _, s := range order {
		id, err := uuid.Parse(s)
		if err != nil {
			return models.DraftRoom{}, fmt.Errorf("team_order entry %q: %w", s, err)
		}
		r.TeamOrder = append(r.TeamOrder, id)
	}
	return r, nil
}

func (q *Queries) GetDraftRoom(ctx context.Context, id uuid.UUID) (models.DraftRoom, error) {
	return scanDraftRoom(q.db.QueryRowContext(ctx, getDraftRoom, id))
}

func (q *Queries) GetDraftRoomForUpdate(ctx context.Context, id uuid.UUID) (models.DraftRoom, error) {
	return scanDraftRoom(q.db.QueryRowContext(ctx, getDraftRoomForUpdate, id))
}

const advanceDraftTurn = `
UPDATE draft_rooms
SET current_turn_index = $2, current_round = $3, status = $4, updated_at = now()
WHERE id = $1
`

type AdvanceDraftTurnParams struct {
	ID               uuid.UUID
	CurrentTurnIndex int
	CurrentRound     int
	Status           models.DraftStatus
}

func (q *Queries) AdvanceDraftTurn(ctx context.Context, arg AdvanceDraftTurnParams) error {
	_, err := q.db.ExecContext(ctx, advanceDraftTurn, arg.ID, arg.CurrentTurnIndex, arg.CurrentRound, arg.Status)
	return err
}

const createDraftPick = `
INSERT INTO draft_picks (id, draft_id, round, pick, overall_pick, team_id, player_id, auto_picked)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

type CreateDraftPickParams struct {
	ID          uuid.UUID
	DraftID     uuid.UUID
	Round       int32
	Pick        int32
	OverallPick int32
	TeamID      uuid.UUID
	PlayerID    uuid.NullUUID
	AutoPicked  bool
}

func (q *Queries) CreateDraftPick(ctx context.Context, arg CreateDraftPickParams) error {
	_, err := q.db.ExecContext(ctx, createDraftPick,
		arg.ID, arg.DraftID, arg.Round, arg.Pick, arg.OverallPick, arg.TeamID, arg.PlayerID, arg.AutoPicked,
	)
	return err
}

const incrementTeamRoster = `UPDATE teams SET roster = roster + 1, updated_at = now() WHERE id = $1`

func (q *Queries) IncrementTeamRoster(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, incrementTeamRoster, id)
	return err
}

const teamColumns = `id, draft_id, owner_id, name, budget, roster, updated_at`

func scanTeam(row interface{ Scan(...any) error }) (models.Team, error) {
	var t models.Team
	err := row.Scan(&t.ID, &t.DraftID, &t.OwnerID, &t.Name, &t.Budget, &t.Roster, &t.UpdatedAt)
	return t, err
}

const getTeam = `SELECT ` + teamColumns + ` FROM teams WHERE id = $1`

func (q *Queries) GetTeam(ctx context.Context, id uuid.UUID) (models.Team, error) {
	return scanTeam(q.db.QueryRowContext(ctx, getTeam, id))
}

const listTeams = `SELECT ` + teamColumns + ` FROM teams WHERE draft_id = $1 ORDER BY name`

func (q *Queries) ListTeams(ctx context.Context, draftID uuid.UUID) ([]models.Team, error) {
	rows, err := q.db.QueryContext(ctx, listTeams, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []models.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

const listDraftPicks = `
SELECT id, draft_id, round, pick, overall_pick, team_id, player_id, auto_picked, picked_at, updated_at
FROM draft_picks WHERE draft_id = $1 ORDER BY overall_pick
`

func (q *Queries) ListDraftPicks(ctx context.Context, draftID uuid.UUID) ([]models.DraftPick, error) {
	rows, err := q.db.QueryContext(ctx, listDraftPicks, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []models.DraftPick
	for rows.Next() {
		var (
			p        models.DraftPick
			playerID uuid.NullUUID
		)
		if err := rows.Scan(&p.ID, &p.DraftID, &p.Round, &p.Pick, &p.OverallPick, &p.TeamID,
			&playerID, &p.AutoPicked, &p.PickedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.PlayerID = sqlutil.FromNullUUID(playerID)
		items = append(items, p)
	}
	return items, rows.Err()
}

const upsertParticipant = `
INSERT INTO participants (id, draft_id, user_id, team_id, username)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (draft_id, user_id) DO UPDATE
SET left_at = NULL, team_id = COALESCE(EXCLUDED.team_id, participants.team_id), updated_at = now()
`

type UpsertParticipantParams struct {
	ID       uuid.UUID
	DraftID  uuid.UUID
	UserID   uuid.UUID
	TeamID   uuid.NullUUID
	Username string
}

func (q *Queries) UpsertParticipant(ctx context.Context, arg UpsertParticipantParams) error {
	_, err := q.db.ExecContext(ctx, upsertParticipant, arg.ID, arg.DraftID, arg.UserID, arg.TeamID, arg.Username)
	return err
}

const markParticipantLeft = `
UPDATE participants SET left_at = now(), updated_at = now()
WHERE draft_id = $1 AND user_id = $2 AND left_at IS NULL
`

func (q *Queries) MarkParticipantLeft(ctx context.Context, draftID, userID uuid.UUID) (int64, error) {
	res, err := q.db.ExecContext(ctx, markParticipantLeft, draftID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const listParticipants = `
SELECT id, draft_id, user_id, team_id, username, joined_at, left_at, updated_at
FROM participants WHERE draft_id = $1 ORDER BY joined_at
`

func (q *Queries) ListParticipants(ctx context.Context, draftID uuid.UUID) ([]models.Participant, error) {
	rows, err := q.db.QueryContext(ctx, listParticipants, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []models.Participant
	for rows.Next() {
		var (
			p      models.Participant
			teamID uuid.NullUUID
			leftAt sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.DraftID, &p.UserID, &teamID, &p.Username, &p.JoinedAt, &leftAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.TeamID = sqlutil.FromNullUUID(teamID)
		p.LeftAt = sqlutil.FromSqlTime(leftAt)
		items = append(items, p)
	}
	return items, rows.Err()
}

const lotColumns = `id, draft_id, player_id, nominated_by, high_bid, high_bidder_id, status, closes_at, updated_at`

func scanLot(row interface{ Scan(...any) error }) (models.AuctionLot, error) {
	var (
		l        models.AuctionLot
		bidder   uuid.NullUUID
		closesAt sql.NullTime
	)
	err := row.Scan(&l.ID, &l.DraftID, &l.PlayerID, &l.NominatedBy, &l.HighBid, &bidder, &l.Status, &closesAt, &l.UpdatedAt)
	if err != nil {
		return models.AuctionLot{}, err
	}
	l.HighBidderID = sqlutil.FromNullUUID(bidder)
	l.ClosesAt = sqlutil.FromSqlTime(closesAt)
	return l, nil
}

const getAuctionLotForUpdate = `SELECT ` + lotColumns + ` FROM auction_lots WHERE id = $1 FOR UPDATE`

func (q *Queries) GetAuctionLotForUpdate(ctx context.Context, id uuid.UUID) (models.AuctionLot, error) {
	return scanLot(q.db.QueryRowContext(ctx, getAuctionLotForUpdate, id))
}

const listAuctionLots = `SELECT ` + lotColumns + ` FROM auction_lots WHERE draft_id = $1 ORDER BY updated_at`

func (q *Queries) ListAuctionLots(ctx context.Context, draftID uuid.UUID) ([]models.AuctionLot, error) {
	rows, err := q.db.QueryContext(ctx, listAuctionLots, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []models.AuctionLot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

const raiseAuctionBid = `
UPDATE auction_lots SET high_bid = $2, high_bidder_id = $3, updated_at = now()
WHERE id = $1
`

func (q *Queries) RaiseAuctionBid(ctx context.Context, lotID uuid.UUID, amount int, bidder uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, raiseAuctionBid, lotID, amount, bidder)
	return err
}
