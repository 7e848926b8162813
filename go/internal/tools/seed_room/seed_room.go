package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/draftsync/go/internal/dbconfig"
)

// RoomSeed describes a demo room. Missing ids are generated.
type RoomSeed struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	DraftType        string     `json:"draft_type"`
	Rounds           int        `json:"rounds"`
	PerPickTimeLimit int        `json:"per_pick_time_limit_sec"`
	Budget           int        `json:"budget"`
	Teams            []TeamSeed `json:"teams"`
}

type TeamSeed struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	OwnerID  string `json:"owner_id"`
	Username string `json:"username"`
}

func main() {
	file := flag.String("file", "", "JSON room definition; a demo room is generated when empty")
	teams := flag.Int("teams", 4, "number of generated teams")
	rounds := flag.Int("rounds", 3, "rounds of a generated room")
	limit := flag.Int("limit", 60, "seconds per pick of a generated room")
	draftType := flag.String("type", "snake", "snake or auction")
	flag.Parse()

	seed, err := loadSeed(*file, *teams, *rounds, *limit, *draftType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load seed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error { return insert(ctx, tx, seed) }); err != nil {
		fmt.Fprintf(os.Stderr, "seed room: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Room seeded: %s (%s, %d teams, %d rounds)\n", seed.ID, seed.DraftType, len(seed.Teams), seed.Rounds)
	for i, t := range seed.Teams {
		fmt.Printf("  #%d %-12s team=%s user=%s\n", i+1, t.Username, t.ID, t.OwnerID)
	}
	fmt.Printf("Connect: /ws/room?room_id=%s&user_id=%s\n", seed.ID, seed.Teams[0].OwnerID)
}

func loadSeed(path string, teams, rounds, limit int, draftType string) (RoomSeed, error) {
	var seed RoomSeed
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return seed, fmt.Errorf("read JSON: %w", err)
		}
		if err := json.Unmarshal(data, &seed); err != nil {
			return seed, fmt.Errorf("unmarshal JSON: %w", err)
		}
	} else {
		seed = RoomSeed{
			Name:             "Demo draft",
			DraftType:        draftType,
			Rounds:           rounds,
			PerPickTimeLimit: limit,
		}
		for i := 0; i < teams; i++ {
			seed.Teams = append(seed.Teams, TeamSeed{
				Name:     fmt.Sprintf("Team %d", i+1),
				Username: fmt.Sprintf("manager%d", i+1),
			})
		}
	}
	return seed, fillDefaults(&seed)
}

func fillDefaults(seed *RoomSeed) error {
	if len(seed.Teams) < 2 {
		return fmt.Errorf("a room needs at least two teams")
	}
	if seed.DraftType != "snake" && seed.DraftType != "auction" {
		return fmt.Errorf("unknown draft type %q", seed.DraftType)
	}
	if seed.ID == "" {
		seed.ID = uuid.NewString()
	}
	if seed.Rounds <= 0 {
		seed.Rounds = 3
	}
	if seed.PerPickTimeLimit <= 0 {
		seed.PerPickTimeLimit = 60
	}
	if seed.DraftType == "auction" && seed.Budget <= 0 {
		seed.Budget = 200
	}
	for i := range seed.Teams {
		t := &seed.Teams[i]
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.OwnerID == "" {
			t.OwnerID = uuid.NewString()
		}
		if t.Username == "" {
			t.Username = t.Name
		}
	}
	return nil
}

func insert(ctx context.Context, tx pgx.Tx, seed RoomSeed) error {
	order := make([]string, len(seed.Teams))
	for i, t := range seed.Teams {
		order[i] = t.ID
	}

	// teams reference the room, so the room starts in setup with its order
	// and goes active once the teams exist
	_, err := tx.Exec(ctx, `
        INSERT INTO draft_rooms (id, name, draft_type, status, rounds, per_pick_time_limit_sec, team_order)
        VALUES ($1, $2, $3, 'setup', $4, $5, $6::uuid[])
    `, seed.ID, seed.Name, seed.DraftType, seed.Rounds, seed.PerPickTimeLimit, order)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}

	for _, t := range seed.Teams {
		if _, err := tx.Exec(ctx, `
            INSERT INTO teams (id, draft_id, owner_id, name, budget)
            VALUES ($1, $2, $3, $4, $5)
        `, t.ID, seed.ID, t.OwnerID, t.Name, seed.Budget); err != nil {
			return fmt.Errorf("insert team %s: %w", t.Name, err)
		}
		if _, err := tx.Exec(ctx, `
            INSERT INTO participants (id, draft_id, user_id, team_id, username)
            VALUES ($1, $2, $3, $4, $5)
        `, uuid.NewString(), seed.ID, t.OwnerID, t.ID, t.Username); err != nil {
			return fmt.Errorf("insert participant %s: %w", t.Username, err)
		}
	}

	if _, err := tx.Exec(ctx, `
        UPDATE draft_rooms SET status = 'active', started_at = now(), updated_at = now() WHERE id = $1
    `, seed.ID); err != nil {
		return fmt.Errorf("start room: %w", err)
	}
	return nil
}
