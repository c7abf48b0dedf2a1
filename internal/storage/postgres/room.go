package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/campus/internal/room"
)

// RoomRepository provides persistent-room storage. It implements
// room.Repository. Participants are stored as a JSONB document so a room is a
// single strongly-consistent row, matching the no-transactions contract.
type RoomRepository struct {
	db *pgxpool.Pool
}

// NewRoomRepository creates a RoomRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db}
}

// FindRoom returns the room with the given id.
//
// Postcondition: Returns the room, or room.ErrRoomNotFound.
func (r *RoomRepository) FindRoom(ctx context.Context, roomID string) (*room.Room, error) {
	var (
		rm           room.Room
		participants []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, admin_id, participants, created_at, last_active_at
		 FROM rooms WHERE id = $1`,
		roomID,
	).Scan(&rm.ID, &rm.AdminID, &participants, &rm.CreatedAt, &rm.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, room.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying room %s: %w", roomID, err)
	}

	if err := json.Unmarshal(participants, &rm.Participants); err != nil {
		return nil, fmt.Errorf("decoding participants for room %s: %w", roomID, err)
	}
	return &rm, nil
}

// SaveRoom upserts the full room document.
//
// Precondition: rm must have a non-empty ID and AdminID.
func (r *RoomRepository) SaveRoom(ctx context.Context, rm *room.Room) error {
	participants, err := json.Marshal(rm.Participants)
	if err != nil {
		return fmt.Errorf("encoding participants for room %s: %w", rm.ID, err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO rooms (id, admin_id, participants, created_at, last_active_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   admin_id = EXCLUDED.admin_id,
		   participants = EXCLUDED.participants,
		   last_active_at = EXCLUDED.last_active_at`,
		rm.ID, rm.AdminID, participants, rm.CreatedAt, rm.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("saving room %s: %w", rm.ID, err)
	}
	return nil
}

// DeleteRoom removes the room. Missing rooms are a no-op.
func (r *RoomRepository) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, roomID); err != nil {
		return fmt.Errorf("deleting room %s: %w", roomID, err)
	}
	return nil
}

// CountOwnedBy returns how many rooms the user is primary admin of.
func (r *RoomRepository) CountOwnedBy(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM rooms WHERE admin_id = $1`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting rooms owned by %s: %w", userID, err)
	}
	return count, nil
}

// FindStaleIDs returns the ids of rooms idle since before cutoff.
func (r *RoomRepository) FindStaleIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM rooms WHERE last_active_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stale rooms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning stale room id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stale rooms: %w", err)
	}
	return ids, nil
}
