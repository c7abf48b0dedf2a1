package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Repository is the persistence collaborator contract. Reads and writes are
// assumed single-document strongly consistent; no transactions are required.
type Repository interface {
	// FindRoom returns the room with the given id, or ErrRoomNotFound.
	FindRoom(ctx context.Context, roomID string) (*Room, error)
	// SaveRoom upserts the full room document.
	SaveRoom(ctx context.Context, r *Room) error
	// DeleteRoom removes the room. Missing rooms are a no-op.
	DeleteRoom(ctx context.Context, roomID string) error
	// CountOwnedBy returns how many rooms the user is primary admin of.
	CountOwnedBy(ctx context.Context, userID string) (int, error)
	// FindStaleIDs returns the ids of rooms idle since before cutoff.
	FindStaleIDs(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Store implements the access-controlled room state machine on top of a
// Repository. Allowed transitions:
//
//	pending → allowed | banned   (Decide)
//	allowed → banned             (Ban)
//	allowed → admin              (Promote)
//	admin   → allowed            (Demote)
//	banned  → pending            (SetPending, the explicit unban path)
//
// The primary AdminID is guarded against ban, demotion, and SetPending by
// every operation. Every mutation refreshes LastActiveAt.
type Store struct {
	repo     Repository
	maxOwned int
	now      func() time.Time
	logger   *zap.Logger
}

// NewStore creates a Store.
//
// Precondition: repo and logger must be non-nil; maxOwned must be >= 1.
func NewStore(repo Repository, maxOwned int, logger *zap.Logger) *Store {
	return &Store{
		repo:     repo,
		maxOwned: maxOwned,
		now:      time.Now,
		logger:   logger,
	}
}

// Create generates a collision-checked room code and persists a new room with
// the creator seeded as an allowed participant and primary admin. The
// per-user ownership cap is enforced at creation time only.
//
// Precondition: creatorID must be non-empty.
// Postcondition: Returns the created Room, ErrRoomLimit, or another error.
func (s *Store) Create(ctx context.Context, creatorID string) (*Room, error) {
	owned, err := s.repo.CountOwnedBy(ctx, creatorID)
	if err != nil {
		return nil, fmt.Errorf("counting owned rooms: %w", err)
	}
	if owned >= s.maxOwned {
		return nil, ErrRoomLimit
	}

	code, err := s.uniqueCode(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	r := &Room{
		ID:           code,
		AdminID:      creatorID,
		Participants: []Participant{{ID: creatorID, Status: StatusAllowed}},
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := s.repo.SaveRoom(ctx, r); err != nil {
		return nil, fmt.Errorf("saving room %s: %w", code, err)
	}

	s.logger.Info("room created",
		zap.String("room_id", code),
		zap.String("admin_id", creatorID),
	)
	return r, nil
}

// uniqueCode generates codes until one does not collide with an existing
// room. With a 36^6 keyspace a handful of attempts is plenty.
func (s *Store) uniqueCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		code, err := NewCode()
		if err != nil {
			return "", err
		}
		_, err = s.repo.FindRoom(ctx, code)
		if errors.Is(err, ErrRoomNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("checking code collision: %w", err)
		}
	}
	return "", fmt.Errorf("exhausted room code attempts")
}

// RequestJoin appends a pending join request for userID.
//
// Postcondition: Returns ErrRoomNotFound, ErrBanned (permanent refusal),
// ErrAlreadyMember, ErrAlreadyPending, or nil after persisting the request.
func (s *Store) RequestJoin(ctx context.Context, roomID, userID string) (*Room, error) {
	r, err := s.repo.FindRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if userID == r.AdminID {
		return nil, ErrAlreadyMember
	}
	if status, ok := r.StatusOf(userID); ok {
		switch status {
		case StatusBanned:
			return nil, ErrBanned
		case StatusPending:
			return nil, ErrAlreadyPending
		default:
			return nil, ErrAlreadyMember
		}
	}

	r.Participants = append(r.Participants, Participant{ID: userID, Status: StatusPending})
	if err := s.save(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Decide resolves a pending join request to allowed or banned.
//
// Precondition: requesterID must hold admin rights; the target must be pending.
// Postcondition: Returns the updated Room or a sentinel error.
func (s *Store) Decide(ctx context.Context, roomID, requesterID, participantID string, outcome Status) (*Room, error) {
	if outcome != StatusAllowed && outcome != StatusBanned {
		return nil, ErrInvalidOutcome
	}
	return s.transition(ctx, roomID, requesterID, participantID, func(p *Participant) error {
		if p.Status != StatusPending {
			return ErrNotPending
		}
		p.Status = outcome
		return nil
	})
}

// Ban moves an allowed participant to banned.
//
// Precondition: requesterID must hold admin rights; the target must be
// allowed or admin (promoted admins may ban each other), never the primary admin.
func (s *Store) Ban(ctx context.Context, roomID, requesterID, participantID string) (*Room, error) {
	return s.transition(ctx, roomID, requesterID, participantID, func(p *Participant) error {
		if p.Status != StatusAllowed && p.Status != StatusAdmin {
			return ErrNotAllowed
		}
		p.Status = StatusBanned
		return nil
	})
}

// Promote grants admin rights to an allowed participant.
func (s *Store) Promote(ctx context.Context, roomID, requesterID, participantID string) (*Room, error) {
	return s.transition(ctx, roomID, requesterID, participantID, func(p *Participant) error {
		if p.Status != StatusAllowed {
			return ErrNotAllowed
		}
		p.Status = StatusAdmin
		return nil
	})
}

// Demote returns a promoted admin to allowed.
func (s *Store) Demote(ctx context.Context, roomID, requesterID, participantID string) (*Room, error) {
	return s.transition(ctx, roomID, requesterID, participantID, func(p *Participant) error {
		if p.Status != StatusAdmin {
			return ErrNotAllowed
		}
		p.Status = StatusAllowed
		return nil
	})
}

// SetPending is the explicit unban path: a banned participant returns to
// pending, where a fresh decision applies.
func (s *Store) SetPending(ctx context.Context, roomID, requesterID, participantID string) (*Room, error) {
	return s.transition(ctx, roomID, requesterID, participantID, func(p *Participant) error {
		if p.Status != StatusBanned {
			return ErrNotBanned
		}
		p.Status = StatusPending
		return nil
	})
}

// transition applies mutate to the target participant under the shared
// authorization and primary-admin guards, then persists.
func (s *Store) transition(ctx context.Context, roomID, requesterID, participantID string, mutate func(*Participant) error) (*Room, error) {
	r, err := s.repo.FindRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.IsAdmin(requesterID) {
		return nil, ErrUnauthorized
	}
	if participantID == r.AdminID {
		return nil, ErrPrimaryAdmin
	}
	p := r.participant(participantID)
	if p == nil {
		return nil, ErrNotParticipant
	}
	if err := mutate(p); err != nil {
		return nil, err
	}
	if err := s.save(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// CanJoin gates live admission to a room.
//
// Postcondition: Returns one of yes, pending-wait, banned, unauthorized, or
// ErrRoomNotFound. Never mutates the room.
func (s *Store) CanJoin(ctx context.Context, roomID, userID string) (Verdict, error) {
	r, err := s.repo.FindRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	return r.Admission(userID), nil
}

// Find returns the room with the given id.
func (s *Store) Find(ctx context.Context, roomID string) (*Room, error) {
	return s.repo.FindRoom(ctx, roomID)
}

// SweepStale deletes rooms idle past retention. Intended to run on a timer
// from the server lifecycle, not from request handling.
//
// Postcondition: Returns the number of rooms reclaimed.
func (s *Store) SweepStale(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.now().Add(-retention)
	ids, err := s.repo.FindStaleIDs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("finding stale rooms: %w", err)
	}
	reclaimed := 0
	for _, id := range ids {
		if err := s.repo.DeleteRoom(ctx, id); err != nil {
			s.logger.Warn("reclaiming stale room", zap.String("room_id", id), zap.Error(err))
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		s.logger.Info("stale rooms reclaimed", zap.Int("count", reclaimed))
	}
	return reclaimed, nil
}

func (s *Store) save(ctx context.Context, r *Room) error {
	r.LastActiveAt = s.now()
	if err := s.repo.SaveRoom(ctx, r); err != nil {
		return fmt.Errorf("saving room %s: %w", r.ID, err)
	}
	return nil
}
