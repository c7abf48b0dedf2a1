// Package room provides durable, access-controlled rooms with an
// admin/participant state machine, independent of physical proximity.
package room

import (
	"errors"
	"time"
)

// Status is a participant's standing within a room.
type Status string

const (
	// StatusPending marks a join request awaiting an admin decision.
	StatusPending Status = "pending"
	// StatusAllowed marks an approved participant.
	StatusAllowed Status = "allowed"
	// StatusBanned marks a rejected participant. Terminal except via SetPending.
	StatusBanned Status = "banned"
	// StatusAdmin marks a participant promoted to admin rights.
	StatusAdmin Status = "admin"
)

// Participant pairs a user with their standing in a room.
type Participant struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// Room is a durable access-controlled room. AdminID is the primary admin set
// at creation; it never appears banned or pending and cannot be demoted.
type Room struct {
	ID           string        `json:"roomId"`
	AdminID      string        `json:"adminId"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActiveAt time.Time     `json:"lastActiveAt"`
}

// Sentinel errors for room operations. The gateway maps these onto its
// not-found / unauthorized / conflict taxonomy.
var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomLimit      = errors.New("room limit reached for user")
	ErrUnauthorized   = errors.New("requester is not an admin of the room")
	ErrBanned         = errors.New("user is banned from the room")
	ErrAlreadyMember  = errors.New("user is already a participant")
	ErrAlreadyPending = errors.New("join request already pending")
	ErrNotParticipant = errors.New("user is not a participant")
	ErrNotPending     = errors.New("participant is not pending")
	ErrNotAllowed     = errors.New("participant is not in allowed status")
	ErrNotBanned      = errors.New("participant is not banned")
	ErrPrimaryAdmin   = errors.New("operation forbidden against the primary admin")
	ErrInvalidOutcome = errors.New("decision outcome must be allowed or banned")
)

// participant returns a pointer into r.Participants for the given user.
func (r *Room) participant(userID string) *Participant {
	for i := range r.Participants {
		if r.Participants[i].ID == userID {
			return &r.Participants[i]
		}
	}
	return nil
}

// StatusOf returns the participant status of userID, or ("", false) if the
// user never requested to join.
func (r *Room) StatusOf(userID string) (Status, bool) {
	p := r.participant(userID)
	if p == nil {
		return "", false
	}
	return p.Status, true
}

// IsAdmin reports whether userID holds admin rights in the room, either as
// the primary admin or via promotion.
func (r *Room) IsAdmin(userID string) bool {
	if userID == r.AdminID {
		return true
	}
	p := r.participant(userID)
	return p != nil && p.Status == StatusAdmin
}

// Verdict is the outcome of an admission check.
type Verdict string

const (
	// VerdictYes admits the user.
	VerdictYes Verdict = "yes"
	// VerdictPendingWait means the request awaits an admin decision.
	VerdictPendingWait Verdict = "pending-wait"
	// VerdictBanned permanently refuses the user.
	VerdictBanned Verdict = "banned"
	// VerdictUnauthorized means the user never requested to join.
	VerdictUnauthorized Verdict = "unauthorized"
)

// Admission is a pure read gating live room entry, distinguishing
// never-requested from rejected from awaiting-decision.
func (r *Room) Admission(userID string) Verdict {
	if userID == r.AdminID {
		return VerdictYes
	}
	status, ok := r.StatusOf(userID)
	if !ok {
		return VerdictUnauthorized
	}
	switch status {
	case StatusAllowed, StatusAdmin:
		return VerdictYes
	case StatusPending:
		return VerdictPendingWait
	default:
		return VerdictBanned
	}
}

// IsStale reports whether the room has been idle past the retention
// threshold. Consumed by the external sweep; the store never deletes rooms
// on its own.
func (r *Room) IsStale(retention time.Duration, now time.Time) bool {
	return now.Sub(r.LastActiveAt) > retention
}
