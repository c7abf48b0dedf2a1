// Package challenge manages timed 1v1 coding-duel sessions: offer/accept
// lifecycle, a server-side deadline timer, progress relay, and deterministic
// scoring outcomes. Client countdowns are display-only mirrors; the deadline
// authority lives here.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a challenge session.
type Status string

const (
	// StatusOffered means the target has not yet responded.
	StatusOffered Status = "offered"
	// StatusActive means both parties are solving the question.
	StatusActive Status = "active"
	// StatusCompleted means one party achieved a full pass first.
	StatusCompleted Status = "completed"
	// StatusTimeout means the deadline fired with no winner.
	StatusTimeout Status = "timeout"
	// StatusSurrendered means one party gave up.
	StatusSurrendered Status = "surrendered"
	// StatusExpired means the offer window elapsed unanswered.
	StatusExpired Status = "expired"
	// StatusDeclined means the target rejected the offer.
	StatusDeclined Status = "declined"
)

// terminal reports whether s is one of the five end states.
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusTimeout, StatusSurrendered, StatusExpired, StatusDeclined:
		return true
	}
	return false
}

// Participant identifies one side of a duel.
type Participant struct {
	ConnID string `json:"connectionId"`
	UserID string `json:"userId"`
}

// Session is a single challenge from offer to terminal state.
type Session struct {
	ID         string      `json:"challengeId"`
	Challenger Participant `json:"challenger"`
	Target     Participant `json:"target"`
	Question   Question    `json:"question"`
	// RoomID is the dedicated two-party execution room, set on acceptance.
	RoomID   string    `json:"roomId,omitempty"`
	Status   Status    `json:"status"`
	Deadline time.Time `json:"deadline,omitzero"`

	timer *DeadlineTimer
}

// opponent returns the other side of the duel relative to connID.
func (s *Session) opponent(connID string) (Participant, bool) {
	switch connID {
	case s.Challenger.ConnID:
		return s.Target, true
	case s.Target.ConnID:
		return s.Challenger, true
	}
	return Participant{}, false
}

// Ledger is the external points collaborator. Deltas are fire-and-forget;
// idempotency under redelivery is the ledger's responsibility.
type Ledger interface {
	ApplyDelta(ctx context.Context, userID string, delta int, reason string) error
}

// Notifier delivers challenge events to a single connection. Implemented by
// the session gateway.
type Notifier interface {
	ChallengeOffered(connID string, s *Session)
	ChallengeAccepted(connID string, s *Session)
	ChallengeRejected(connID, challengeID string)
	ChallengeExpired(connID, challengeID string)
	ChallengeProgress(connID, challengeID string, testsPassed, totalTests int)
	ChallengeCompleted(connID, challengeID, winnerConnID string, completionSeconds float64)
	ChallengeTimeout(connID, challengeID string)
	ChallengeSurrendered(connID, challengeID, surrenderedBy string)
}

// Config holds the duel lifecycle parameters.
type Config struct {
	// OfferWindow is how long an offer stays open unanswered.
	OfferWindow time.Duration
	// DefaultTimeLimit applies to questions without their own limit.
	DefaultTimeLimit time.Duration
	// CompletionReward and CompletionPenalty apply to winner and loser of a
	// completed duel.
	CompletionReward  int
	CompletionPenalty int
	// SurrenderPenalty and SurrenderReward apply to the surrendering party
	// and their opponent.
	SurrenderPenalty int
	SurrenderReward  int
}

// Sentinel errors for challenge operations.
var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrQuestionNotFound  = errors.New("question not found")
	ErrBusy              = errors.New("participant already has an open challenge")
	ErrSelfChallenge     = errors.New("cannot challenge yourself")
	ErrNotParticipant    = errors.New("connection is not part of this challenge")
	ErrNotTarget         = errors.New("only the challenged party may respond")
	ErrNotOffered        = errors.New("challenge is not awaiting a response")
	ErrNotActive         = errors.New("challenge is not active")
)

// Orchestrator runs all live challenge sessions. Every active session holds
// exactly one live deadline timer; the timer and the terminal transitions are
// mutually exclusive because all of them resolve under the orchestrator lock
// with a status check, so a last-second submit and the deadline can never
// both score. All methods are safe for concurrent use.
type Orchestrator struct {
	mu       sync.Mutex
	sessions map[string]*Session // challengeID → session
	byConn   map[string]string   // connID → challengeID while offered/active

	catalog  *Catalog
	cfg      Config
	ledger   Ledger
	notifier Notifier
	logger   *zap.Logger
	newID    func() string
}

// NewOrchestrator creates an Orchestrator.
//
// Precondition: catalog, ledger, notifier, and logger must be non-nil;
// cfg.OfferWindow and cfg.DefaultTimeLimit must be positive.
func NewOrchestrator(catalog *Catalog, cfg Config, ledger Ledger, notifier Notifier, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		sessions: make(map[string]*Session),
		byConn:   make(map[string]string),
		catalog:  catalog,
		cfg:      cfg,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// Offer opens a challenge from challenger to target over the given question
// and starts the offer-expiry timer.
//
// Postcondition: Returns the offered Session, or ErrBusy if either side
// already has an open challenge, ErrQuestionNotFound, or ErrSelfChallenge.
func (o *Orchestrator) Offer(challenger, target Participant, questionID string) (*Session, error) {
	if challenger.ConnID == target.ConnID {
		return nil, ErrSelfChallenge
	}
	question, ok := o.catalog.Get(questionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQuestionNotFound, questionID)
	}

	o.mu.Lock()
	if _, busy := o.byConn[challenger.ConnID]; busy {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	if _, busy := o.byConn[target.ConnID]; busy {
		o.mu.Unlock()
		return nil, ErrBusy
	}

	s := &Session{
		ID:         o.newID(),
		Challenger: challenger,
		Target:     target,
		Question:   question,
		Status:     StatusOffered,
	}
	o.sessions[s.ID] = s
	o.byConn[challenger.ConnID] = s.ID
	o.byConn[target.ConnID] = s.ID

	id := s.ID
	s.timer = NewDeadlineTimer(o.cfg.OfferWindow, func() { o.expire(id) })
	o.mu.Unlock()

	o.notifier.ChallengeOffered(target.ConnID, s)
	o.logger.Info("challenge offered",
		zap.String("challenge_id", s.ID),
		zap.String("question_id", questionID),
		zap.String("challenger", challenger.UserID),
		zap.String("target", target.UserID),
	)
	return s, nil
}

// Respond resolves an offer. Accepting starts the question countdown, opens
// the dedicated execution room, and notifies both parties with the question
// and opponent identity.
//
// Precondition: connID must be the challenged party.
func (o *Orchestrator) Respond(challengeID, connID string, accept bool) error {
	o.mu.Lock()
	s, ok := o.sessions[challengeID]
	if !ok {
		o.mu.Unlock()
		return ErrChallengeNotFound
	}
	if connID != s.Target.ConnID {
		o.mu.Unlock()
		return ErrNotTarget
	}
	if s.Status != StatusOffered {
		o.mu.Unlock()
		return ErrNotOffered
	}
	s.timer.Stop()

	if !accept {
		s.Status = StatusDeclined
		o.removeLocked(s)
		o.mu.Unlock()
		o.notifier.ChallengeRejected(s.Challenger.ConnID, s.ID)
		return nil
	}

	limit := s.Question.TimeLimit
	if limit <= 0 {
		limit = o.cfg.DefaultTimeLimit
	}
	s.Status = StatusActive
	s.RoomID = "duel:" + s.ID
	s.Deadline = time.Now().Add(limit)
	id := s.ID
	s.timer = NewDeadlineTimer(limit, func() { o.timeout(id) })
	o.mu.Unlock()

	o.notifier.ChallengeAccepted(s.Challenger.ConnID, s)
	o.notifier.ChallengeAccepted(s.Target.ConnID, s)
	o.logger.Info("challenge active",
		zap.String("challenge_id", s.ID),
		zap.Duration("time_limit", limit),
	)
	return nil
}

// ReportProgress relays a test-run result to the opponent only. It never
// changes session state.
func (o *Orchestrator) ReportProgress(challengeID, connID string, testsPassed, totalTests int) error {
	o.mu.Lock()
	s, ok := o.sessions[challengeID]
	if !ok {
		o.mu.Unlock()
		return ErrChallengeNotFound
	}
	opponent, isParty := s.opponent(connID)
	if !isParty {
		o.mu.Unlock()
		return ErrNotParticipant
	}
	if s.Status != StatusActive {
		o.mu.Unlock()
		return ErrNotActive
	}
	o.mu.Unlock()

	o.notifier.ChallengeProgress(opponent.ConnID, challengeID, testsPassed, totalTests)
	return nil
}

// Complete records the first full pass: connID wins, the opponent is
// notified of the loss, and the reward/penalty outcome is emitted to the
// points ledger exactly once.
func (o *Orchestrator) Complete(challengeID, connID string, completionSeconds float64) error {
	o.mu.Lock()
	s, ok := o.sessions[challengeID]
	if !ok {
		o.mu.Unlock()
		return ErrChallengeNotFound
	}
	winner := s.Challenger
	loser := s.Target
	if connID == s.Target.ConnID {
		winner, loser = loser, winner
	} else if connID != s.Challenger.ConnID {
		o.mu.Unlock()
		return ErrNotParticipant
	}
	if s.Status != StatusActive {
		o.mu.Unlock()
		return ErrNotActive
	}
	s.Status = StatusCompleted
	s.timer.Stop()
	o.removeLocked(s)
	o.mu.Unlock()

	o.notifier.ChallengeCompleted(winner.ConnID, s.ID, winner.ConnID, completionSeconds)
	o.notifier.ChallengeCompleted(loser.ConnID, s.ID, winner.ConnID, completionSeconds)
	o.applyDelta(winner.UserID, o.cfg.CompletionReward, "challenge_won:"+s.ID)
	o.applyDelta(loser.UserID, o.cfg.CompletionPenalty, "challenge_lost:"+s.ID)

	o.logger.Info("challenge completed",
		zap.String("challenge_id", s.ID),
		zap.String("winner", winner.UserID),
		zap.Float64("completion_seconds", completionSeconds),
	)
	return nil
}

// Surrender terminates an active session with a fixed penalty to the
// surrendering party and a reward to the opponent, each applied exactly once.
func (o *Orchestrator) Surrender(challengeID, connID string) error {
	o.mu.Lock()
	s, ok := o.sessions[challengeID]
	if !ok {
		o.mu.Unlock()
		return ErrChallengeNotFound
	}
	opponent, isParty := s.opponent(connID)
	if !isParty {
		o.mu.Unlock()
		return ErrNotParticipant
	}
	if s.Status != StatusActive {
		o.mu.Unlock()
		return ErrNotActive
	}
	surrendering, _ := s.opponent(opponent.ConnID)
	s.Status = StatusSurrendered
	s.timer.Stop()
	o.removeLocked(s)
	o.mu.Unlock()

	o.notifier.ChallengeSurrendered(surrendering.ConnID, s.ID, surrendering.ConnID)
	o.notifier.ChallengeSurrendered(opponent.ConnID, s.ID, surrendering.ConnID)
	o.applyDelta(surrendering.UserID, o.cfg.SurrenderPenalty, "challenge_surrendered:"+s.ID)
	o.applyDelta(opponent.UserID, o.cfg.SurrenderReward, "challenge_opponent_surrendered:"+s.ID)

	o.logger.Info("challenge surrendered",
		zap.String("challenge_id", s.ID),
		zap.String("surrendered_by", surrendering.UserID),
	)
	return nil
}

// Disconnect force-terminates any session involving connID: an active duel
// becomes a surrender against the disconnecting party; an unanswered offer
// dissolves. Idempotent under duplicate disconnect delivery.
func (o *Orchestrator) Disconnect(connID string) {
	o.mu.Lock()
	id, ok := o.byConn[connID]
	if !ok {
		o.mu.Unlock()
		return
	}
	s := o.sessions[id]
	status := s.Status
	o.mu.Unlock()

	switch status {
	case StatusActive:
		if err := o.Surrender(id, connID); err != nil && !errors.Is(err, ErrChallengeNotFound) && !errors.Is(err, ErrNotActive) {
			o.logger.Warn("surrendering on disconnect", zap.String("challenge_id", id), zap.Error(err))
		}
	case StatusOffered:
		o.mu.Lock()
		if s.Status != StatusOffered {
			o.mu.Unlock()
			return
		}
		s.timer.Stop()
		var notifyConn string
		if connID == s.Target.ConnID {
			// Target vanished: the challenger sees a rejection.
			s.Status = StatusDeclined
			notifyConn = s.Challenger.ConnID
		} else {
			// Challenger vanished: the offer simply expires for the target.
			s.Status = StatusExpired
			notifyConn = s.Target.ConnID
		}
		o.removeLocked(s)
		o.mu.Unlock()
		if s.Status == StatusDeclined {
			o.notifier.ChallengeRejected(notifyConn, s.ID)
		} else {
			o.notifier.ChallengeExpired(notifyConn, s.ID)
		}
	}
}

// Session returns the session with the given id, if it is still live.
func (o *Orchestrator) Session(challengeID string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[challengeID]
	return s, ok
}

// SessionFor returns the live session involving connID, if any.
func (o *Orchestrator) SessionFor(connID string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.byConn[connID]
	if !ok {
		return nil, false
	}
	return o.sessions[id], true
}

// expire fires when the offer window elapses unanswered.
func (o *Orchestrator) expire(challengeID string) {
	o.mu.Lock()
	s, ok := o.sessions[challengeID]
	if !ok || s.Status != StatusOffered {
		o.mu.Unlock()
		return
	}
	s.Status = StatusExpired
	o.removeLocked(s)
	o.mu.Unlock()

	o.notifier.ChallengeExpired(s.Challenger.ConnID, s.ID)
	o.notifier.ChallengeExpired(s.Target.ConnID, s.ID)
	o.logger.Info("challenge offer expired", zap.String("challenge_id", s.ID))
}

// timeout fires when the deadline elapses on an active session. Symmetric:
// no winner, no deltas.
func (o *Orchestrator) timeout(challengeID string) {
	o.mu.Lock()
	s, ok := o.sessions[challengeID]
	if !ok || s.Status != StatusActive {
		o.mu.Unlock()
		return
	}
	s.Status = StatusTimeout
	o.removeLocked(s)
	o.mu.Unlock()

	o.notifier.ChallengeTimeout(s.Challenger.ConnID, s.ID)
	o.notifier.ChallengeTimeout(s.Target.ConnID, s.ID)
	o.logger.Info("challenge timed out", zap.String("challenge_id", s.ID))
}

// removeLocked drops the session from the live indexes. Caller must hold
// o.mu and must have set a terminal status first.
func (o *Orchestrator) removeLocked(s *Session) {
	delete(o.sessions, s.ID)
	delete(o.byConn, s.Challenger.ConnID)
	delete(o.byConn, s.Target.ConnID)
}

// applyDelta forwards a points outcome to the ledger. Failures are logged,
// never propagated: the ledger is invoked asynchronously by contract and a
// membership acknowledgement must not wait on it.
func (o *Orchestrator) applyDelta(userID string, delta int, reason string) {
	if delta == 0 {
		return
	}
	if err := o.ledger.ApplyDelta(context.Background(), userID, delta, reason); err != nil {
		o.logger.Error("applying points delta",
			zap.String("user_id", userID),
			zap.Int("delta", delta),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
