package challenge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testCatalogYAML = `
questions:
  - id: q-short
    title: Short Question
    prompt: solve it
    difficulty: easy
    time_limit: 50ms
    total_tests: 5
  - id: q-nolimit
    title: No Limit Question
    prompt: solve it eventually
    difficulty: medium
    total_tests: 8
`

type delta struct {
	userID string
	delta  int
	reason string
}

type recordingLedger struct {
	mu     sync.Mutex
	deltas []delta
}

func (l *recordingLedger) ApplyDelta(_ context.Context, userID string, d int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deltas = append(l.deltas, delta{userID: userID, delta: d, reason: reason})
	return nil
}

func (l *recordingLedger) all() []delta {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]delta(nil), l.deltas...)
}

type event struct {
	kind        string
	connID      string
	challengeID string
	detail      string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *recordingNotifier) add(e event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) ChallengeOffered(connID string, s *Session) {
	n.add(event{kind: "offered", connID: connID, challengeID: s.ID})
}

func (n *recordingNotifier) ChallengeAccepted(connID string, s *Session) {
	n.add(event{kind: "accepted", connID: connID, challengeID: s.ID, detail: s.RoomID})
}

func (n *recordingNotifier) ChallengeRejected(connID, challengeID string) {
	n.add(event{kind: "rejected", connID: connID, challengeID: challengeID})
}

func (n *recordingNotifier) ChallengeExpired(connID, challengeID string) {
	n.add(event{kind: "expired", connID: connID, challengeID: challengeID})
}

func (n *recordingNotifier) ChallengeProgress(connID, challengeID string, testsPassed, totalTests int) {
	n.add(event{kind: "progress", connID: connID, challengeID: challengeID, detail: fmt.Sprintf("%d/%d", testsPassed, totalTests)})
}

func (n *recordingNotifier) ChallengeCompleted(connID, challengeID, winnerConnID string, completionSeconds float64) {
	n.add(event{kind: "completed", connID: connID, challengeID: challengeID, detail: winnerConnID})
}

func (n *recordingNotifier) ChallengeTimeout(connID, challengeID string) {
	n.add(event{kind: "timeout", connID: connID, challengeID: challengeID})
}

func (n *recordingNotifier) ChallengeSurrendered(connID, challengeID, surrenderedBy string) {
	n.add(event{kind: "surrendered", connID: connID, challengeID: challengeID, detail: surrenderedBy})
}

func (n *recordingNotifier) byKind(kind string) []event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []event
	for _, e := range n.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// waitForKind polls until at least want events of the given kind arrived.
func (n *recordingNotifier) waitForKind(t *testing.T, kind string, want int) []event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := n.byKind(kind); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events, got %d", want, kind, len(n.byKind(kind)))
	return nil
}

var (
	alice = Participant{ConnID: "conn-a", UserID: "alice"}
	bob   = Participant{ConnID: "conn-b", UserID: "bob"}
	carol = Participant{ConnID: "conn-c", UserID: "carol"}
)

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *recordingNotifier, *recordingLedger) {
	t.Helper()
	catalog, err := LoadCatalogFromBytes([]byte(testCatalogYAML))
	require.NoError(t, err)

	if cfg.OfferWindow == 0 {
		cfg.OfferWindow = time.Minute
	}
	if cfg.DefaultTimeLimit == 0 {
		cfg.DefaultTimeLimit = time.Minute
	}
	n := &recordingNotifier{}
	l := &recordingLedger{}
	return NewOrchestrator(catalog, cfg, l, n, zap.NewNop()), n, l
}

func TestDeadlineTimer_Fires(t *testing.T) {
	fired := make(chan struct{})
	NewDeadlineTimer(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestDeadlineTimer_StopPreventsFire(t *testing.T) {
	fired := make(chan struct{})
	dt := NewDeadlineTimer(20*time.Millisecond, func() { close(fired) })
	dt.Stop()
	dt.Stop()
	select {
	case <-fired:
		t.Fatal("timer fired after Stop")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestOrchestrator_OfferNotifiesTarget(t *testing.T) {
	o, n, _ := newTestOrchestrator(t, Config{})

	s, err := o.Offer(alice, bob, "q-short")
	require.NoError(t, err)
	assert.Equal(t, StatusOffered, s.Status)
	assert.Empty(t, s.RoomID, "no execution room before acceptance")

	offered := n.byKind("offered")
	require.Len(t, offered, 1)
	assert.Equal(t, bob.ConnID, offered[0].connID)
}

func TestOrchestrator_OfferRejections(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{})

	_, err := o.Offer(alice, alice, "q-short")
	assert.ErrorIs(t, err, ErrSelfChallenge)

	_, err = o.Offer(alice, bob, "no-such-question")
	assert.ErrorIs(t, err, ErrQuestionNotFound)

	_, err = o.Offer(alice, bob, "q-short")
	require.NoError(t, err)

	_, err = o.Offer(alice, carol, "q-short")
	assert.ErrorIs(t, err, ErrBusy, "challenger already engaged")
	_, err = o.Offer(carol, bob, "q-short")
	assert.ErrorIs(t, err, ErrBusy, "target already engaged")
}

func TestOrchestrator_AcceptActivates(t *testing.T) {
	o, n, _ := newTestOrchestrator(t, Config{})

	s, err := o.Offer(alice, bob, "q-nolimit")
	require.NoError(t, err)

	require.NoError(t, o.Respond(s.ID, bob.ConnID, true))

	live, ok := o.Session(s.ID)
	require.True(t, ok)
	assert.Equal(t, StatusActive, live.Status)
	assert.Equal(t, "duel:"+s.ID, live.RoomID)
	assert.False(t, live.Deadline.IsZero(), "default time limit applies when the question has none")

	accepted := n.byKind("accepted")
	require.Len(t, accepted, 2, "both parties learn of the acceptance")
}

func TestOrchestrator_RejectDissolves(t *testing.T) {
	o, n, _ := newTestOrchestrator(t, Config{})

	s, err := o.Offer(alice, bob, "q-short")
	require.NoError(t, err)
	require.NoError(t, o.Respond(s.ID, bob.ConnID, false))

	_, ok := o.Session(s.ID)
	assert.False(t, ok)

	rejected := n.byKind("rejected")
	require.Len(t, rejected, 1)
	assert.Equal(t, alice.ConnID, rejected[0].connID)

	// Both sides are free again.
	_, err = o.Offer(alice, carol, "q-short")
	assert.NoError(t, err)
}

func TestOrchestrator_RespondGuards(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{})

	assert.ErrorIs(t, o.Respond("nope", bob.ConnID, true), ErrChallengeNotFound)

	s, err := o.Offer(alice, bob, "q-short")
	require.NoError(t, err)

	assert.ErrorIs(t, o.Respond(s.ID, alice.ConnID, true), ErrNotTarget)
	assert.ErrorIs(t, o.Respond(s.ID, carol.ConnID, true), ErrNotTarget)

	require.NoError(t, o.Respond(s.ID, bob.ConnID, true))
	assert.ErrorIs(t, o.Respond(s.ID, bob.ConnID, true), ErrNotOffered,
		"an active session is no longer awaiting a response")
}

func TestOrchestrator_OfferExpires(t *testing.T) {
	o, n, _ := newTestOrchestrator(t, Config{OfferWindow: 20 * time.Millisecond})

	s, err := o.Offer(alice, bob, "q-short")
	require.NoError(t, err)

	expired := n.waitForKind(t, "expired", 2)
	assert.Equal(t, s.ID, expired[0].challengeID)

	_, ok := o.Session(s.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, o.Respond(s.ID, bob.ConnID, true), ErrChallengeNotFound)
}

func TestOrchestrator_ProgressRelaysToOpponentOnly(t *testing.T) {
	o, n, _ := newTestOrchestrator(t, Config{})

	s, _ := o.Offer(alice, bob, "q-short")
	require.NoError(t, o.Respond(s.ID, bob.ConnID, true))

	require.NoError(t, o.ReportProgress(s.ID, alice.ConnID, 3, 5))

	progress := n.byKind("progress")
	require.Len(t, progress, 1)
	assert.Equal(t, bob.ConnID, progress[0].connID)
	assert.Equal(t, "3/5", progress[0].detail)

	assert.ErrorIs(t, o.ReportProgress(s.ID, carol.ConnID, 1, 5), ErrNotParticipant)
}

func TestOrchestrator_CompleteScoresOnce(t *testing.T) {
	o, n, l := newTestOrchestrator(t, Config{
		CompletionReward:  100,
		CompletionPenalty: -10,
	})

	s, _ := o.Offer(alice, bob, "q-short")
	require.NoError(t, o.Respond(s.ID, bob.ConnID, true))

	require.NoError(t, o.Complete(s.ID, bob.ConnID, 42.5))

	completed := n.byKind("completed")
	require.Len(t, completed, 2)
	assert.Equal(t, bob.ConnID, completed[0].detail, "winner id carried to both parties")
	assert.Equal(t, bob.ConnID, completed[1].detail)

	deltas := l.all()
	require.Len(t, deltas, 2)
	assert.Equal(t, delta{userID: "bob", delta: 100, reason: "challenge_won:" + s.ID}, deltas[0])
	assert.Equal(t, delta{userID: "alice", delta: -10, reason: "challenge_lost:" + s.ID}, deltas[1])

	// The session is gone; a second submit cannot double-score.
	assert.ErrorIs(t, o.Complete(s.ID, alice.ConnID, 50), ErrChallengeNotFound)
	assert.Len(t, l.all(), 2)
}

func TestOrchestrator_CompleteRacesDeadline(t *testing.T) {
	// The submit lands before the deadline; the timer must then be inert.
	o, n, l := newTestOrchestrator(t, Config{CompletionReward: 100})

	s, _ := o.Offer(alice, bob, "q-short") // 50ms question limit
	require.NoError(t, o.Respond(s.ID, bob.ConnID, true))
	require.NoError(t, o.Complete(s.ID, alice.ConnID, 0.04))

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, n.byKind("timeout"), "deadline must not fire after completion")
	assert.Len(t, n.byKind("completed"), 2)
	assert.Len(t, l.all(), 1, "only the winner delta; zero-penalty is skipped")
}

func TestOrchestrator_TimeoutIsSymmetric(t *testing.T) {
	o, n, l := newTestOrchestrator(t, Config{CompletionReward: 100})

	s, _ := o.Offer(alice, bob, "q-short")
	require.NoError(t, o.Respond(s.ID, bob.ConnID, true))

	timeouts := n.waitForKind(t, "timeout", 2)
	assert.Equal(t, s.ID, timeouts[0].challengeID)
	assert.Empty(t, l.all(), "timeout produces no deltas")

	assert.ErrorIs(t, o.Complete(s.ID, alice.ConnID, 1), ErrChallengeNotFound,
		"a submit after the deadline cannot score")
}

func TestOrchestrator_SurrenderDeltas(t *testing.T) {
	o, n, l := newTestOrchestrator(t, Config{
		SurrenderPenalty: -50,
		SurrenderReward:  25,
	})

	s, _ := o.Offer(alice, bob, "q-nolimit")
	require.NoError(t, o.Respond(s.ID, bob.ConnID, true))

	require.NoError(t, o.Surrender(s.ID, alice.ConnID))

	surrendered := n.byKind("surrendered")
	require.Len(t, surrendered, 2)
	assert.Equal(t, alice.ConnID, surrendered[0].detail)
	assert.Equal(t, alice.ConnID, surrendered[1].detail)

	deltas := l.all()
	require.Len(t, deltas, 2)
	assert.Equal(t, delta{userID: "alice", delta: -50, reason: "challenge_surrendered:" + s.ID}, deltas[0])
	assert.Equal(t, delta{userID: "bob", delta: 25, reason: "challenge_opponent_surrendered:" + s.ID}, deltas[1])

	assert.ErrorIs(t, o.Surrender(s.ID, bob.ConnID), ErrChallengeNotFound)
	assert.Len(t, l.all(), 2, "terminal transitions are mutually exclusive")
}

func TestOrchestrator_DisconnectDuringActiveSurrenders(t *testing.T) {
	o, n, l := newTestOrchestrator(t, Config{SurrenderPenalty: -50, SurrenderReward: 25})

	s, _ := o.Offer(alice, bob, "q-nolimit")
	require.NoError(t, o.Respond(s.ID, bob.ConnID, true))

	o.Disconnect(bob.ConnID)

	surrendered := n.byKind("surrendered")
	require.Len(t, surrendered, 2)
	assert.Equal(t, bob.ConnID, surrendered[0].detail, "the disconnecting party is the surrenderer")

	deltas := l.all()
	require.Len(t, deltas, 2)
	assert.Equal(t, "bob", deltas[0].userID)
	assert.Equal(t, -50, deltas[0].delta)

	_, ok := o.SessionFor(alice.ConnID)
	assert.False(t, ok)

	// Idempotent.
	o.Disconnect(bob.ConnID)
	assert.Len(t, l.all(), 2)
}

func TestOrchestrator_DisconnectDuringOffer(t *testing.T) {
	o, n, _ := newTestOrchestrator(t, Config{})

	// Target vanishes: challenger sees a rejection.
	s1, _ := o.Offer(alice, bob, "q-short")
	o.Disconnect(bob.ConnID)
	rejected := n.byKind("rejected")
	require.Len(t, rejected, 1)
	assert.Equal(t, alice.ConnID, rejected[0].connID)
	assert.Equal(t, s1.ID, rejected[0].challengeID)

	// Challenger vanishes: target sees an expiry.
	s2, _ := o.Offer(carol, bob, "q-short")
	o.Disconnect(carol.ConnID)
	expired := n.byKind("expired")
	require.Len(t, expired, 1)
	assert.Equal(t, bob.ConnID, expired[0].connID)
	assert.Equal(t, s2.ID, expired[0].challengeID)
}

func TestOrchestrator_SessionFor(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{})

	_, ok := o.SessionFor(alice.ConnID)
	assert.False(t, ok)

	s, _ := o.Offer(alice, bob, "q-short")
	got, ok := o.SessionFor(alice.ConnID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
	got, ok = o.SessionFor(bob.ConnID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
}
