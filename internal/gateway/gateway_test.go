package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/campus/internal/challenge"
	"github.com/cory-johannsen/campus/internal/conference"
	"github.com/cory-johannsen/campus/internal/points"
	"github.com/cory-johannsen/campus/internal/proximity"
	"github.com/cory-johannsen/campus/internal/room"
	"github.com/cory-johannsen/campus/internal/space"
	"github.com/cory-johannsen/campus/internal/whiteboard"
)

const testQuestionsYAML = `
questions:
  - id: q1
    title: Test Question
    prompt: solve
    difficulty: easy
    time_limit: 1m
    total_tests: 5
`

// memRoomRepo is an in-memory room.Repository for gateway tests.
type memRoomRepo struct {
	rooms map[string]*room.Room
}

func (m *memRoomRepo) FindRoom(_ context.Context, roomID string) (*room.Room, error) {
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, room.ErrRoomNotFound
	}
	cp := *r
	cp.Participants = append([]room.Participant(nil), r.Participants...)
	return &cp, nil
}

func (m *memRoomRepo) SaveRoom(_ context.Context, r *room.Room) error {
	cp := *r
	cp.Participants = append([]room.Participant(nil), r.Participants...)
	m.rooms[r.ID] = &cp
	return nil
}

func (m *memRoomRepo) DeleteRoom(_ context.Context, roomID string) error {
	delete(m.rooms, roomID)
	return nil
}

func (m *memRoomRepo) CountOwnedBy(_ context.Context, userID string) (int, error) {
	n := 0
	for _, r := range m.rooms {
		if r.AdminID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memRoomRepo) FindStaleIDs(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

type harness struct {
	gw    *Gateway
	prox  *proximity.Manager
	rooms *room.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	gw := New(64, logger)
	prox := proximity.NewManager(20, 50*time.Millisecond, gw, logger)
	spaces := space.NewManager(gw, prox, logger)
	rooms := room.NewStore(&memRoomRepo{rooms: make(map[string]*room.Room)}, 2, logger)
	boards := whiteboard.NewEngine(gw, logger)
	bridge := conference.NewBridge(conference.NewLogProvider(logger), gw, logger)

	catalog, err := challenge.LoadCatalogFromBytes([]byte(testQuestionsYAML))
	require.NoError(t, err)
	duels := challenge.NewOrchestrator(catalog, challenge.Config{
		OfferWindow:      time.Minute,
		DefaultTimeLimit: time.Minute,
		SurrenderPenalty: -50,
		SurrenderReward:  25,
	}, points.NopLedger{}, gw, logger)

	gw.Bind(spaces, prox, rooms, boards, duels, bridge)
	return &harness{gw: gw, prox: prox, rooms: rooms}
}

// drain empties a connection's outbound channel into decoded envelopes.
func drain(t *testing.T, c *Connection) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case frame, ok := <-c.Entity().Events():
			if !ok {
				return out
			}
			var env Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func byType(envs []Envelope, eventType string) []Envelope {
	var out []Envelope
	for _, e := range envs {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func send(t *testing.T, h *harness, connID, eventType string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = data
	}
	frame, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	require.NoError(t, err)
	h.gw.Dispatch(context.Background(), connID, frame)
}

func register(t *testing.T, h *harness, userID string) *Connection {
	t.Helper()
	conn, err := h.gw.Register(userID)
	require.NoError(t, err)
	return conn
}

func TestGateway_Register(t *testing.T) {
	h := newHarness(t)

	conn := register(t, h, "alice")
	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, 1, h.gw.ConnectionCount())

	got, ok := h.gw.ConnectionForUser("alice")
	require.True(t, ok)
	assert.Equal(t, conn.ID, got.ID)

	_, err := h.gw.Register("")
	assert.Error(t, err)
}

func TestGateway_RegisterLatestSessionWins(t *testing.T) {
	h := newHarness(t)

	first := register(t, h, "alice")
	second := register(t, h, "alice")

	got, ok := h.gw.ConnectionForUser("alice")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)

	// Disconnecting the old session must not unmap the new one.
	h.gw.Disconnect(first.ID)
	got, ok = h.gw.ConnectionForUser("alice")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func TestGateway_JoinSpaceAndMove(t *testing.T) {
	h := newHarness(t)
	a := register(t, h, "alice")
	b := register(t, h, "bob")

	send(t, h, a.ID, EventJoinSpace, JoinSpacePayload{SpaceID: "campus"})
	send(t, h, b.ID, EventJoinSpace, JoinSpacePayload{SpaceID: "campus"})

	aEvents := drain(t, a)
	require.Len(t, byType(aEvents, EventSpaceJoined), 1)
	require.Len(t, byType(aEvents, EventSpacePeerJoined), 1, "existing occupant learns of the arrival")

	bEvents := drain(t, b)
	joined := byType(bEvents, EventSpaceJoined)
	require.Len(t, joined, 1)

	send(t, h, b.ID, EventMove, MovePayload{X: 3, Y: 4})

	moved := byType(drain(t, a), EventPeerMoved)
	require.Len(t, moved, 1)
	var m space.Movement
	require.NoError(t, json.Unmarshal(moved[0].Payload, &m))
	assert.Equal(t, b.ID, m.ConnectionID)
	assert.Equal(t, 3.0, m.Position.X)

	assert.Empty(t, byType(drain(t, b), EventPeerMoved), "mover does not hear its own movement")
}

func TestGateway_ProximityToConference(t *testing.T) {
	h := newHarness(t)
	a := register(t, h, "alice")
	b := register(t, h, "bob")

	// Join puts both at the origin of the same space.
	send(t, h, a.ID, EventJoinSpace, JoinSpacePayload{SpaceID: "campus"})
	send(t, h, b.ID, EventJoinSpace, JoinSpacePayload{SpaceID: "campus"})
	h.prox.Recompute()

	aEvents := drain(t, a)
	peerJoined := byType(aEvents, EventPeerJoined)
	require.Len(t, peerJoined, 1)
	var pt PeerTransitionPayload
	require.NoError(t, json.Unmarshal(peerJoined[0].Payload, &pt))
	assert.Equal(t, b.ID, pt.PeerID)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, pt.Members)

	conf := byType(aEvents, EventConferenceGroupChanged)
	require.Len(t, conf, 1, "proximity membership drives the conference group")
	var cp ConferencePayload
	require.NoError(t, json.Unmarshal(conf[0].Payload, &cp))
	assert.Equal(t, pt.RoomID, cp.GroupID)

	// Moving out of range dissolves the pairing on both sides.
	send(t, h, b.ID, EventMove, MovePayload{X: 500, Y: 500})
	h.prox.Recompute()

	left := byType(drain(t, a), EventPeerLeft)
	require.Len(t, left, 1)
	require.Len(t, byType(drain(t, b), EventPeerLeft), 1)
}

func TestGateway_RoomLifecycle(t *testing.T) {
	h := newHarness(t)
	admin := register(t, h, "alice")
	joiner := register(t, h, "bob")

	send(t, h, admin.ID, EventCreateRoom, nil)
	snaps := byType(drain(t, admin), EventRoomSnapshot)
	require.Len(t, snaps, 1)
	var r room.Room
	require.NoError(t, json.Unmarshal(snaps[0].Payload, &r))
	assert.Equal(t, "alice", r.AdminID)
	require.Len(t, r.ID, room.CodeLength)

	send(t, h, joiner.ID, EventRequestJoin, RoomPayload{RoomID: r.ID})

	jEvents := drain(t, joiner)
	require.Len(t, byType(jEvents, EventJoinRequestPending), 1)

	aEvents := drain(t, admin)
	received := byType(aEvents, EventJoinRequestReceived)
	require.Len(t, received, 1, "online admin is told a decision is waiting")
	var jr JoinRequestPayload
	require.NoError(t, json.Unmarshal(received[0].Payload, &jr))
	assert.Equal(t, "bob", jr.UserID)

	send(t, h, admin.ID, EventDecide, DecidePayload{RoomID: r.ID, ParticipantID: "bob", Outcome: "allowed"})

	require.Len(t, byType(drain(t, admin), EventRoomSnapshot), 1)
	approved := byType(drain(t, joiner), EventJoinRequestApproved)
	require.Len(t, approved, 1)
}

func TestGateway_WhiteboardJoinGating(t *testing.T) {
	h := newHarness(t)
	admin := register(t, h, "alice")
	outsider := register(t, h, "bob")

	send(t, h, admin.ID, EventCreateRoom, nil)
	var r room.Room
	require.NoError(t, json.Unmarshal(byType(drain(t, admin), EventRoomSnapshot)[0].Payload, &r))

	// Never requested: unauthorized.
	send(t, h, outsider.ID, EventWhiteboardJoin, RoomPayload{RoomID: r.ID})
	errs := byType(drain(t, outsider), EventError)
	require.Len(t, errs, 1)
	var ep ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Payload, &ep))
	assert.Equal(t, CodeUnauthorized, ep.Code)

	// Pending: conflict, the client should wait.
	send(t, h, outsider.ID, EventRequestJoin, RoomPayload{RoomID: r.ID})
	drain(t, outsider)
	send(t, h, outsider.ID, EventWhiteboardJoin, RoomPayload{RoomID: r.ID})
	errs = byType(drain(t, outsider), EventError)
	require.Len(t, errs, 1)
	require.NoError(t, json.Unmarshal(errs[0].Payload, &ep))
	assert.Equal(t, CodeConflict, ep.Code)

	// Rejected: unauthorized again.
	send(t, h, admin.ID, EventDecide, DecidePayload{RoomID: r.ID, ParticipantID: "bob", Outcome: "banned"})
	drain(t, outsider)
	send(t, h, outsider.ID, EventWhiteboardJoin, RoomPayload{RoomID: r.ID})
	errs = byType(drain(t, outsider), EventError)
	require.Len(t, errs, 1)
	require.NoError(t, json.Unmarshal(errs[0].Payload, &ep))
	assert.Equal(t, CodeUnauthorized, ep.Code)

	// Unknown room: not found.
	send(t, h, outsider.ID, EventWhiteboardJoin, RoomPayload{RoomID: "ZZZZZZ"})
	errs = byType(drain(t, outsider), EventError)
	require.Len(t, errs, 1)
	require.NoError(t, json.Unmarshal(errs[0].Payload, &ep))
	assert.Equal(t, CodeNotFound, ep.Code)
}

func TestGateway_WhiteboardRoomSession(t *testing.T) {
	h := newHarness(t)
	admin := register(t, h, "alice")
	member := register(t, h, "bob")

	send(t, h, admin.ID, EventCreateRoom, nil)
	var r room.Room
	require.NoError(t, json.Unmarshal(byType(drain(t, admin), EventRoomSnapshot)[0].Payload, &r))

	send(t, h, member.ID, EventRequestJoin, RoomPayload{RoomID: r.ID})
	send(t, h, admin.ID, EventDecide, DecidePayload{RoomID: r.ID, ParticipantID: "bob", Outcome: "allowed"})
	drain(t, admin)
	drain(t, member)

	send(t, h, admin.ID, EventWhiteboardJoin, RoomPayload{RoomID: r.ID})
	aEvents := drain(t, admin)
	require.Len(t, byType(aEvents, EventWhiteboardSnapshot), 1)
	require.Len(t, byType(aEvents, EventConferenceGroupChanged), 1)

	send(t, h, member.ID, EventWhiteboardJoin, RoomPayload{RoomID: r.ID})
	mEvents := drain(t, member)
	require.Len(t, byType(mEvents, EventWhiteboardSnapshot), 1)

	// Drawing relays to the peer, never back to the origin.
	send(t, h, admin.ID, EventWhiteboardUpdate, WhiteboardUpdatePayload{
		RoomID:   r.ID,
		Elements: []whiteboard.Element{{ID: "e1", Version: 1, Updated: 1}},
	})
	require.Len(t, byType(drain(t, member), EventWhiteboardUpdate), 1)
	assert.Empty(t, byType(drain(t, admin), EventWhiteboardUpdate))

	// A late joiner's snapshot carries the drawing.
	late := register(t, h, "carol")
	send(t, h, late.ID, EventRequestJoin, RoomPayload{RoomID: r.ID})
	send(t, h, admin.ID, EventDecide, DecidePayload{RoomID: r.ID, ParticipantID: "carol", Outcome: "allowed"})
	drain(t, late)
	send(t, h, late.ID, EventWhiteboardJoin, RoomPayload{RoomID: r.ID})
	snaps := byType(drain(t, late), EventWhiteboardSnapshot)
	require.Len(t, snaps, 1)
	var snap whiteboard.Snapshot
	require.NoError(t, json.Unmarshal(snaps[0].Payload, &snap))
	require.Len(t, snap.Elements, 1)
	assert.Equal(t, "e1", snap.Elements[0].ID)
}

func TestGateway_ChallengeOverDispatch(t *testing.T) {
	h := newHarness(t)
	a := register(t, h, "alice")
	b := register(t, h, "bob")

	send(t, h, a.ID, EventOfferChallenge, OfferChallengePayload{TargetID: b.ID, QuestionID: "q1"})

	aOffered := byType(drain(t, a), EventChallengeOffered)
	require.Len(t, aOffered, 1, "challenger holds the session id too")
	bOffered := byType(drain(t, b), EventChallengeOffered)
	require.Len(t, bOffered, 1)

	var s challenge.Session
	require.NoError(t, json.Unmarshal(bOffered[0].Payload, &s))

	send(t, h, b.ID, EventRespondChallenge, RespondChallengePayload{ChallengeID: s.ID, Outcome: "accept"})
	require.Len(t, byType(drain(t, a), EventChallengeAccepted), 1)
	require.Len(t, byType(drain(t, b), EventChallengeAccepted), 1)

	send(t, h, a.ID, EventReportProgress, ReportProgressPayload{ChallengeID: s.ID, TestsPassed: 2, TotalTests: 5})
	progress := byType(drain(t, b), EventChallengeProgress)
	require.Len(t, progress, 1)
	assert.Empty(t, byType(drain(t, a), EventChallengeProgress))

	send(t, h, a.ID, EventCompleteChallenge, CompleteChallengePayload{ChallengeID: s.ID, CompletionTimeSeconds: 12.5})
	aDone := byType(drain(t, a), EventChallengeCompleted)
	require.Len(t, aDone, 1)
	var cep ChallengeEventPayload
	require.NoError(t, json.Unmarshal(aDone[0].Payload, &cep))
	assert.Equal(t, a.ID, cep.WinnerConnectionID)
	require.Len(t, byType(drain(t, b), EventChallengeCompleted), 1)
}

func TestGateway_ChallengeOfferUnknownTarget(t *testing.T) {
	h := newHarness(t)
	a := register(t, h, "alice")

	send(t, h, a.ID, EventOfferChallenge, OfferChallengePayload{TargetID: "ghost", QuestionID: "q1"})
	errs := byType(drain(t, a), EventError)
	require.Len(t, errs, 1)
	var ep ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Payload, &ep))
	assert.Equal(t, CodeNotFound, ep.Code)
}

func TestGateway_DispatchErrorMapping(t *testing.T) {
	h := newHarness(t)
	a := register(t, h, "alice")

	// Malformed frame.
	h.gw.Dispatch(context.Background(), a.ID, []byte("not json"))
	errs := byType(drain(t, a), EventError)
	require.Len(t, errs, 1)
	var ep ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Payload, &ep))
	assert.Equal(t, CodeInternal, ep.Code)

	// Unknown event type.
	send(t, h, a.ID, "teleport", nil)
	errs = byType(drain(t, a), EventError)
	require.Len(t, errs, 1)
	require.NoError(t, json.Unmarshal(errs[0].Payload, &ep))
	assert.Equal(t, CodeConflict, ep.Code)
	assert.Equal(t, "teleport", ep.Op)

	// Missing payload.
	send(t, h, a.ID, EventRequestJoin, nil)
	errs = byType(drain(t, a), EventError)
	require.Len(t, errs, 1)
}

func TestGateway_DisconnectTeardown(t *testing.T) {
	h := newHarness(t)
	a := register(t, h, "alice")
	b := register(t, h, "bob")
	c := register(t, h, "carol")

	// All three share a space at the origin: full proximity mesh.
	for _, conn := range []*Connection{a, b, c} {
		send(t, h, conn.ID, EventJoinSpace, JoinSpacePayload{SpaceID: "campus"})
	}
	h.prox.Recompute()

	// a and b also share a persistent room live.
	send(t, h, a.ID, EventCreateRoom, nil)
	var r room.Room
	require.NoError(t, json.Unmarshal(byType(drain(t, a), EventRoomSnapshot)[0].Payload, &r))
	send(t, h, b.ID, EventRequestJoin, RoomPayload{RoomID: r.ID})
	send(t, h, a.ID, EventDecide, DecidePayload{RoomID: r.ID, ParticipantID: "bob", Outcome: "allowed"})
	send(t, h, a.ID, EventWhiteboardJoin, RoomPayload{RoomID: r.ID})
	send(t, h, b.ID, EventWhiteboardJoin, RoomPayload{RoomID: r.ID})

	// a and c are mid-duel.
	send(t, h, a.ID, EventOfferChallenge, OfferChallengePayload{TargetID: c.ID, QuestionID: "q1"})
	var s challenge.Session
	require.NoError(t, json.Unmarshal(byType(drain(t, c), EventChallengeOffered)[0].Payload, &s))
	send(t, h, c.ID, EventRespondChallenge, RespondChallengePayload{ChallengeID: s.ID, Outcome: "accept"})

	drain(t, a)
	drain(t, b)
	drain(t, c)

	h.gw.Disconnect(a.ID)

	assert.Equal(t, 2, h.gw.ConnectionCount())
	assert.True(t, a.Entity().IsClosed())

	// Every proximity counterpart sees exactly one departure.
	for _, peer := range []*Connection{b, c} {
		events := drain(t, peer)
		left := byType(events, EventPeerLeft)
		require.Len(t, left, 1, "peer %s must see one proximity departure", peer.UserID)
		var pt PeerTransitionPayload
		require.NoError(t, json.Unmarshal(left[0].Payload, &pt))
		assert.Equal(t, a.ID, pt.PeerID)

		if peer == c {
			// The active duel resolves as a surrender by the absentee.
			surrendered := byType(events, EventChallengeSurrendered)
			require.Len(t, surrendered, 1)
			var cep ChallengeEventPayload
			require.NoError(t, json.Unmarshal(surrendered[0].Payload, &cep))
			assert.Equal(t, a.ID, cep.SurrenderedBy)
		}
		if peer == b {
			// The room conference group reconciles down to the survivor.
			conf := byType(events, EventConferenceGroupChanged)
			require.NotEmpty(t, conf)
			var cp ConferencePayload
			require.NoError(t, json.Unmarshal(conf[len(conf)-1].Payload, &cp))
			assert.Equal(t, []string{b.ID}, cp.Members)
			// And the space presence is gone.
			require.Len(t, byType(events, EventSpacePeerLeft), 1)
		}
	}

	// Duplicate delivery is a no-op: nothing new reaches the survivors.
	h.gw.Disconnect(a.ID)
	assert.Empty(t, drain(t, b))
	assert.Empty(t, drain(t, c))
}

func TestGateway_WhiteboardLeaveCurrentRoom(t *testing.T) {
	h := newHarness(t)
	a := register(t, h, "alice")

	send(t, h, a.ID, EventCreateRoom, nil)
	var r room.Room
	require.NoError(t, json.Unmarshal(byType(drain(t, a), EventRoomSnapshot)[0].Payload, &r))
	send(t, h, a.ID, EventWhiteboardJoin, RoomPayload{RoomID: r.ID})
	drain(t, a)

	// Empty roomId means "whatever room I am in".
	send(t, h, a.ID, EventWhiteboardLeave, RoomPayload{})

	conn, ok := h.gw.Connection(a.ID)
	require.True(t, ok)
	h.gw.mu.RLock()
	liveRoom := conn.liveRoomID
	h.gw.mu.RUnlock()
	assert.Empty(t, liveRoom)
}

func TestEntity_PushAndClose(t *testing.T) {
	e := NewEntity("c1", 2)
	require.NoError(t, e.Push([]byte("one")))
	require.NoError(t, e.Push([]byte("two")))

	err := e.Push([]byte("three"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer full")

	assert.Equal(t, []byte("one"), <-e.Events())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.True(t, e.IsClosed())
	assert.Error(t, e.Push([]byte("late")))

	// The pump drains remaining frames, then sees the close.
	assert.Equal(t, []byte("two"), <-e.Events())
	_, open := <-e.Events()
	assert.False(t, open)
}

func TestEntity_DefaultBuffer(t *testing.T) {
	e := NewEntity("c1", 0)
	for i := 0; i < 256; i++ {
		require.NoError(t, e.Push([]byte(fmt.Sprintf("%d", i))))
	}
	assert.Error(t, e.Push([]byte("overflow")))
}
