package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/campus/internal/challenge"
	"github.com/cory-johannsen/campus/internal/room"
	"github.com/cory-johannsen/campus/internal/space"
)

// Dispatch routes one inbound frame to the owning component. Every failure
// is isolated to the event that caused it: the caller's read loop never sees
// an error, and a panicking handler is recovered and reported as internal.
func (g *Gateway) Dispatch(ctx context.Context, connID string, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		g.sendError(connID, "", CodeInternal, "malformed event frame")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("event handler panic",
				zap.String("connection_id", connID),
				zap.String("event", env.Type),
				zap.Any("panic", r),
			)
			g.sendError(connID, env.Type, CodeInternal, "internal error")
		}
	}()

	if err := g.dispatch(ctx, connID, env); err != nil {
		g.reject(connID, env.Type, err)
	}
}

func (g *Gateway) dispatch(ctx context.Context, connID string, env Envelope) error {
	switch env.Type {
	case EventJoinSpace:
		var p JoinSpacePayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return g.handleJoinSpace(connID, p)
	case EventMove:
		var p MovePayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		g.spaces.Move(connID, space.Position{X: p.X, Y: p.Y, DirX: p.DirX, DirY: p.DirY, Running: p.Running})
		return nil
	case EventCreateRoom:
		return g.handleCreateRoom(ctx, connID)
	case EventRequestJoin:
		var p RoomPayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return g.handleRequestJoin(ctx, connID, p.RoomID)
	case EventDecide:
		var p DecidePayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return g.handleDecide(ctx, connID, p)
	case EventSetPending, EventPromote, EventDemote, EventBan:
		var p ParticipantPayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return g.handleParticipantOp(ctx, connID, env.Type, p)
	case EventWhiteboardJoin:
		var p RoomPayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return g.handleWhiteboardJoin(ctx, connID, p.RoomID)
	case EventWhiteboardLeave:
		var p RoomPayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		g.handleWhiteboardLeave(connID, p.RoomID)
		return nil
	case EventWhiteboardUpdate:
		var p WhiteboardUpdatePayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		g.boards.Update(p.RoomID, connID, p.Elements, p.ViewState, p.Files)
		return nil
	case EventWhiteboardFollow:
		var p WhiteboardFollowPayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		g.boards.Follow(p.RoomID, connID, p.FollowedID)
		return nil
	case EventWhiteboardUnfollow:
		var p RoomPayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		g.boards.Unfollow(p.RoomID, connID)
		return nil
	case EventOfferChallenge:
		var p OfferChallengePayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return g.handleOfferChallenge(connID, p)
	case EventRespondChallenge:
		var p RespondChallengePayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return g.duels.Respond(p.ChallengeID, connID, p.Outcome == "accept")
	case EventReportProgress:
		var p ReportProgressPayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return g.duels.ReportProgress(p.ChallengeID, connID, p.TestsPassed, p.TotalTests)
	case EventCompleteChallenge:
		var p CompleteChallengePayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return g.duels.Complete(p.ChallengeID, connID, p.CompletionTimeSeconds)
	case EventSurrenderChallenge:
		var p SurrenderChallengePayload
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		return g.duels.Surrender(p.ChallengeID, connID)
	default:
		return fmt.Errorf("%w: unknown event type %q", errBadRequest, env.Type)
	}
}

func (g *Gateway) handleJoinSpace(connID string, p JoinSpacePayload) error {
	conn, ok := g.Connection(connID)
	if !ok {
		return fmt.Errorf("%w: connection %s", errBadRequest, connID)
	}
	if err := g.spaces.Join(connID, conn.UserID, p.SpaceID); err != nil {
		return err
	}
	g.mu.Lock()
	conn.spaceID = p.SpaceID
	g.mu.Unlock()
	return nil
}

func (g *Gateway) handleCreateRoom(ctx context.Context, connID string) error {
	conn, ok := g.Connection(connID)
	if !ok {
		return fmt.Errorf("%w: connection %s", errBadRequest, connID)
	}
	r, err := g.rooms.Create(ctx, conn.UserID)
	if err != nil {
		return err
	}
	g.send(connID, EventRoomSnapshot, r)
	return nil
}

func (g *Gateway) handleRequestJoin(ctx context.Context, connID, roomID string) error {
	conn, ok := g.Connection(connID)
	if !ok {
		return fmt.Errorf("%w: connection %s", errBadRequest, connID)
	}
	r, err := g.rooms.RequestJoin(ctx, roomID, conn.UserID)
	if err != nil {
		return err
	}
	g.send(connID, EventJoinRequestPending, JoinRequestPayload{RoomID: roomID, UserID: conn.UserID})

	// Tell every online admin a decision is waiting.
	for _, p := range r.Participants {
		if p.ID != conn.UserID && (p.ID == r.AdminID || p.Status == room.StatusAdmin) {
			if adminConn, online := g.ConnectionForUser(p.ID); online {
				g.send(adminConn.ID, EventJoinRequestReceived, JoinRequestPayload{RoomID: roomID, UserID: conn.UserID})
			}
		}
	}
	return nil
}

func (g *Gateway) handleDecide(ctx context.Context, connID string, p DecidePayload) error {
	conn, ok := g.Connection(connID)
	if !ok {
		return fmt.Errorf("%w: connection %s", errBadRequest, connID)
	}
	r, err := g.rooms.Decide(ctx, p.RoomID, conn.UserID, p.ParticipantID, room.Status(p.Outcome))
	if err != nil {
		return err
	}
	g.send(connID, EventRoomSnapshot, r)

	outcome := EventJoinRequestApproved
	if room.Status(p.Outcome) == room.StatusBanned {
		outcome = EventJoinRequestRejected
	}
	if target, online := g.ConnectionForUser(p.ParticipantID); online {
		g.send(target.ID, outcome, JoinRequestPayload{RoomID: p.RoomID, UserID: p.ParticipantID})
	}
	return nil
}

func (g *Gateway) handleParticipantOp(ctx context.Context, connID, op string, p ParticipantPayload) error {
	conn, ok := g.Connection(connID)
	if !ok {
		return fmt.Errorf("%w: connection %s", errBadRequest, connID)
	}

	var (
		r   *room.Room
		err error
	)
	switch op {
	case EventSetPending:
		r, err = g.rooms.SetPending(ctx, p.RoomID, conn.UserID, p.ParticipantID)
	case EventPromote:
		r, err = g.rooms.Promote(ctx, p.RoomID, conn.UserID, p.ParticipantID)
	case EventDemote:
		r, err = g.rooms.Demote(ctx, p.RoomID, conn.UserID, p.ParticipantID)
	case EventBan:
		r, err = g.rooms.Ban(ctx, p.RoomID, conn.UserID, p.ParticipantID)
	}
	if err != nil {
		return err
	}
	g.send(connID, EventRoomSnapshot, r)
	return nil
}

func (g *Gateway) handleWhiteboardJoin(ctx context.Context, connID, roomID string) error {
	conn, ok := g.Connection(connID)
	if !ok {
		return fmt.Errorf("%w: connection %s", errBadRequest, connID)
	}

	verdict, err := g.rooms.CanJoin(ctx, roomID, conn.UserID)
	if err != nil {
		return err
	}
	switch verdict {
	case room.VerdictYes:
	case room.VerdictPendingWait:
		return fmt.Errorf("%w: join request awaiting decision", errConflict)
	case room.VerdictBanned:
		return fmt.Errorf("%w: banned from room %s", errUnauthorized, roomID)
	default:
		return fmt.Errorf("%w: no join request for room %s", errUnauthorized, roomID)
	}

	// Leaving any previous live room keeps a connection in at most one.
	g.handleWhiteboardLeave(connID, "")

	snap := g.boards.Join(roomID, connID)

	g.mu.Lock()
	conn.liveRoomID = roomID
	conn.boardRoomID = roomID
	set := g.roomLive[roomID]
	if set == nil {
		set = make(map[string]bool)
		g.roomLive[roomID] = set
	}
	set[connID] = true
	members := setKeys(set)
	g.mu.Unlock()

	g.send(connID, EventWhiteboardSnapshot, snap)
	g.bridge.GroupChanged(roomGroupID(roomID), members)
	return nil
}

// handleWhiteboardLeave unsubscribes the connection from its live room. An
// empty roomID means "whatever room it is in". Unknown rooms are a no-op.
func (g *Gateway) handleWhiteboardLeave(connID, roomID string) {
	g.mu.Lock()
	conn, ok := g.conns[connID]
	if !ok {
		g.mu.Unlock()
		return
	}
	current := conn.liveRoomID
	if current == "" || (roomID != "" && roomID != current) {
		g.mu.Unlock()
		return
	}
	conn.liveRoomID = ""
	conn.boardRoomID = ""
	set := g.roomLive[current]
	delete(set, connID)
	var members []string
	if len(set) == 0 {
		delete(g.roomLive, current)
	} else {
		members = setKeys(set)
	}
	g.mu.Unlock()

	g.boards.Leave(current, connID)
	g.bridge.GroupChanged(roomGroupID(current), members)
}

func (g *Gateway) handleOfferChallenge(connID string, p OfferChallengePayload) error {
	conn, ok := g.Connection(connID)
	if !ok {
		return fmt.Errorf("%w: connection %s", errBadRequest, connID)
	}
	target, ok := g.Connection(p.TargetID)
	if !ok {
		return fmt.Errorf("%w: target connection %s", errNotFound, p.TargetID)
	}

	s, err := g.duels.Offer(
		challenge.Participant{ConnID: conn.ID, UserID: conn.UserID},
		challenge.Participant{ConnID: target.ID, UserID: target.UserID},
		p.QuestionID,
	)
	if err != nil {
		return err
	}
	// The orchestrator notified the target; mirror the offer back to the
	// challenger so both sides hold the session id.
	g.send(connID, EventChallengeOffered, s)
	return nil
}

// Local sentinels for dispatch-level failures.
var (
	errBadRequest   = errors.New("bad request")
	errNotFound     = errors.New("not found")
	errUnauthorized = errors.New("unauthorized")
	errConflict     = errors.New("conflict")
)

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", errBadRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// reject maps a handler error onto the error taxonomy and reports it to the
// initiator only.
func (g *Gateway) reject(connID, op string, err error) {
	code := CodeInternal
	switch {
	case errors.Is(err, room.ErrRoomNotFound),
		errors.Is(err, room.ErrNotParticipant),
		errors.Is(err, challenge.ErrChallengeNotFound),
		errors.Is(err, challenge.ErrQuestionNotFound),
		errors.Is(err, errNotFound):
		code = CodeNotFound
	case errors.Is(err, room.ErrUnauthorized),
		errors.Is(err, room.ErrBanned),
		errors.Is(err, room.ErrPrimaryAdmin),
		errors.Is(err, challenge.ErrNotParticipant),
		errors.Is(err, challenge.ErrNotTarget),
		errors.Is(err, errUnauthorized):
		code = CodeUnauthorized
	case errors.Is(err, room.ErrAlreadyMember),
		errors.Is(err, room.ErrAlreadyPending),
		errors.Is(err, room.ErrNotPending),
		errors.Is(err, room.ErrNotAllowed),
		errors.Is(err, room.ErrNotBanned),
		errors.Is(err, room.ErrInvalidOutcome),
		errors.Is(err, room.ErrRoomLimit),
		errors.Is(err, challenge.ErrBusy),
		errors.Is(err, challenge.ErrSelfChallenge),
		errors.Is(err, challenge.ErrNotOffered),
		errors.Is(err, challenge.ErrNotActive),
		errors.Is(err, errConflict),
		errors.Is(err, errBadRequest):
		code = CodeConflict
	}

	if code == CodeInternal {
		// Internal failures are logged in full; the caller sees a generic
		// message only.
		g.logger.Error("event handler failed",
			zap.String("connection_id", connID),
			zap.String("event", op),
			zap.Error(err),
		)
		g.sendError(connID, op, code, "internal error")
		return
	}
	g.sendError(connID, op, code, err.Error())
}
