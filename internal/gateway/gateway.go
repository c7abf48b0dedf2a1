package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/campus/internal/challenge"
	"github.com/cory-johannsen/campus/internal/conference"
	"github.com/cory-johannsen/campus/internal/proximity"
	"github.com/cory-johannsen/campus/internal/room"
	"github.com/cory-johannsen/campus/internal/space"
	"github.com/cory-johannsen/campus/internal/whiteboard"
)

// Connection is the ephemeral per-session state, owned exclusively by the
// Gateway. Other components reference it only by id; none of them hold a
// direct handle.
type Connection struct {
	ID     string
	UserID string

	entity *Entity

	// Everything below is guarded by the Gateway mutex.
	spaceID        string
	liveRoomID     string // persistent room currently joined live
	boardRoomID    string // whiteboard room currently subscribed
	proximityGroup string // last proximity conference group pushed downstream
}

// Entity returns the connection's outbound event channel owner.
func (c *Connection) Entity() *Entity {
	return c.entity
}

// Gateway registers connections, dispatches inbound events to the owning
// component, and tears everything down on disconnect. All methods are safe
// for concurrent use.
type Gateway struct {
	mu       sync.RWMutex
	conns    map[string]*Connection     // connID → connection
	byUser   map[string]string          // userID → connID (latest session wins)
	roomLive map[string]map[string]bool // live persistent roomID → connIDs

	spaces *space.Manager
	prox   *proximity.Manager
	rooms  *room.Store
	boards *whiteboard.Engine
	duels  *challenge.Orchestrator
	bridge *conference.Bridge

	sendBuffer int
	logger     *zap.Logger
}

// New creates a Gateway. The domain managers are attached afterwards via
// Bind because they receive the Gateway as their notifier.
//
// Precondition: logger must be non-nil; sendBuffer must be >= 1.
func New(sendBuffer int, logger *zap.Logger) *Gateway {
	return &Gateway{
		conns:      make(map[string]*Connection),
		byUser:     make(map[string]string),
		roomLive:   make(map[string]map[string]bool),
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// Bind attaches the domain components. Must be called exactly once before
// the first Register.
//
// Precondition: all arguments must be non-nil.
func (g *Gateway) Bind(
	spaces *space.Manager,
	prox *proximity.Manager,
	rooms *room.Store,
	boards *whiteboard.Engine,
	duels *challenge.Orchestrator,
	bridge *conference.Bridge,
) {
	g.spaces = spaces
	g.prox = prox
	g.rooms = rooms
	g.boards = boards
	g.duels = duels
	g.bridge = bridge
}

// Register creates a Connection for an authenticated user.
//
// Precondition: userID must be non-empty.
// Postcondition: Returns a registered Connection with an open entity.
func (g *Gateway) Register(userID string) (*Connection, error) {
	if userID == "" {
		return nil, fmt.Errorf("registering connection: user id must be non-empty")
	}
	conn := &Connection{
		ID:     uuid.NewString(),
		UserID: userID,
	}
	conn.entity = NewEntity(conn.ID, g.sendBuffer)

	g.mu.Lock()
	g.conns[conn.ID] = conn
	g.byUser[userID] = conn.ID
	g.mu.Unlock()

	g.logger.Info("connection registered",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", userID),
	)
	return conn, nil
}

// Connection returns the connection with the given id.
func (g *Gateway) Connection(connID string) (*Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[connID]
	return c, ok
}

// ConnectionForUser returns the latest live connection of a user.
func (g *Gateway) ConnectionForUser(userID string) (*Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byUser[userID]
	if !ok {
		return nil, false
	}
	c, ok := g.conns[id]
	return c, ok
}

// ConnectionCount returns the number of live connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Disconnect performs the ordered, exhaustive teardown of a connection:
// proximity rooms (emitting departures to every counterpart), conference
// groups, whiteboard subscriptions, any live challenge (terminated as a
// surrender by the disconnecting party), and space presence. Idempotent:
// duplicate delivery is a no-op, so nothing is double-penalized or
// double-notified. Teardown errors are logged, never propagated — a stuck
// ghost reference is preferable to a crashed gateway.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	conn, ok := g.conns[connID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.conns, connID)
	if g.byUser[conn.UserID] == connID {
		delete(g.byUser, conn.UserID)
	}
	liveRoom := conn.liveRoomID
	boardRoom := conn.boardRoomID
	var roomMembers []string
	if liveRoom != "" {
		set := g.roomLive[liveRoom]
		delete(set, connID)
		if len(set) == 0 {
			delete(g.roomLive, liveRoom)
		} else {
			roomMembers = setKeys(set)
		}
	}
	g.mu.Unlock()

	// Proximity first: counterparts must see the departure before their
	// conference groups reconcile.
	g.prox.Remove(connID)

	if liveRoom != "" {
		g.bridge.GroupChanged(roomGroupID(liveRoom), roomMembers)
	}
	g.bridge.Disconnect(connID)

	if boardRoom != "" {
		g.boards.Leave(boardRoom, connID)
	}
	g.boards.Disconnect(connID)

	g.duels.Disconnect(connID)

	g.spaces.Leave(connID)

	if err := conn.entity.Close(); err != nil {
		g.logger.Warn("closing entity", zap.String("connection_id", connID), zap.Error(err))
	}

	g.logger.Info("connection torn down",
		zap.String("connection_id", connID),
		zap.String("user_id", conn.UserID),
	)
}

// send marshals an envelope and pushes it to the connection's entity.
// Unknown or slow connections are logged, never fatal.
func (g *Gateway) send(connID, eventType string, payload any) {
	g.mu.RLock()
	conn, ok := g.conns[connID]
	g.mu.RUnlock()
	if !ok {
		return
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			g.logger.Error("marshalling event payload",
				zap.String("event", eventType),
				zap.Error(err),
			)
			return
		}
		raw = data
	}
	frame, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		g.logger.Error("marshalling envelope", zap.String("event", eventType), zap.Error(err))
		return
	}
	if err := conn.entity.Push(frame); err != nil {
		g.logger.Warn("dropping outbound event",
			zap.String("connection_id", connID),
			zap.String("event", eventType),
			zap.Error(err),
		)
	}
}

// sendError reports a non-fatal rejection to the initiator.
func (g *Gateway) sendError(connID, op, code, message string) {
	g.send(connID, EventError, ErrorPayload{Op: op, Code: code, Message: message})
}

func setKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// roomGroupID namespaces persistent-room conference groups away from
// proximity group keys.
func roomGroupID(roomID string) string {
	return "room:" + roomID
}
