// Package space provides the shared coordinate domains that connections move
// through, and the position bus that fans movement out to co-located peers.
package space

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Position is a connection's last reported location and heading within a space.
type Position struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	DirX    float64 `json:"dirX"`
	DirY    float64 `json:"dirY"`
	Running bool    `json:"running"`
}

// Peer describes an occupant of a space to other occupants.
type Peer struct {
	ConnectionID string   `json:"connectionId"`
	UserID       string   `json:"userId"`
	Position     Position `json:"position"`
}

// Movement is a single position update relayed to co-located peers.
type Movement struct {
	ConnectionID string   `json:"connectionId"`
	SpaceID      string   `json:"spaceId"`
	Position     Position `json:"position"`
}

// Notifier delivers presence and movement events to a single connection.
// Implemented by the session gateway.
type Notifier interface {
	// SpaceJoined tells the joining connection who already occupies the space.
	SpaceJoined(connID, spaceID string, occupants []Peer)
	// SpacePeerJoined announces a new occupant to an existing one.
	SpacePeerJoined(connID, spaceID string, peer Peer)
	// SpacePeerLeft announces a departure to a remaining occupant.
	SpacePeerLeft(connID, spaceID, leftConnID string)
	// SpacePeerMoved relays a movement update to a co-located connection.
	SpacePeerMoved(connID string, m Movement)
}

// PositionTracker receives the latest position of every connection so that
// proximity membership can be recomputed. Implemented by the proximity manager.
type PositionTracker interface {
	Update(spaceID, connID string, x, y float64)
	Remove(connID string)
}

type occupant struct {
	userID string
	pos    Position
}

// Manager tracks space occupancy and broadcasts movement. A space exists only
// while at least one connection occupies it. All methods are safe for
// concurrent use.
type Manager struct {
	mu        sync.RWMutex
	spaces    map[string]map[string]*occupant // spaceID → connID → occupant
	connSpace map[string]string               // connID → spaceID

	notifier Notifier
	tracker  PositionTracker
	logger   *zap.Logger
}

// NewManager creates an empty space Manager.
//
// Precondition: notifier, tracker, and logger must be non-nil.
func NewManager(notifier Notifier, tracker PositionTracker, logger *zap.Logger) *Manager {
	return &Manager{
		spaces:    make(map[string]map[string]*occupant),
		connSpace: make(map[string]string),
		notifier:  notifier,
		tracker:   tracker,
		logger:    logger,
	}
}

// Join places a connection into a space, leaving any previous space first.
//
// Precondition: connID, userID, and spaceID must be non-empty.
// Postcondition: The joiner receives the current occupant list; existing
// occupants are notified of the arrival.
func (m *Manager) Join(connID, userID, spaceID string) error {
	if connID == "" || spaceID == "" {
		return fmt.Errorf("joining space: connection and space ids must be non-empty")
	}

	m.mu.Lock()
	var prevSpace string
	var prevRemaining []string
	if prev, ok := m.connSpace[connID]; ok && prev != spaceID {
		prevSpace = prev
		prevRemaining = m.leaveLocked(connID, prev)
	}

	occ := m.spaces[spaceID]
	if occ == nil {
		occ = make(map[string]*occupant)
		m.spaces[spaceID] = occ
	}

	peers := make([]Peer, 0, len(occ))
	others := make([]string, 0, len(occ))
	for id, o := range occ {
		peers = append(peers, Peer{ConnectionID: id, UserID: o.userID, Position: o.pos})
		others = append(others, id)
	}

	occ[connID] = &occupant{userID: userID}
	m.connSpace[connID] = spaceID
	m.mu.Unlock()

	m.tracker.Update(spaceID, connID, 0, 0)

	for _, id := range prevRemaining {
		m.notifier.SpacePeerLeft(id, prevSpace, connID)
	}
	m.notifier.SpaceJoined(connID, spaceID, peers)
	arrival := Peer{ConnectionID: connID, UserID: userID}
	for _, id := range others {
		m.notifier.SpacePeerJoined(id, spaceID, arrival)
	}
	return nil
}

// Move records a position update and relays it to every other occupant of the
// sender's space.
//
// Postcondition: An unknown connection is a logged no-op, never an error.
func (m *Manager) Move(connID string, pos Position) {
	m.mu.Lock()
	spaceID, ok := m.connSpace[connID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("move from unknown connection", zap.String("connection_id", connID))
		return
	}
	occ := m.spaces[spaceID]
	occ[connID].pos = pos
	recipients := make([]string, 0, len(occ))
	for id := range occ {
		if id != connID {
			recipients = append(recipients, id)
		}
	}
	m.mu.Unlock()

	m.tracker.Update(spaceID, connID, pos.X, pos.Y)

	mv := Movement{ConnectionID: connID, SpaceID: spaceID, Position: pos}
	for _, id := range recipients {
		m.notifier.SpacePeerMoved(id, mv)
	}
}

// Leave removes a connection from its current space and notifies the
// remaining occupants. Unknown connections are a no-op, so Leave is safe to
// call from duplicate disconnect delivery.
func (m *Manager) Leave(connID string) {
	m.mu.Lock()
	spaceID, ok := m.connSpace[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	remaining := m.leaveLocked(connID, spaceID)
	m.mu.Unlock()

	m.tracker.Remove(connID)

	for _, id := range remaining {
		m.notifier.SpacePeerLeft(id, spaceID, connID)
	}
}

// leaveLocked removes connID from spaceID and returns the remaining occupant
// ids. Caller must hold m.mu.
func (m *Manager) leaveLocked(connID, spaceID string) []string {
	occ := m.spaces[spaceID]
	delete(occ, connID)
	delete(m.connSpace, connID)

	if len(occ) == 0 {
		delete(m.spaces, spaceID)
		return nil
	}
	remaining := make([]string, 0, len(occ))
	for id := range occ {
		remaining = append(remaining, id)
	}
	return remaining
}

// SpaceOf returns the space a connection currently occupies.
//
// Postcondition: Returns (spaceID, true) if the connection is in a space.
func (m *Manager) SpaceOf(connID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.connSpace[connID]
	return id, ok
}

// Occupants returns the connection ids currently in the given space.
func (m *Manager) Occupants(spaceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	occ, ok := m.spaces[spaceID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(occ))
	for id := range occ {
		ids = append(ids, id)
	}
	return ids
}

// SpaceCount returns the number of live spaces.
func (m *Manager) SpaceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spaces)
}
