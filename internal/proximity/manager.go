// Package proximity derives ephemeral room membership from pairwise distance
// between connections that share a space.
package proximity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener consumes membership changes. Members is always the full current
// set (including the connection itself, sorted), never a diff, so consumers
// reconcile statelessly. Joined and left carry only the edge transitions that
// produced this update. Implemented by the session gateway.
type Listener interface {
	ProximityChanged(connID, roomID string, members, joined, left []string)
}

type tracked struct {
	spaceID string
	x, y    float64
}

// Manager recomputes proximity membership at a fixed interval and emits
// transitions only on threshold crossings. Each connection's neighbor set is
// maintained independently; because distance is symmetric both endpoints of a
// crossing are updated in the same pass, and two independent observers always
// derive the same room id for the same membership via CanonicalKey.
//
// All methods are safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	positions map[string]*tracked        // connID → last position
	neighbors map[string]map[string]bool // connID → proximity set
	dirty     map[string]bool            // connIDs moved since last recompute

	radius   float64
	interval time.Duration
	listener Listener
	logger   *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a proximity Manager.
//
// Precondition: radius and interval must be positive; listener and logger must be non-nil.
func NewManager(radius float64, interval time.Duration, listener Listener, logger *zap.Logger) *Manager {
	return &Manager{
		positions: make(map[string]*tracked),
		neighbors: make(map[string]map[string]bool),
		dirty:     make(map[string]bool),
		radius:    radius,
		interval:  interval,
		listener:  listener,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Update records a connection's latest position and marks it for the next
// recomputation pass. Implements space.PositionTracker.
func (m *Manager) Update(spaceID, connID string, x, y float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.positions[connID]
	if t == nil {
		t = &tracked{}
		m.positions[connID] = t
		m.neighbors[connID] = make(map[string]bool)
	}
	if t.spaceID != "" && t.spaceID != spaceID {
		// Space changed underneath: every prior neighbor is now out of range.
		m.dropNeighborsLocked(connID)
	}
	t.spaceID = spaceID
	t.x, t.y = x, y
	m.dirty[connID] = true
}

// Remove drops a connection entirely, emitting a departure to every prior
// counterpart. Idempotent. Implements space.PositionTracker.
func (m *Manager) Remove(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[connID]; !ok {
		return
	}
	m.dropNeighborsLocked(connID)
	delete(m.positions, connID)
	delete(m.neighbors, connID)
	delete(m.dirty, connID)
}

// dropNeighborsLocked severs every edge touching connID and pushes updated
// membership to the counterparts. Caller must hold m.mu.
func (m *Manager) dropNeighborsLocked(connID string) {
	set := m.neighbors[connID]
	for peer := range set {
		delete(m.neighbors[peer], connID)
		m.pushLocked(peer, nil, []string{connID})
	}
	if len(set) > 0 {
		m.neighbors[connID] = make(map[string]bool)
		m.pushLocked(connID, nil, keys(set))
	}
}

// Start runs the recomputation ticker until Stop is called or ctx is
// cancelled. It blocks, matching the server.Service contract.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer close(m.doneCh)

	for {
		select {
		case <-ticker.C:
			m.Recompute()
		case <-m.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop terminates the recomputation ticker.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}

// Recompute processes every connection that moved since the last pass and
// emits threshold-crossing transitions for both endpoints of each edge.
func (m *Manager) Recompute() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for connID := range m.dirty {
		delete(m.dirty, connID)
		m.recomputeLocked(connID)
	}
}

func (m *Manager) recomputeLocked(connID string) {
	t, ok := m.positions[connID]
	if !ok {
		return
	}

	set := m.neighbors[connID]
	r2 := m.radius * m.radius

	var joined, left []string
	for peerID, pt := range m.positions {
		if peerID == connID {
			continue
		}
		within := pt.spaceID == t.spaceID && dist2(t, pt) <= r2
		switch {
		case within && !set[peerID]:
			set[peerID] = true
			m.neighbors[peerID][connID] = true
			joined = append(joined, peerID)
			m.pushLocked(peerID, []string{connID}, nil)
		case !within && set[peerID]:
			delete(set, peerID)
			delete(m.neighbors[peerID], connID)
			left = append(left, peerID)
			m.pushLocked(peerID, nil, []string{connID})
		}
	}

	if len(joined) > 0 || len(left) > 0 {
		m.pushLocked(connID, joined, left)
	}
}

// pushLocked emits the full current membership for connID along with the
// transitions that produced it. Caller must hold m.mu.
func (m *Manager) pushLocked(connID string, joined, left []string) {
	members := append(keys(m.neighbors[connID]), connID)
	roomID := CanonicalKey(members)
	m.listener.ProximityChanged(connID, roomID, members, joined, left)
}

// Neighbors returns the current proximity set of connID, excluding connID.
func (m *Manager) Neighbors(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return keys(m.neighbors[connID])
}

// RoomOf returns the current proximity room id for connID.
func (m *Manager) RoomOf(connID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[connID]; !ok {
		return ""
	}
	return CanonicalKey(append(keys(m.neighbors[connID]), connID))
}

func dist2(a, b *tracked) float64 {
	dx := a.x - b.x
	dy := a.y - b.y
	return dx*dx + dy*dy
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
