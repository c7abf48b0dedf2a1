// Package whiteboard relays shared drawing state per room and retains one
// snapshot for late joiners. The server is an order-preserving relay: no
// CRDT or operational-transform merging, only element-level last-writer-wins
// on client-assigned version fields.
package whiteboard

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Element is a single drawing element. Version and Updated are assigned by
// clients and increase monotonically per element; the retained snapshot keeps
// whichever copy compares newest, deleted elements included (tombstones).
type Element struct {
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Updated int64           `json:"updated"`
	Deleted bool            `json:"isDeleted"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// newer reports whether e should replace prev under last-writer-wins.
// Elements are never field-merged: the whole element is taken or dropped.
func (e Element) newer(prev Element) bool {
	if e.Version != prev.Version {
		return e.Version > prev.Version
	}
	return e.Updated > prev.Updated
}

// Snapshot is the last observed full board state, sent once to each new
// subscriber. A board with no prior activity yields a zero-valued snapshot;
// joining never blocks on content existing.
type Snapshot struct {
	Elements  []Element                  `json:"elements"`
	ViewState json.RawMessage            `json:"viewState,omitempty"`
	Files     map[string]json.RawMessage `json:"files,omitempty"`
}

// Update is a relayed whiteboard change, delivered verbatim to every
// subscriber except its origin.
type Update struct {
	RoomID    string                     `json:"roomId"`
	Origin    string                     `json:"originConnectionId"`
	Elements  []Element                  `json:"elements"`
	ViewState json.RawMessage            `json:"viewState,omitempty"`
	Files     map[string]json.RawMessage `json:"files,omitempty"`
}

// Notifier delivers whiteboard events to a single connection. Implemented by
// the session gateway.
type Notifier interface {
	WhiteboardUpdate(connID string, u Update)
}

type board struct {
	elements  map[string]Element
	order     []string // element ids in first-seen order
	viewState json.RawMessage
	files     map[string]json.RawMessage

	subscribers map[string]bool
	follows     map[string]string // follower connID → followed connID

	emptySince time.Time // zero while subscribed
}

// Engine holds per-room boards. All methods are safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	boards map[string]*board

	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates an Engine.
//
// Precondition: notifier and logger must be non-nil.
func NewEngine(notifier Notifier, logger *zap.Logger) *Engine {
	return &Engine{
		boards:   make(map[string]*board),
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Join subscribes a connection to a room's board, creating the board lazily,
// and returns the current snapshot.
//
// Postcondition: The snapshot reflects the last broadcast state, or zero
// values for a board with no prior activity.
func (e *Engine) Join(roomID, connID string) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.boards[roomID]
	if b == nil {
		b = newBoard()
		e.boards[roomID] = b
	}
	b.subscribers[connID] = true
	b.emptySince = time.Time{}
	return b.snapshotLocked()
}

// Update merges the incoming elements into the retained snapshot and relays
// the update verbatim to every other subscriber. The origin is excluded by
// id, never by content comparison. With zero other subscribers the snapshot
// still advances but nothing is broadcast.
func (e *Engine) Update(roomID, origin string, elements []Element, viewState json.RawMessage, files map[string]json.RawMessage) {
	e.mu.Lock()
	b := e.boards[roomID]
	if b == nil {
		e.mu.Unlock()
		e.logger.Warn("whiteboard update for unknown room", zap.String("room_id", roomID))
		return
	}

	for _, el := range elements {
		prev, seen := b.elements[el.ID]
		if !seen {
			b.order = append(b.order, el.ID)
			b.elements[el.ID] = el
			continue
		}
		if el.newer(prev) {
			b.elements[el.ID] = el
		}
	}
	if viewState != nil {
		b.viewState = viewState
	}
	for name, blob := range files {
		if b.files == nil {
			b.files = make(map[string]json.RawMessage)
		}
		b.files[name] = blob
	}

	recipients := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		if id != origin {
			recipients = append(recipients, id)
		}
	}
	e.mu.Unlock()

	u := Update{RoomID: roomID, Origin: origin, Elements: elements, ViewState: viewState, Files: files}
	for _, id := range recipients {
		e.notifier.WhiteboardUpdate(id, u)
	}
}

// Follow declares that follower mirrors the viewport of followed. A follower
// tracks at most one connection; a newer Follow replaces the old target.
// Transitive follows are not resolved server-side.
func (e *Engine) Follow(roomID, follower, followed string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.boards[roomID]
	if b == nil || !b.subscribers[follower] || !b.subscribers[followed] {
		return
	}
	b.follows[follower] = followed
}

// Unfollow clears the follower's viewport link.
func (e *Engine) Unfollow(roomID, follower string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b := e.boards[roomID]; b != nil {
		delete(b.follows, follower)
	}
}

// Following returns the connection that follower currently mirrors, if any.
func (e *Engine) Following(roomID, follower string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.boards[roomID]
	if b == nil {
		return "", false
	}
	id, ok := b.follows[follower]
	return id, ok
}

// Leave unsubscribes a connection and clears follow links in both
// directions. The snapshot outlives the last subscriber; reclamation is left
// to the idle sweep.
func (e *Engine) Leave(roomID, connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.boards[roomID]
	if b == nil {
		return
	}
	b.unsubscribeLocked(connID, e.now())
}

// Disconnect removes the connection from every board it subscribes to.
// Idempotent, used by gateway teardown.
func (e *Engine) Disconnect(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for _, b := range e.boards {
		if b.subscribers[connID] {
			b.unsubscribeLocked(connID, now)
		}
	}
}

// Subscribers returns the connections currently subscribed to a board.
func (e *Engine) Subscribers(roomID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.boards[roomID]
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		out = append(out, id)
	}
	return out
}

// SweepIdle reclaims boards whose last subscriber left more than retention
// ago. Returns the number of boards dropped.
func (e *Engine) SweepIdle(retention time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	dropped := 0
	for roomID, b := range e.boards {
		if len(b.subscribers) == 0 && !b.emptySince.IsZero() && now.Sub(b.emptySince) > retention {
			delete(e.boards, roomID)
			dropped++
		}
	}
	if dropped > 0 {
		e.logger.Info("idle whiteboards reclaimed", zap.Int("count", dropped))
	}
	return dropped
}

func newBoard() *board {
	return &board{
		elements:    make(map[string]Element),
		subscribers: make(map[string]bool),
		follows:     make(map[string]string),
	}
}

func (b *board) snapshotLocked() Snapshot {
	snap := Snapshot{
		Elements:  make([]Element, 0, len(b.order)),
		ViewState: b.viewState,
	}
	for _, id := range b.order {
		snap.Elements = append(snap.Elements, b.elements[id])
	}
	if len(b.files) > 0 {
		snap.Files = make(map[string]json.RawMessage, len(b.files))
		for name, blob := range b.files {
			snap.Files[name] = blob
		}
	}
	return snap
}

func (b *board) unsubscribeLocked(connID string, now time.Time) {
	delete(b.subscribers, connID)
	delete(b.follows, connID)
	for follower, followed := range b.follows {
		if followed == connID {
			delete(b.follows, follower)
		}
	}
	if len(b.subscribers) == 0 {
		b.emptySince = now
	}
}
