// Package conference translates room membership changes into join/leave-group
// signals for an external audio/video conferencing provider. It never speaks
// the media protocol itself.
package conference

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Provider is the external conferencing collaborator. Calls are
// fire-and-forget from the bridge's point of view; the provider owns media
// transport and its own retries.
type Provider interface {
	JoinGroup(groupID, connID string)
	LeaveGroup(groupID, connID string)
}

// Notifier pushes the resulting group membership to affected connections.
// Implemented by the session gateway.
type Notifier interface {
	ConferenceGroupChanged(connID, groupID string, members []string)
}

// Bridge diffs full membership lists against last-known state so that
// emitting an identical list twice is a downstream no-op. All methods are
// safe for concurrent use.
type Bridge struct {
	mu     sync.Mutex
	groups map[string][]string // groupID → sorted member connIDs

	provider Provider
	notifier Notifier
	logger   *zap.Logger
}

// NewBridge creates a Bridge.
//
// Precondition: provider, notifier, and logger must be non-nil.
func NewBridge(provider Provider, notifier Notifier, logger *zap.Logger) *Bridge {
	return &Bridge{
		groups:   make(map[string][]string),
		provider: provider,
		notifier: notifier,
		logger:   logger,
	}
}

// GroupChanged reconciles the full member list of a group against last-known
// state, emitting JoinGroup/LeaveGroup only for actual deltas. An empty or
// nil member list dissolves the group. Duplicate identical lists are no-ops.
func (b *Bridge) GroupChanged(groupID string, members []string) {
	sorted := make([]string, len(members))
	copy(sorted, members)
	sort.Strings(sorted)

	b.mu.Lock()
	last := b.groups[groupID]
	joined, left := diff(last, sorted)
	if len(joined) == 0 && len(left) == 0 {
		b.mu.Unlock()
		return
	}
	if len(sorted) == 0 {
		delete(b.groups, groupID)
	} else {
		b.groups[groupID] = sorted
	}
	b.mu.Unlock()

	for _, id := range joined {
		b.provider.JoinGroup(groupID, id)
	}
	for _, id := range left {
		b.provider.LeaveGroup(groupID, id)
	}
	for _, id := range sorted {
		b.notifier.ConferenceGroupChanged(id, groupID, sorted)
	}

	b.logger.Debug("conference group reconciled",
		zap.String("group_id", groupID),
		zap.Int("members", len(sorted)),
		zap.Int("joined", len(joined)),
		zap.Int("left", len(left)),
	)
}

// Dissolve removes a group entirely, emitting leaves for every last-known
// member. Idempotent: dissolving an unknown group is a no-op.
func (b *Bridge) Dissolve(groupID string) {
	b.GroupChanged(groupID, nil)
}

// Disconnect removes a connection from every group it still appears in.
// Idempotent, used by gateway teardown.
func (b *Bridge) Disconnect(connID string) {
	b.mu.Lock()
	affected := make(map[string][]string)
	for groupID, members := range b.groups {
		if idx := index(members, connID); idx >= 0 {
			trimmed := make([]string, 0, len(members)-1)
			trimmed = append(trimmed, members[:idx]...)
			trimmed = append(trimmed, members[idx+1:]...)
			affected[groupID] = trimmed
		}
	}
	b.mu.Unlock()

	for groupID, members := range affected {
		b.GroupChanged(groupID, members)
	}
}

// Members returns the last-known membership of a group.
func (b *Bridge) Members(groupID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.groups[groupID]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// diff returns the ids present only in next (joined) and only in prev (left).
// Both inputs must be sorted.
func diff(prev, next []string) (joined, left []string) {
	i, j := 0, 0
	for i < len(prev) && j < len(next) {
		switch {
		case prev[i] == next[j]:
			i++
			j++
		case prev[i] < next[j]:
			left = append(left, prev[i])
			i++
		default:
			joined = append(joined, next[j])
			j++
		}
	}
	left = append(left, prev[i:]...)
	joined = append(joined, next[j:]...)
	return joined, left
}

func index(sorted []string, id string) int {
	i := sort.SearchStrings(sorted, id)
	if i < len(sorted) && sorted[i] == id {
		return i
	}
	return -1
}
