package gateway

import (
	"github.com/cory-johannsen/campus/internal/challenge"
	"github.com/cory-johannsen/campus/internal/space"
	"github.com/cory-johannsen/campus/internal/whiteboard"
)

// The Gateway is the notifier for every domain component: each interface
// method maps one domain event onto one outbound wire event.

// SpaceJoined implements space.Notifier.
func (g *Gateway) SpaceJoined(connID, spaceID string, occupants []space.Peer) {
	g.send(connID, EventSpaceJoined, struct {
		SpaceID   string       `json:"spaceId"`
		Occupants []space.Peer `json:"occupants"`
	}{spaceID, occupants})
}

// SpacePeerJoined implements space.Notifier.
func (g *Gateway) SpacePeerJoined(connID, spaceID string, peer space.Peer) {
	g.send(connID, EventSpacePeerJoined, struct {
		SpaceID string     `json:"spaceId"`
		Peer    space.Peer `json:"peer"`
	}{spaceID, peer})
}

// SpacePeerLeft implements space.Notifier.
func (g *Gateway) SpacePeerLeft(connID, spaceID, leftConnID string) {
	g.send(connID, EventSpacePeerLeft, struct {
		SpaceID      string `json:"spaceId"`
		ConnectionID string `json:"connectionId"`
	}{spaceID, leftConnID})
}

// SpacePeerMoved implements space.Notifier.
func (g *Gateway) SpacePeerMoved(connID string, m space.Movement) {
	g.send(connID, EventPeerMoved, m)
}

// ProximityChanged implements proximity.Listener. It forwards threshold
// crossings to the affected connection and reconciles the conference group
// derived from the full membership set.
func (g *Gateway) ProximityChanged(connID, roomID string, members, joined, left []string) {
	for _, peer := range joined {
		g.send(connID, EventPeerJoined, PeerTransitionPayload{RoomID: roomID, PeerID: peer, Members: members})
	}
	for _, peer := range left {
		g.send(connID, EventPeerLeft, PeerTransitionPayload{RoomID: roomID, PeerID: peer, Members: members})
	}

	g.mu.Lock()
	conn, ok := g.conns[connID]
	var prevGroup string
	if ok {
		prevGroup = conn.proximityGroup
		if len(members) >= 2 {
			conn.proximityGroup = roomID
		} else {
			conn.proximityGroup = ""
		}
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	// The group id is a pure function of membership, so any membership
	// change retires the old group. Dissolving is idempotent across the
	// members racing to do the same.
	if prevGroup != "" && prevGroup != roomID {
		g.bridge.Dissolve(prevGroup)
	}
	if len(members) >= 2 {
		g.bridge.GroupChanged(roomID, members)
	}
}

// ConferenceGroupChanged implements conference.Notifier.
func (g *Gateway) ConferenceGroupChanged(connID, groupID string, members []string) {
	g.send(connID, EventConferenceGroupChanged, ConferencePayload{GroupID: groupID, Members: members})
}

// WhiteboardUpdate implements whiteboard.Notifier.
func (g *Gateway) WhiteboardUpdate(connID string, u whiteboard.Update) {
	g.send(connID, EventWhiteboardUpdate, u)
}

// ChallengeOffered implements challenge.Notifier.
func (g *Gateway) ChallengeOffered(connID string, s *challenge.Session) {
	g.send(connID, EventChallengeOffered, s)
}

// ChallengeAccepted implements challenge.Notifier.
func (g *Gateway) ChallengeAccepted(connID string, s *challenge.Session) {
	g.send(connID, EventChallengeAccepted, s)
}

// ChallengeRejected implements challenge.Notifier.
func (g *Gateway) ChallengeRejected(connID, challengeID string) {
	g.send(connID, EventChallengeRejected, ChallengeEventPayload{ChallengeID: challengeID})
}

// ChallengeExpired implements challenge.Notifier.
func (g *Gateway) ChallengeExpired(connID, challengeID string) {
	g.send(connID, EventChallengeExpired, ChallengeEventPayload{ChallengeID: challengeID})
}

// ChallengeProgress implements challenge.Notifier.
func (g *Gateway) ChallengeProgress(connID, challengeID string, testsPassed, totalTests int) {
	g.send(connID, EventChallengeProgress, ChallengeEventPayload{
		ChallengeID: challengeID,
		TestsPassed: testsPassed,
		TotalTests:  totalTests,
	})
}

// ChallengeCompleted implements challenge.Notifier.
func (g *Gateway) ChallengeCompleted(connID, challengeID, winnerConnID string, completionSeconds float64) {
	g.send(connID, EventChallengeCompleted, ChallengeEventPayload{
		ChallengeID:           challengeID,
		WinnerConnectionID:    winnerConnID,
		CompletionTimeSeconds: completionSeconds,
	})
}

// ChallengeTimeout implements challenge.Notifier.
func (g *Gateway) ChallengeTimeout(connID, challengeID string) {
	g.send(connID, EventChallengeTimeout, ChallengeEventPayload{ChallengeID: challengeID})
}

// ChallengeSurrendered implements challenge.Notifier.
func (g *Gateway) ChallengeSurrendered(connID, challengeID, surrenderedBy string) {
	g.send(connID, EventChallengeSurrendered, ChallengeEventPayload{
		ChallengeID:   challengeID,
		SurrenderedBy: surrenderedBy,
	})
}
