package gateway

import (
	"encoding/json"

	"github.com/cory-johannsen/campus/internal/whiteboard"
)

// Envelope is the wire frame for every inbound and outbound event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound event types.
const (
	EventJoinSpace          = "joinSpace"
	EventMove               = "move"
	EventCreateRoom         = "createRoom"
	EventRequestJoin        = "requestJoin"
	EventDecide             = "decide"
	EventSetPending         = "setPending"
	EventPromote            = "promote"
	EventDemote             = "demote"
	EventBan                = "ban"
	EventWhiteboardJoin     = "whiteboardJoin"
	EventWhiteboardLeave    = "whiteboardLeave"
	EventWhiteboardUpdate   = "whiteboardUpdate"
	EventWhiteboardFollow   = "whiteboardFollow"
	EventWhiteboardUnfollow = "whiteboardUnfollow"
	EventOfferChallenge     = "offerChallenge"
	EventRespondChallenge   = "respondChallenge"
	EventReportProgress     = "reportProgress"
	EventCompleteChallenge  = "completeChallenge"
	EventSurrenderChallenge = "surrenderChallenge"
)

// Outbound event types.
const (
	EventError                  = "error"
	EventSpaceJoined            = "spaceJoined"
	EventSpacePeerJoined        = "spacePeerJoined"
	EventSpacePeerLeft          = "spacePeerLeft"
	EventPeerMoved              = "peerMoved"
	EventPeerJoined             = "peerJoined"
	EventPeerLeft               = "peerLeft"
	EventRoomSnapshot           = "roomSnapshot"
	EventJoinRequestReceived    = "joinRequestReceived"
	EventJoinRequestPending     = "joinRequestPending"
	EventJoinRequestApproved    = "joinRequestApproved"
	EventJoinRequestRejected    = "joinRequestRejected"
	EventWhiteboardSnapshot     = "whiteboardSnapshot"
	EventConferenceGroupChanged = "conferenceGroupChanged"
	EventChallengeOffered       = "challengeOffered"
	EventChallengeAccepted      = "challengeAccepted"
	EventChallengeRejected      = "challengeRejected"
	EventChallengeExpired       = "challengeExpired"
	EventChallengeProgress      = "challengeProgressUpdate"
	EventChallengeCompleted     = "challengeCompleted"
	EventChallengeTimeout       = "challengeTimeout"
	EventChallengeSurrendered   = "challengeSurrendered"
)

// Error codes in the outbound error event.
const (
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorized"
	CodeConflict     = "conflict"
	CodeInternal     = "internal"
)

// ErrorPayload reports a non-fatal rejection to the initiating connection.
type ErrorPayload struct {
	Op      string `json:"op"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JoinSpacePayload is the inbound joinSpace payload.
type JoinSpacePayload struct {
	SpaceID string `json:"spaceId"`
}

// MovePayload is the inbound move payload.
type MovePayload struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	DirX    float64 `json:"dirX"`
	DirY    float64 `json:"dirY"`
	Running bool    `json:"running"`
}

// RoomPayload addresses a persistent room.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// DecidePayload resolves a pending join request.
type DecidePayload struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
	Outcome       string `json:"outcome"`
}

// ParticipantPayload addresses a participant within a room (setPending,
// promote, demote, ban).
type ParticipantPayload struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
}

// WhiteboardUpdatePayload carries a whiteboard change from its origin.
type WhiteboardUpdatePayload struct {
	RoomID    string                     `json:"roomId"`
	Elements  []whiteboard.Element       `json:"elements"`
	ViewState json.RawMessage            `json:"viewState,omitempty"`
	Files     map[string]json.RawMessage `json:"files,omitempty"`
}

// WhiteboardFollowPayload declares a viewport follow target.
type WhiteboardFollowPayload struct {
	RoomID     string `json:"roomId"`
	FollowedID string `json:"followedId"`
}

// OfferChallengePayload opens a duel offer against another connection.
type OfferChallengePayload struct {
	TargetID   string `json:"targetId"`
	QuestionID string `json:"questionId"`
}

// RespondChallengePayload accepts or rejects an offer.
type RespondChallengePayload struct {
	ChallengeID string `json:"challengeId"`
	Outcome     string `json:"outcome"`
}

// ReportProgressPayload relays a test-run result.
type ReportProgressPayload struct {
	ChallengeID string `json:"challengeId"`
	TestsPassed int    `json:"testsPassed"`
	TotalTests  int    `json:"totalTests"`
}

// CompleteChallengePayload reports a full pass.
type CompleteChallengePayload struct {
	ChallengeID           string  `json:"challengeId"`
	CompletionTimeSeconds float64 `json:"completionTimeSeconds"`
}

// SurrenderChallengePayload gives up an active duel.
type SurrenderChallengePayload struct {
	ChallengeID string `json:"challengeId"`
}

// PeerTransitionPayload announces a proximity threshold crossing.
type PeerTransitionPayload struct {
	RoomID  string   `json:"roomId"`
	PeerID  string   `json:"peerId,omitempty"`
	Members []string `json:"members"`
}

// ConferencePayload announces the full membership of a conference group.
type ConferencePayload struct {
	GroupID string   `json:"groupId"`
	Members []string `json:"members"`
}

// JoinRequestPayload announces join-request lifecycle events.
type JoinRequestPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// ChallengeEventPayload announces challenge lifecycle transitions.
type ChallengeEventPayload struct {
	ChallengeID           string  `json:"challengeId"`
	WinnerConnectionID    string  `json:"winnerConnectionId,omitempty"`
	SurrenderedBy         string  `json:"surrenderedBy,omitempty"`
	TestsPassed           int     `json:"testsPassed,omitempty"`
	TotalTests            int     `json:"totalTests,omitempty"`
	CompletionTimeSeconds float64 `json:"completionTimeSeconds,omitempty"`
}
