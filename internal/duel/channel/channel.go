// Package channel abstracts the room pub/sub primitive the duel
// coordinator runs over: presence tracking (sync/join/leave) plus fan-out
// broadcasts delivered to every subscriber including the sender.
//
// The contract is deliberately weak: delivery is at-least-once, a message
// may be redelivered after a reconnect, and no ordering is guaranteed
// across retries or relative to presence events. Consumers dedupe with
// duel.Message.Key.
package channel

import (
	"context"

	"github.com/anzanlive/duel/internal/duel"
)

// PresenceKind classifies a presence event.
type PresenceKind string

const (
	PresenceSync  PresenceKind = "sync"
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

// Member is the presence payload tracked per participant.
type Member struct {
	ParticipantID       string `json:"participant_id"`
	DisplayName         string `json:"display_name"`
	Score               int    `json:"score"`
	CurrentProblemIndex int    `json:"current_problem_index"`
	IsReady             bool   `json:"is_ready"`
	HasAnswered         bool   `json:"has_answered"`
}

// PresenceEvent reports a membership change. Join and Leave carry the
// affected member; Sync carries the full membership snapshot.
type PresenceEvent struct {
	Kind    PresenceKind
	Member  Member
	Members []Member
}

// Event is one item on a session's stream: either a presence change or a
// room broadcast, never both.
type Event struct {
	Presence *PresenceEvent
	Message  *duel.Message
}

// Session is one participant's attachment to a room topic.
type Session interface {
	// Events streams presence changes and broadcasts. The channel closes
	// after Leave or when the underlying transport is torn down.
	Events() <-chan Event

	// Publish broadcasts a message to every subscriber of the room,
	// including this session.
	Publish(ctx context.Context, msg duel.Message) error

	// UpdatePresence replaces this participant's tracked presence payload.
	UpdatePresence(ctx context.Context, m Member) error

	// Leave withdraws presence and unsubscribes. Idempotent.
	Leave(ctx context.Context) error
}

// Channel joins participants to room topics.
type Channel interface {
	Join(ctx context.Context, roomCode string, self Member) (Session, error)
}
