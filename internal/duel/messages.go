package duel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType represents the type of room broadcast.
type MessageType string

const (
	MessageCountdown      MessageType = "countdown"
	MessageGameUpdate     MessageType = "game_update"
	MessageShowNumber     MessageType = "show_number"
	MessageProblemDone    MessageType = "problem_done"
	MessagePlayerAnswered MessageType = "player_answered"
	MessageGameFinished   MessageType = "game_finished"
	MessageAnswer         MessageType = "answer"
)

// Message is the envelope for every room broadcast. The channel delivers
// at-least-once with no ordering guarantee across retries, so consumers
// dedupe on Key() rather than trusting arrival order.
type Message struct {
	ID           string          `json:"id"`
	RoomCode     string          `json:"room_code"`
	Type         MessageType     `json:"type"`
	SenderID     string          `json:"sender_id"`
	ProblemIndex int             `json:"problem_index"`
	Ordinal      int             `json:"ordinal"`
	SentAt       time.Time       `json:"sent_at"`
	Data         json.RawMessage `json:"data"`
}

// CountdownPayload is one tick of the pre-match countdown, Count
// descending to 0.
type CountdownPayload struct {
	Count int `json:"count"`
}

// GameUpdatePayload carries a full authoritative room snapshot.
type GameUpdatePayload struct {
	Snapshot Snapshot `json:"snapshot"`
}

// ShowNumberPayload is one term of the current problem. StepIndex 0
// carries the initial value; steps follow in order.
type ShowNumberPayload struct {
	Value     int `json:"value"`
	StepIndex int `json:"step_index"`
}

// ProblemDonePayload signals the answer window opened. It reveals the
// correct answer but nothing about who has answered.
type ProblemDonePayload struct {
	CorrectAnswer int `json:"correct_answer"`
}

// PlayerAnsweredPayload is the host's authoritative scoring result for one
// submission.
type PlayerAnsweredPayload struct {
	ParticipantID string `json:"participant_id"`
	PointsAwarded int    `json:"points_awarded"`
	IsCorrect     bool   `json:"is_correct"`
}

// GameFinishedPayload is the terminal broadcast naming the winner.
type GameFinishedPayload struct {
	WinnerID string `json:"winner_id"`
}

// AnswerPayload is a peer's submission, validated by the host.
type AnswerPayload struct {
	ParticipantID string `json:"participant_id"`
	ProblemIndex  int    `json:"problem_index"`
	Value         int    `json:"value"`
}

// NewMessage builds a broadcast envelope with a fresh message ID.
func NewMessage(roomCode string, t MessageType, senderID string, problemIndex int, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{
		ID:           uuid.New().String(),
		RoomCode:     roomCode,
		Type:         t,
		SenderID:     senderID,
		ProblemIndex: problemIndex,
		SentAt:       time.Now().UTC(),
		Data:         data,
	}, nil
}

// Payload decodes the message data into the payload struct for its type.
func (m Message) Payload() (any, error) {
	switch m.Type {
	case MessageCountdown:
		var p CountdownPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal countdown payload: %w", err)
		}
		return p, nil

	case MessageGameUpdate:
		var p GameUpdatePayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal game_update payload: %w", err)
		}
		return p, nil

	case MessageShowNumber:
		var p ShowNumberPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal show_number payload: %w", err)
		}
		return p, nil

	case MessageProblemDone:
		var p ProblemDonePayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal problem_done payload: %w", err)
		}
		return p, nil

	case MessagePlayerAnswered:
		var p PlayerAnsweredPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal player_answered payload: %w", err)
		}
		return p, nil

	case MessageGameFinished:
		var p GameFinishedPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal game_finished payload: %w", err)
		}
		return p, nil

	case MessageAnswer:
		var p AnswerPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal answer payload: %w", err)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", m.Type)
	}
}

// Key identifies a message for duplicate suppression, keyed by
// (problemIndex, messageType, senderID). Countdown ticks and show_number
// steps additionally carry their ordinal so replays collapse without
// collapsing distinct ticks or steps; scoring results key on the answering
// participant so one host can report both players for the same problem.
type Key struct {
	ProblemIndex int
	Type         MessageType
	SenderID     string
	Ordinal      int
}

// Key returns the dedupe key for the message.
func (m Message) Key() (Key, error) {
	k := Key{
		ProblemIndex: m.ProblemIndex,
		Type:         m.Type,
		SenderID:     m.SenderID,
		Ordinal:      m.Ordinal,
	}

	switch m.Type {
	case MessagePlayerAnswered:
		var p PlayerAnsweredPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return Key{}, fmt.Errorf("unmarshal player_answered payload: %w", err)
		}
		k.SenderID = p.ParticipantID
	case MessageAnswer:
		var p AnswerPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return Key{}, fmt.Errorf("unmarshal answer payload: %w", err)
		}
		k.SenderID = p.ParticipantID
	case MessageCountdown, MessageGameUpdate, MessageShowNumber, MessageProblemDone, MessageGameFinished:
	default:
		return Key{}, fmt.Errorf("unknown message type: %s", m.Type)
	}

	return k, nil
}
