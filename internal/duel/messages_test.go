package duel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagePayloadRoundTrip(t *testing.T) {
	msg, err := NewMessage("ABC123", MessageProblemDone, "host-1", 2, ProblemDonePayload{CorrectAnswer: 4})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)

	payload, err := msg.Payload()
	require.NoError(t, err)
	require.Equal(t, ProblemDonePayload{CorrectAnswer: 4}, payload)
}

func TestMessagePayloadUnknownType(t *testing.T) {
	msg := Message{Type: MessageType("bogus"), Data: []byte("{}")}
	_, err := msg.Payload()
	require.Error(t, err)
	_, err = msg.Key()
	require.Error(t, err)
}

func TestKeyDistinguishesStepsAndTicks(t *testing.T) {
	first, err := NewMessage("ABC123", MessageShowNumber, "host-1", 0, ShowNumberPayload{Value: 4, StepIndex: 0})
	require.NoError(t, err)
	first.Ordinal = 0
	second, err := NewMessage("ABC123", MessageShowNumber, "host-1", 0, ShowNumberPayload{Value: 3, StepIndex: 1})
	require.NoError(t, err)
	second.Ordinal = 1

	k1, err := first.Key()
	require.NoError(t, err)
	k2, err := second.Key()
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	// A redelivered copy keys identically.
	replay := first
	k3, err := replay.Key()
	require.NoError(t, err)
	assert.Equal(t, k1, k3)
}

func TestKeyScopesScoringToParticipant(t *testing.T) {
	a, err := NewMessage("ABC123", MessagePlayerAnswered, "host-1", 1, PlayerAnsweredPayload{ParticipantID: "p-a", PointsAwarded: 10, IsCorrect: true})
	require.NoError(t, err)
	b, err := NewMessage("ABC123", MessagePlayerAnswered, "host-1", 1, PlayerAnsweredPayload{ParticipantID: "p-b", PointsAwarded: 0, IsCorrect: false})
	require.NoError(t, err)

	ka, err := a.Key()
	require.NoError(t, err)
	kb, err := b.Key()
	require.NoError(t, err)
	assert.NotEqual(t, ka, kb, "scoring results for different players must not collapse")
	assert.Equal(t, "p-a", ka.SenderID)
}

func TestRoomCode(t *testing.T) {
	code := NewRoomCode()
	assert.True(t, ValidRoomCode(code), "generated code %q invalid", code)

	assert.True(t, ValidRoomCode("A1B2C3"))
	assert.False(t, ValidRoomCode("a1b2c3"))
	assert.False(t, ValidRoomCode("AB12"))
	assert.False(t, ValidRoomCode("AB12C!"))
}
