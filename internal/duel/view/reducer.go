// Package view folds room channel events into the local projection every
// client renders from. The same reducer runs on every peer, host included,
// applied to the host's own broadcasts so there is a single code path. It
// never computes correctness and never mutates scores on its own: it only
// reflects what the host has broadcast, deduplicated by message key.
package view

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/anzanlive/duel/internal/duel"
	"github.com/anzanlive/duel/internal/duel/channel"
)

// State is the read-only projection of a room as one peer sees it.
type State struct {
	RoomCode            string
	Status              duel.Status
	HostID              string
	ProblemCount        int
	CurrentProblemIndex int
	CountdownCount      int

	// Shown holds the values revealed so far for the current problem,
	// indexed by step (0 is the initial value). A step not yet received
	// out of order is left as zero until it arrives.
	Shown      []int
	AnswerOpen bool

	// CorrectAnswer is set once the host reveals it with problem_done.
	CorrectAnswer *int

	WinnerID  string
	Abandoned bool

	Participants []duel.Participant
}

// Player returns the projected participant with the given ID, or nil.
func (s State) Player(id string) *duel.Participant {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return &s.Participants[i]
		}
	}
	return nil
}

// RunningTotal sums the values shown so far, which is the mental
// computation the problem asks for.
func (s State) RunningTotal() int {
	total := 0
	for _, v := range s.Shown {
		total += v
	}
	return total
}

// Reducer applies channel events to a State.
type Reducer struct {
	mu    sync.RWMutex
	state State
	seen  map[duel.Key]struct{}
}

// New creates a reducer for a room.
func New(roomCode string) *Reducer {
	return &Reducer{
		state: State{RoomCode: roomCode, Status: duel.StatusWaiting},
		seen:  make(map[duel.Key]struct{}),
	}
}

// State returns a copy of the current projection.
func (r *Reducer) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.state
	s.Shown = append([]int(nil), r.state.Shown...)
	s.Participants = append([]duel.Participant(nil), r.state.Participants...)
	if r.state.CorrectAnswer != nil {
		v := *r.state.CorrectAnswer
		s.CorrectAnswer = &v
	}
	return s
}

// Apply folds one channel event into the projection. Replayed broadcasts
// are dropped by key and produce no observable state change.
func (r *Reducer) Apply(ev channel.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case ev.Presence != nil:
		r.applyPresence(ev.Presence)
	case ev.Message != nil:
		r.applyMessage(ev.Message)
	}
}

func (r *Reducer) applyPresence(p *channel.PresenceEvent) {
	switch p.Kind {
	case channel.PresenceJoin:
		r.addMember(p.Member)
	case channel.PresenceLeave:
		r.memberLeft(p.Member.ParticipantID)
	case channel.PresenceSync:
		present := make(map[string]bool, len(p.Members))
		for _, m := range p.Members {
			present[m.ParticipantID] = true
			r.addMember(m)
		}
		// A sync that no longer lists the host is host loss, even if the
		// individual leave event was dropped somewhere.
		if r.state.HostID != "" && !present[r.state.HostID] {
			r.abandon()
		}
	}
}

func (r *Reducer) addMember(m channel.Member) {
	for i := range r.state.Participants {
		if r.state.Participants[i].ID == m.ParticipantID {
			return
		}
	}
	r.state.Participants = append(r.state.Participants, duel.Participant{
		ID:          m.ParticipantID,
		DisplayName: m.DisplayName,
		Score:       m.Score,
		HasAnswered: m.HasAnswered,
	})
}

func (r *Reducer) memberLeft(id string) {
	if id == r.state.HostID {
		r.abandon()
		return
	}
	if r.state.Status != duel.StatusWaiting {
		// Mid-match the roster is part of the score board; a departed
		// player just stops answering.
		return
	}
	for i := range r.state.Participants {
		if r.state.Participants[i].ID == id {
			r.state.Participants = append(r.state.Participants[:i], r.state.Participants[i+1:]...)
			return
		}
	}
}

// abandon marks the match terminated by host loss. Peers surface this as
// an ended match rather than hanging on a stalled room.
func (r *Reducer) abandon() {
	if r.state.Status == duel.StatusFinished {
		return
	}
	r.state.Abandoned = true
	r.state.Status = duel.StatusFinished
	r.state.AnswerOpen = false

	log.Info().Str("room_code", r.state.RoomCode).Msg("host lost, match abandoned")
}

func (r *Reducer) applyMessage(msg *duel.Message) {
	key, err := msg.Key()
	if err != nil {
		log.Warn().Err(err).Str("room_code", r.state.RoomCode).Msg("undecodable broadcast, dropping")
		return
	}
	if _, dup := r.seen[key]; dup {
		return
	}
	r.seen[key] = struct{}{}

	payload, err := msg.Payload()
	if err != nil {
		log.Warn().Err(err).Str("room_code", r.state.RoomCode).Msg("malformed broadcast payload, dropping")
		return
	}

	switch p := payload.(type) {
	case duel.CountdownPayload:
		if r.state.Status == duel.StatusWaiting || r.state.Status == duel.StatusCountdown {
			r.state.Status = duel.StatusCountdown
			r.state.CountdownCount = p.Count
		}

	case duel.GameUpdatePayload:
		r.applySnapshot(p.Snapshot)

	case duel.ShowNumberPayload:
		if msg.ProblemIndex < r.state.CurrentProblemIndex {
			return // stale problem
		}
		r.advanceTo(msg.ProblemIndex)
		for len(r.state.Shown) <= p.StepIndex {
			r.state.Shown = append(r.state.Shown, 0)
		}
		r.state.Shown[p.StepIndex] = p.Value
		if r.state.Status == duel.StatusCountdown {
			r.state.Status = duel.StatusPlaying
		}

	case duel.ProblemDonePayload:
		if msg.ProblemIndex < r.state.CurrentProblemIndex {
			return
		}
		r.advanceTo(msg.ProblemIndex)
		v := p.CorrectAnswer
		r.state.CorrectAnswer = &v
		r.state.AnswerOpen = true

	case duel.PlayerAnsweredPayload:
		if msg.ProblemIndex < r.state.CurrentProblemIndex || r.state.Status == duel.StatusFinished {
			// Any snapshot that moved past this problem already carries
			// the score; folding the late result would count it twice.
			return
		}
		part := r.ensureParticipant(p.ParticipantID)
		part.Score += p.PointsAwarded
		part.HasAnswered = true

	case duel.GameFinishedPayload:
		r.state.Status = duel.StatusFinished
		r.state.WinnerID = p.WinnerID
		r.state.AnswerOpen = false

	case duel.AnswerPayload:
		// Submissions are the host's concern; peers only reflect the
		// host's player_answered verdicts.

	default:
		log.Warn().Str("type", string(msg.Type)).Msg("unhandled broadcast type")
	}
}

// applySnapshot overwrites the projection with the host's authoritative
// refresh. Identical replays land on identical state.
func (r *Reducer) applySnapshot(snap duel.Snapshot) {
	if r.state.Abandoned {
		return
	}
	if snap.CurrentProblemIndex != r.state.CurrentProblemIndex {
		r.resetProblemLocked()
		r.state.CurrentProblemIndex = snap.CurrentProblemIndex
	}
	r.state.Status = snap.Status
	r.state.HostID = snap.HostID
	r.state.ProblemCount = snap.ProblemCount
	r.state.Participants = append([]duel.Participant(nil), snap.Participants...)
	if snap.Status == duel.StatusFinished {
		r.state.AnswerOpen = false
	}
}

// advanceTo moves the projection to a later problem when its broadcasts
// arrive ahead of the snapshot refresh.
func (r *Reducer) advanceTo(problemIndex int) {
	if problemIndex <= r.state.CurrentProblemIndex {
		return
	}
	r.resetProblemLocked()
	r.state.CurrentProblemIndex = problemIndex
	for i := range r.state.Participants {
		r.state.Participants[i].HasAnswered = false
	}
}

func (r *Reducer) resetProblemLocked() {
	r.state.Shown = nil
	r.state.CorrectAnswer = nil
	r.state.AnswerOpen = false
}

func (r *Reducer) ensureParticipant(id string) *duel.Participant {
	for i := range r.state.Participants {
		if r.state.Participants[i].ID == id {
			return &r.state.Participants[i]
		}
	}
	r.state.Participants = append(r.state.Participants, duel.Participant{ID: id})
	return &r.state.Participants[len(r.state.Participants)-1]
}
