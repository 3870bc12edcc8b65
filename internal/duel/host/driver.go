// Package host runs the authoritative side of a duel: the timed loop that
// generates problems, paces their broadcast, scores answers exactly once
// per problem per player, and declares the winner. It runs only on the
// host participant's client; every other component treats its broadcasts
// as read-only truth.
package host

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/anzanlive/duel/internal/duel"
	"github.com/anzanlive/duel/internal/duel/channel"
	"github.com/anzanlive/duel/internal/walk"
)

var (
	// ErrNotEnoughPlayers is returned when start is requested with fewer
	// than two players present.
	ErrNotEnoughPlayers = errors.New("at least two players required to start")

	// ErrAlreadyStarted is returned when start is requested after the
	// match left the waiting state.
	ErrAlreadyStarted = errors.New("match already started")
)

// Config holds the match parameters fixed at room creation.
type Config struct {
	RoomCode          string
	ProblemCount      int
	TermsPerProblem   int
	CountdownTicks    int
	CountdownInterval time.Duration
	StepInterval      time.Duration
	AnswerGrace       time.Duration
	PointsPerAnswer   int
}

// DefaultConfig returns the standard match parameters.
func DefaultConfig(roomCode string) Config {
	return Config{
		RoomCode:          roomCode,
		ProblemCount:      5,
		TermsPerProblem:   5,
		CountdownTicks:    3,
		CountdownInterval: time.Second,
		StepInterval:      time.Second,
		AnswerGrace:       5 * time.Second,
		PointsPerAnswer:   10,
	}
}

// Generator yields the next problem for a match. *walk.Generator is the
// production implementation.
type Generator interface {
	Generate(terms int) walk.Problem
}

type phase int

const (
	phaseWaiting phase = iota
	phaseCountdown
	phaseSteps
	phaseAnswers
	phaseDone
)

// Driver is the host-side match loop. It is the sole writer of scores and
// the current problem index; everything it decides reaches peers as
// broadcasts. One Driver owns one room and runs as a single sequential
// timer-driven goroutine, so no two problems or steps are ever in flight
// at once and no locks are needed around match state.
type Driver struct {
	cfg     Config
	clock   clockwork.Clock
	gen     Generator
	session channel.Session
	hostID  string

	startCh chan chan error

	phase              phase
	countdownRemaining int
	currentIdx         int
	problem            walk.Problem
	stepIdx            int
	answered           map[string]bool
	updateSeq          int

	order        []string
	participants map[string]*duel.Participant
}

// NewDriver creates a host driver for a room the host has already joined.
func NewDriver(cfg Config, session channel.Session, gen Generator, self channel.Member, clock clockwork.Clock) *Driver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	d := &Driver{
		cfg:          cfg,
		clock:        clock,
		gen:          gen,
		session:      session,
		hostID:       self.ParticipantID,
		startCh:      make(chan chan error),
		phase:        phaseWaiting,
		answered:     make(map[string]bool),
		participants: make(map[string]*duel.Participant),
	}
	d.addParticipant(self)
	return d
}

// RequestStart asks the running loop to begin the countdown. It fails if
// fewer than two players are present or the match already started.
func (d *Driver) RequestStart(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case d.startCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the match until it finishes or ctx is canceled. Canceling
// ctx abandons the match: the loop stops broadcasting and peers detect
// host loss through presence.
func (d *Driver) Run(ctx context.Context) error {
	timer := d.clock.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.Chan()
	}

	log.Info().
		Str("room_code", d.cfg.RoomCode).
		Str("host_id", d.hostID).
		Int("problem_count", d.cfg.ProblemCount).
		Msg("host driver started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("room_code", d.cfg.RoomCode).Msg("host driver canceled, match abandoned")
			return nil
		case reply := <-d.startCh:
			reply <- d.handleStart(ctx, timer)
		case ev, ok := <-d.session.Events():
			if !ok {
				log.Info().Str("room_code", d.cfg.RoomCode).Msg("channel closed, host driver stopping")
				return nil
			}
			d.handleEvent(ctx, ev, timer)
		case <-timer.Chan():
			d.handleTimer(ctx, timer)
		}

		if d.phase == phaseDone {
			return nil
		}
	}
}

func (d *Driver) handleStart(ctx context.Context, timer clockwork.Timer) error {
	if d.phase != phaseWaiting {
		return ErrAlreadyStarted
	}
	if d.playerCount() < 2 {
		return ErrNotEnoughPlayers
	}

	d.phase = phaseCountdown
	d.countdownRemaining = d.cfg.CountdownTicks

	// The timer is always armed before the matching broadcast goes out, so
	// the phase a peer observes is never ahead of the host's own schedule.
	timer.Reset(d.cfg.CountdownInterval)
	d.publishSnapshot(ctx, duel.StatusCountdown)
	d.publishCountdown(ctx, d.countdownRemaining)
	return nil
}

func (d *Driver) handleTimer(ctx context.Context, timer clockwork.Timer) {
	switch d.phase {
	case phaseCountdown:
		d.countdownRemaining--
		if d.countdownRemaining > 0 {
			timer.Reset(d.cfg.CountdownInterval)
			d.publishCountdown(ctx, d.countdownRemaining)
			return
		}
		d.publishCountdown(ctx, 0)
		d.currentIdx = 0
		d.beginProblem(ctx, timer)

	case phaseSteps:
		if d.stepIdx < len(d.problem.Steps) {
			step := d.problem.Steps[d.stepIdx]
			d.stepIdx++
			timer.Reset(d.cfg.StepInterval)
			d.publishShowNumber(ctx, step, d.stepIdx)
			return
		}
		d.phase = phaseAnswers
		timer.Reset(d.cfg.AnswerGrace)
		d.publish(ctx, duel.MessageProblemDone, d.currentIdx, 0, duel.ProblemDonePayload{CorrectAnswer: d.problem.Answer})

	case phaseAnswers:
		// Grace period elapsed; whoever has not answered forfeits.
		d.closeProblem(ctx, timer)

	default:
		log.Warn().Str("room_code", d.cfg.RoomCode).Int("phase", int(d.phase)).Msg("stray timer fire, ignoring")
	}
}

func (d *Driver) beginProblem(ctx context.Context, timer clockwork.Timer) {
	d.problem = d.gen.Generate(d.cfg.TermsPerProblem)
	d.stepIdx = 0
	d.answered = make(map[string]bool)
	for _, p := range d.participants {
		p.HasAnswered = false
	}
	d.phase = phaseSteps

	log.Info().
		Str("room_code", d.cfg.RoomCode).
		Int("problem_index", d.currentIdx).
		Int("terms", len(d.problem.Steps)).
		Msg("problem generated")

	timer.Reset(d.cfg.StepInterval)
	d.publishSnapshot(ctx, duel.StatusPlaying)
	d.publishShowNumber(ctx, d.problem.InitialValue, 0)
}

func (d *Driver) closeProblem(ctx context.Context, timer clockwork.Timer) {
	// When the last answer closes the problem, a grace expiry may already
	// have fired into the timer channel; clear it so the next problem's
	// first step keeps its cadence instead of broadcasting immediately.
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}

	d.currentIdx++
	if d.currentIdx < d.cfg.ProblemCount {
		d.beginProblem(ctx, timer)
		return
	}
	d.finish(ctx)
}

func (d *Driver) finish(ctx context.Context) {
	d.phase = phaseDone
	winnerID := d.winnerID()

	d.publishSnapshot(ctx, duel.StatusFinished)
	d.publish(ctx, duel.MessageGameFinished, d.currentIdx, 0, duel.GameFinishedPayload{WinnerID: winnerID})

	log.Info().
		Str("room_code", d.cfg.RoomCode).
		Str("winner_id", winnerID).
		Msg("match finished")
}

// winnerID picks the player with the strictly higher score. Equal scores
// resolve to the host; the asymmetry is kept from the original rules and
// is deliberate, not random.
func (d *Driver) winnerID() string {
	winner := d.hostID
	best := -1
	if host, ok := d.participants[d.hostID]; ok {
		best = host.Score
	}
	for _, id := range d.order {
		p := d.participants[id]
		if p.Role != duel.RolePlayer || id == d.hostID {
			continue
		}
		if p.Score > best {
			best = p.Score
			winner = id
		}
	}
	return winner
}

func (d *Driver) handleEvent(ctx context.Context, ev channel.Event, timer clockwork.Timer) {
	switch {
	case ev.Presence != nil:
		d.handlePresence(ev.Presence)
	case ev.Message != nil:
		if ev.Message.Type != duel.MessageAnswer {
			// Our own broadcasts come back to us; the host's view of the
			// match is already authoritative.
			return
		}
		d.handleAnswer(ctx, ev.Message, timer)
	}
}

func (d *Driver) handlePresence(p *channel.PresenceEvent) {
	switch p.Kind {
	case channel.PresenceJoin:
		d.addParticipant(p.Member)
	case channel.PresenceSync:
		for _, m := range p.Members {
			d.addParticipant(m)
		}
	case channel.PresenceLeave:
		d.removeParticipant(p.Member.ParticipantID)
	}
}

func (d *Driver) addParticipant(m channel.Member) {
	if _, known := d.participants[m.ParticipantID]; known {
		return
	}
	role := duel.RoleSpectator
	if d.playerCount() < 2 {
		role = duel.RolePlayer
	}
	d.participants[m.ParticipantID] = &duel.Participant{
		ID:          m.ParticipantID,
		DisplayName: m.DisplayName,
		Role:        role,
	}
	d.order = append(d.order, m.ParticipantID)

	log.Info().
		Str("room_code", d.cfg.RoomCode).
		Str("participant_id", m.ParticipantID).
		Str("role", string(role)).
		Msg("participant joined")
}

// removeParticipant drops a participant from the roster. Once the match
// has started, players stay on the roster so their scores survive a
// disconnect; they simply forfeit problems they are absent for.
func (d *Driver) removeParticipant(id string) {
	p, known := d.participants[id]
	if !known {
		return
	}
	if d.phase != phaseWaiting && p.Role == duel.RolePlayer {
		log.Info().
			Str("room_code", d.cfg.RoomCode).
			Str("participant_id", id).
			Msg("player left mid-match, keeping roster entry")
		return
	}
	delete(d.participants, id)
	for i, oid := range d.order {
		if oid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *Driver) handleAnswer(ctx context.Context, msg *duel.Message, timer clockwork.Timer) {
	payload, err := msg.Payload()
	if err != nil {
		// Malformed submissions never crash the loop.
		log.Warn().Err(err).Str("room_code", d.cfg.RoomCode).Msg("malformed answer, ignoring")
		return
	}
	answer := payload.(duel.AnswerPayload)

	if d.phase != phaseAnswers || answer.ProblemIndex != d.currentIdx {
		// Stale: the window for that problem is not open.
		return
	}
	p, known := d.participants[answer.ParticipantID]
	if !known || p.Role != duel.RolePlayer {
		// Spectators are welcome to shout the answer; nobody is listening.
		return
	}
	if d.answered[answer.ParticipantID] {
		// Duplicate delivery or a second submission; the first one stands.
		return
	}

	d.answered[answer.ParticipantID] = true
	p.HasAnswered = true

	correct := answer.Value == d.problem.Answer
	points := 0
	if correct {
		points = d.cfg.PointsPerAnswer
		p.Score += points
	}

	log.Info().
		Str("room_code", d.cfg.RoomCode).
		Str("participant_id", answer.ParticipantID).
		Int("problem_index", answer.ProblemIndex).
		Bool("correct", correct).
		Int("points", points).
		Msg("answer scored")

	d.publish(ctx, duel.MessagePlayerAnswered, d.currentIdx, 0, duel.PlayerAnsweredPayload{
		ParticipantID: answer.ParticipantID,
		PointsAwarded: points,
		IsCorrect:     correct,
	})

	if d.allPlayersAnswered() {
		d.closeProblem(ctx, timer)
	}
}

func (d *Driver) playerCount() int {
	n := 0
	for _, p := range d.participants {
		if p.Role == duel.RolePlayer {
			n++
		}
	}
	return n
}

func (d *Driver) allPlayersAnswered() bool {
	for _, p := range d.participants {
		if p.Role == duel.RolePlayer && !d.answered[p.ID] {
			return false
		}
	}
	return true
}

func (d *Driver) snapshot(status duel.Status) duel.Snapshot {
	parts := make([]duel.Participant, 0, len(d.order))
	for _, id := range d.order {
		parts = append(parts, *d.participants[id])
	}
	return duel.Snapshot{
		RoomCode:            d.cfg.RoomCode,
		Status:              status,
		HostID:              d.hostID,
		ProblemCount:        d.cfg.ProblemCount,
		CurrentProblemIndex: d.currentIdx,
		Participants:        parts,
	}
}

func (d *Driver) publishSnapshot(ctx context.Context, status duel.Status) {
	d.updateSeq++
	d.publish(ctx, duel.MessageGameUpdate, d.currentIdx, d.updateSeq, duel.GameUpdatePayload{Snapshot: d.snapshot(status)})
}

func (d *Driver) publishCountdown(ctx context.Context, count int) {
	d.publish(ctx, duel.MessageCountdown, 0, count, duel.CountdownPayload{Count: count})
}

func (d *Driver) publishShowNumber(ctx context.Context, value, stepIdx int) {
	d.publish(ctx, duel.MessageShowNumber, d.currentIdx, stepIdx, duel.ShowNumberPayload{Value: value, StepIndex: stepIdx})
}

func (d *Driver) publish(ctx context.Context, t duel.MessageType, problemIndex, ordinal int, payload any) {
	msg, err := duel.NewMessage(d.cfg.RoomCode, t, d.hostID, problemIndex, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to build broadcast")
		return
	}
	msg.Ordinal = ordinal
	if err := d.session.Publish(ctx, msg); err != nil {
		log.Error().Err(err).Str("type", string(t)).Str("room_code", d.cfg.RoomCode).Msg("failed to publish broadcast")
	}
}
