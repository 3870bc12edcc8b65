package host

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/anzanlive/duel/internal/duel"
	"github.com/anzanlive/duel/internal/duel/channel"
	"github.com/anzanlive/duel/internal/duel/view"
	"github.com/anzanlive/duel/internal/walk"
)

const (
	testRoomCode = "ROOM01"
	testHostID   = "host-1"
	testGuestID  = "guest-1"
)

// fixedGenerator returns scripted problems so tests control every value
// shown on the wire.
type fixedGenerator struct {
	problems []walk.Problem
	next     int
}

func (g *fixedGenerator) Generate(terms int) walk.Problem {
	p := g.problems[g.next%len(g.problems)]
	g.next++
	return p
}

type DriverTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc

	mem       *channel.Memory
	clock     *clockwork.FakeClock
	hostSess  channel.Session
	guestSess channel.Session
	reducer   *view.Reducer

	driver *Driver
	done   chan error
}

func (s *DriverTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mem = channel.NewMemory()
	s.clock = clockwork.NewFakeClock()
	s.reducer = view.New(testRoomCode)
	s.done = make(chan error, 1)
}

func (s *DriverTestSuite) TearDownTest() {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		s.FailNow("driver did not stop")
	}
}

// startMatch joins host and guest, boots the driver, and requests start.
func (s *DriverTestSuite) startMatch(cfg Config, problems []walk.Problem) {
	hostMember := channel.Member{ParticipantID: testHostID, DisplayName: "Aiko"}
	guestMember := channel.Member{ParticipantID: testGuestID, DisplayName: "Ben"}

	var err error
	s.hostSess, err = s.mem.Join(s.ctx, testRoomCode, hostMember)
	s.Require().NoError(err)
	s.guestSess, err = s.mem.Join(s.ctx, testRoomCode, guestMember)
	s.Require().NoError(err)

	s.driver = NewDriver(cfg, s.hostSess, &fixedGenerator{problems: problems}, hostMember, s.clock)
	go func() { s.done <- s.driver.Run(s.ctx) }()

	// The guest's join event races the start request inside the loop, so
	// retry until the roster has two players.
	s.Require().Eventually(func() bool {
		return s.driver.RequestStart(s.ctx) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

// next reads guest-side events, feeding every one through the reducer the
// way a real client would, until a broadcast of the wanted type arrives.
func (s *DriverTestSuite) next(typ duel.MessageType) duel.Message {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.guestSess.Events():
			s.Require().True(ok, "guest session closed while waiting for %s", typ)
			s.reducer.Apply(ev)
			if ev.Message != nil && ev.Message.Type == typ {
				return *ev.Message
			}
		case <-deadline:
			s.FailNowf("timeout", "no %s broadcast arrived", typ)
		}
	}
}

func (s *DriverTestSuite) payload(msg duel.Message) any {
	p, err := msg.Payload()
	s.Require().NoError(err)
	return p
}

func (s *DriverTestSuite) submitAnswer(sess channel.Session, participantID string, problemIndex, value int) {
	msg, err := duel.NewMessage(testRoomCode, duel.MessageAnswer, participantID, problemIndex, duel.AnswerPayload{
		ParticipantID: participantID,
		ProblemIndex:  problemIndex,
		Value:         value,
	})
	s.Require().NoError(err)
	s.Require().NoError(sess.Publish(s.ctx, msg))
}

// playProblem walks the guest through countdown-free problem pacing: the
// initial value, each step at the cadence, then the answer window opening.
func (s *DriverTestSuite) playProblem(cfg Config, p walk.Problem) {
	first := s.next(duel.MessageShowNumber)
	shown := s.payload(first).(duel.ShowNumberPayload)
	s.Equal(p.InitialValue, shown.Value)
	s.Equal(0, shown.StepIndex)

	for i, step := range p.Steps {
		s.clock.Advance(cfg.StepInterval)
		shown = s.payload(s.next(duel.MessageShowNumber)).(duel.ShowNumberPayload)
		s.Equal(step, shown.Value)
		s.Equal(i+1, shown.StepIndex)
	}

	s.clock.Advance(cfg.StepInterval)
	done := s.payload(s.next(duel.MessageProblemDone)).(duel.ProblemDonePayload)
	s.Equal(p.Answer, done.CorrectAnswer)
}

func (s *DriverTestSuite) runCountdown(cfg Config) {
	tick := s.payload(s.next(duel.MessageCountdown)).(duel.CountdownPayload)
	s.Equal(cfg.CountdownTicks, tick.Count)
	for want := cfg.CountdownTicks - 1; want >= 0; want-- {
		s.clock.Advance(cfg.CountdownInterval)
		tick = s.payload(s.next(duel.MessageCountdown)).(duel.CountdownPayload)
		s.Equal(want, tick.Count)
	}
}

// TestFullMatch is the end-to-end scenario: one problem, walk 4 +3 -5 +2,
// answer 4. A answers correctly first, B answers 7: A scores 10, B scores
// 0, and A is named winner.
func (s *DriverTestSuite) TestFullMatch() {
	cfg := DefaultConfig(testRoomCode)
	cfg.ProblemCount = 1
	cfg.TermsPerProblem = 3
	problem := walk.Problem{InitialValue: 4, Steps: []int{3, -5, 2}, Answer: 4}

	s.startMatch(cfg, []walk.Problem{problem})
	s.runCountdown(cfg)
	s.playProblem(cfg, problem)

	s.submitAnswer(s.hostSess, testHostID, 0, 4)
	verdict := s.payload(s.next(duel.MessagePlayerAnswered)).(duel.PlayerAnsweredPayload)
	s.Equal(testHostID, verdict.ParticipantID)
	s.True(verdict.IsCorrect)
	s.Equal(10, verdict.PointsAwarded)

	s.submitAnswer(s.guestSess, testGuestID, 0, 7)
	verdict = s.payload(s.next(duel.MessagePlayerAnswered)).(duel.PlayerAnsweredPayload)
	s.Equal(testGuestID, verdict.ParticipantID)
	s.False(verdict.IsCorrect)
	s.Equal(0, verdict.PointsAwarded)

	finished := s.payload(s.next(duel.MessageGameFinished)).(duel.GameFinishedPayload)
	s.Equal(testHostID, finished.WinnerID)

	state := s.reducer.State()
	s.Equal(duel.StatusFinished, state.Status)
	s.Equal(testHostID, state.WinnerID)
	s.Equal(10, state.Player(testHostID).Score)
	s.Equal(0, state.Player(testGuestID).Score)

	s.NoError(<-s.done)
	s.done <- nil // keep teardown happy
}

// drain pumps whatever guest events are ready into the reducer.
func (s *DriverTestSuite) drain() {
	for {
		select {
		case ev, ok := <-s.guestSess.Events():
			if !ok {
				return
			}
			s.reducer.Apply(ev)
		default:
			return
		}
	}
}

// TestAtMostOnceScoring submits the same correct answer repeatedly, with
// the channel also duplicating every delivery. Exactly one increment lands
// per player, and the duplicated broadcasts replay cleanly through the
// reducer.
func (s *DriverTestSuite) TestAtMostOnceScoring() {
	cfg := DefaultConfig(testRoomCode)
	cfg.ProblemCount = 1
	cfg.TermsPerProblem = 2
	problem := walk.Problem{InitialValue: 2, Steps: []int{5, -3}, Answer: 4}

	s.mem.SetDuplicates(1) // every broadcast is delivered twice
	s.startMatch(cfg, []walk.Problem{problem})

	// Advance the clock one cadence at a time until the answer window
	// opens; strict sequence reads are pointless under duplication.
	s.Require().Eventually(func() bool {
		s.drain()
		if s.reducer.State().AnswerOpen {
			return true
		}
		s.clock.Advance(cfg.StepInterval)
		return false
	}, 5*time.Second, 20*time.Millisecond)

	s.submitAnswer(s.guestSess, testGuestID, 0, 4)
	s.submitAnswer(s.guestSess, testGuestID, 0, 4)
	s.submitAnswer(s.hostSess, testHostID, 0, 4)

	// Both players answered, so the match closes without waiting out the
	// grace period.
	s.Require().Eventually(func() bool {
		s.drain()
		return s.reducer.State().Status == duel.StatusFinished
	}, 2*time.Second, 20*time.Millisecond)

	state := s.reducer.State()
	s.Equal(10, state.Player(testGuestID).Score, "duplicate submissions must score once")
	s.Equal(10, state.Player(testHostID).Score)
	s.Equal(4, state.RunningTotal())
}

// TestGraceExpiryAdvances proves a silent participant forfeits the problem
// but the match still completes.
func (s *DriverTestSuite) TestGraceExpiryAdvances() {
	cfg := DefaultConfig(testRoomCode)
	cfg.ProblemCount = 1
	cfg.TermsPerProblem = 2
	problem := walk.Problem{InitialValue: 1, Steps: []int{4, 3}, Answer: 8}

	s.startMatch(cfg, []walk.Problem{problem})
	s.runCountdown(cfg)
	s.playProblem(cfg, problem)

	s.submitAnswer(s.hostSess, testHostID, 0, 8)
	s.next(duel.MessagePlayerAnswered)

	// Guest never answers; the grace period resolves the problem.
	s.clock.Advance(cfg.AnswerGrace)
	finished := s.payload(s.next(duel.MessageGameFinished)).(duel.GameFinishedPayload)
	s.Equal(testHostID, finished.WinnerID)

	state := s.reducer.State()
	s.Equal(10, state.Player(testHostID).Score)
	s.Equal(0, state.Player(testGuestID).Score)
}

// TestTieResolvesToHost plays two problems both players ace. Equal scores
// resolve to the host deterministically.
func (s *DriverTestSuite) TestTieResolvesToHost() {
	cfg := DefaultConfig(testRoomCode)
	cfg.ProblemCount = 2
	cfg.TermsPerProblem = 2
	problems := []walk.Problem{
		{InitialValue: 3, Steps: []int{4, -2}, Answer: 5},
		{InitialValue: 6, Steps: []int{-4, 7}, Answer: 9},
	}

	s.startMatch(cfg, problems)
	s.runCountdown(cfg)

	for idx, p := range problems {
		s.playProblem(cfg, p)
		s.submitAnswer(s.hostSess, testHostID, idx, p.Answer)
		s.next(duel.MessagePlayerAnswered)
		s.submitAnswer(s.guestSess, testGuestID, idx, p.Answer)
		s.next(duel.MessagePlayerAnswered)
	}

	finished := s.payload(s.next(duel.MessageGameFinished)).(duel.GameFinishedPayload)
	s.Equal(testHostID, finished.WinnerID, "tie must resolve to the host")

	state := s.reducer.State()
	s.Equal(20, state.Player(testHostID).Score)
	s.Equal(20, state.Player(testGuestID).Score)
}

// TestStaleAnswerIgnored submits for an already-closed problem index.
func (s *DriverTestSuite) TestStaleAnswerIgnored() {
	cfg := DefaultConfig(testRoomCode)
	cfg.ProblemCount = 2
	cfg.TermsPerProblem = 2
	problems := []walk.Problem{
		{InitialValue: 3, Steps: []int{4, -2}, Answer: 5},
		{InitialValue: 6, Steps: []int{-4, 7}, Answer: 9},
	}

	s.startMatch(cfg, problems)
	s.runCountdown(cfg)

	s.playProblem(cfg, problems[0])
	s.submitAnswer(s.hostSess, testHostID, 0, 5)
	s.next(duel.MessagePlayerAnswered)
	s.submitAnswer(s.guestSess, testGuestID, 0, 5)
	s.next(duel.MessagePlayerAnswered)

	s.playProblem(cfg, problems[1])
	// Late answer for problem 0 must be ignored; correct answer for the
	// open problem 1 still scores.
	s.submitAnswer(s.guestSess, testGuestID, 0, 5)
	s.submitAnswer(s.guestSess, testGuestID, 1, 9)
	verdict := s.payload(s.next(duel.MessagePlayerAnswered)).(duel.PlayerAnsweredPayload)
	s.Equal(testGuestID, verdict.ParticipantID)
	s.True(verdict.IsCorrect)

	s.clock.Advance(cfg.AnswerGrace)
	s.next(duel.MessageGameFinished)

	state := s.reducer.State()
	s.Equal(20, state.Player(testGuestID).Score)
	s.Equal(10, state.Player(testHostID).Score)
	s.Equal(testGuestID, state.WinnerID)
}

// TestSpectatorNeverScored has a third joiner answer first; the host
// ignores it and the spectator stays at zero.
func (s *DriverTestSuite) TestSpectatorNeverScored() {
	cfg := DefaultConfig(testRoomCode)
	cfg.ProblemCount = 1
	cfg.TermsPerProblem = 2
	problem := walk.Problem{InitialValue: 2, Steps: []int{3, 4}, Answer: 9}

	s.startMatch(cfg, []walk.Problem{problem})

	spectatorID := "late-3"
	specSess, err := s.mem.Join(s.ctx, testRoomCode, channel.Member{ParticipantID: spectatorID, DisplayName: "Cleo"})
	s.Require().NoError(err)
	defer specSess.Leave(s.ctx)

	s.runCountdown(cfg)
	s.playProblem(cfg, problem)

	s.submitAnswer(specSess, spectatorID, 0, 9)
	s.submitAnswer(s.hostSess, testHostID, 0, 9)
	verdict := s.payload(s.next(duel.MessagePlayerAnswered)).(duel.PlayerAnsweredPayload)
	s.Equal(testHostID, verdict.ParticipantID, "spectator answer must not be scored")

	s.submitAnswer(s.guestSess, testGuestID, 0, 9)
	s.next(duel.MessagePlayerAnswered)
	s.next(duel.MessageGameFinished)

	state := s.reducer.State()
	s.Equal(0, state.Player(spectatorID).Score)
}

// TestStartRefusedWithoutOpponent exercises the client-side refusal while
// fewer than two players are present.
func (s *DriverTestSuite) TestStartRefusedWithoutOpponent() {
	hostMember := channel.Member{ParticipantID: testHostID, DisplayName: "Aiko"}
	sess, err := s.mem.Join(s.ctx, testRoomCode, hostMember)
	s.Require().NoError(err)
	s.hostSess = sess

	s.driver = NewDriver(DefaultConfig(testRoomCode), sess, &fixedGenerator{problems: []walk.Problem{{InitialValue: 1, Answer: 1}}}, hostMember, s.clock)
	go func() { s.done <- s.driver.Run(s.ctx) }()

	err = s.driver.RequestStart(s.ctx)
	s.ErrorIs(err, ErrNotEnoughPlayers)
}

// TestLateAnswersClearPendingGraceFire drives the loop handlers by hand:
// the grace expiry fires while the closing answers are still queued, and
// the next problem's first step must still wait a full step interval.
func (s *DriverTestSuite) TestLateAnswersClearPendingGraceFire() {
	s.done <- nil // no Run goroutine in this test

	cfg := DefaultConfig(testRoomCode)
	cfg.ProblemCount = 2
	cfg.TermsPerProblem = 1
	problems := []walk.Problem{
		{InitialValue: 4, Steps: []int{3}, Answer: 7},
		{InitialValue: 2, Steps: []int{5}, Answer: 7},
	}

	hostMember := channel.Member{ParticipantID: testHostID, DisplayName: "Aiko"}
	var err error
	s.hostSess, err = s.mem.Join(s.ctx, testRoomCode, hostMember)
	s.Require().NoError(err)

	d := NewDriver(cfg, s.hostSess, &fixedGenerator{problems: problems}, hostMember, s.clock)
	d.addParticipant(channel.Member{ParticipantID: testGuestID, DisplayName: "Ben"})

	timer := s.clock.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.Chan()
	}
	fire := func(dur time.Duration) {
		s.clock.Advance(dur)
		<-timer.Chan()
		d.handleTimer(s.ctx, timer)
	}

	s.Require().NoError(d.handleStart(s.ctx, timer))
	for i := 0; i < cfg.CountdownTicks; i++ {
		fire(cfg.CountdownInterval)
	}
	fire(cfg.StepInterval) // the single step of problem 0
	fire(cfg.StepInterval) // answer window opens, grace armed

	// The grace expiry fires first, but both answers are handled before
	// the loop would see it.
	s.clock.Advance(cfg.AnswerGrace)
	answer := func(id string) duel.Message {
		msg, err := duel.NewMessage(testRoomCode, duel.MessageAnswer, id, 0, duel.AnswerPayload{
			ParticipantID: id,
			ProblemIndex:  0,
			Value:         7,
		})
		s.Require().NoError(err)
		return msg
	}
	hostMsg := answer(testHostID)
	guestMsg := answer(testGuestID)
	d.handleAnswer(s.ctx, &hostMsg, timer)
	d.handleAnswer(s.ctx, &guestMsg, timer)

	s.Equal(1, d.currentIdx, "second answer must close problem 0")
	select {
	case <-timer.Chan():
		s.Fail("stale grace fire still pending after early close")
	default:
	}

	// Problem 1 keeps its cadence: the next step arrives only after a
	// full step interval.
	fire(cfg.StepInterval)
	s.Equal(1, d.stepIdx)
}

func TestDriverTestSuite(t *testing.T) {
	suite.Run(t, new(DriverTestSuite))
}
