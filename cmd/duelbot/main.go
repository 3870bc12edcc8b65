// duelbot is a headless room participant. In host mode it opens a room
// and referees a full match; in guest mode it joins an existing room and
// plays it, answering from the numbers it saw on the channel. Two bots
// against each other exercise the whole pipeline without a browser.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/anzanlive/duel/internal/config"
	"github.com/anzanlive/duel/internal/duel"
	"github.com/anzanlive/duel/internal/duel/channel"
	"github.com/anzanlive/duel/internal/duel/host"
	"github.com/anzanlive/duel/internal/duel/view"
	"github.com/anzanlive/duel/internal/walk"
)

func main() {
	mode := flag.String("mode", "guest", "host or guest")
	roomCode := flag.String("room", "", "room code (generated in host mode when empty)")
	name := flag.String("name", "", "display name (generated when empty)")
	accuracy := flag.Float64("accuracy", 1.0, "probability of answering correctly")
	think := flag.Duration("think", 500*time.Millisecond, "delay before answering")
	seed := flag.Int64("seed", 0, "problem generator seed, 0 for random (host mode)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	natsCfg := channel.DefaultNATSConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.StreamName = cfg.NATS.StreamName
	natsCfg.SubjectPrefix = cfg.NATS.SubjectRoot

	roomChannel, err := channel.NewNATS(natsCfg, clockwork.NewRealClock())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect room channel")
	}
	defer roomChannel.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "host":
		code := *roomCode
		if code == "" {
			code = duel.NewRoomCode()
		}
		runHost(ctx, roomChannel, cfg, code, displayName(*name, "host"), *seed)
	case "guest":
		if *roomCode == "" {
			log.Fatal().Msg("-room is required in guest mode")
		}
		runGuest(ctx, roomChannel, *roomCode, displayName(*name, "guest"), *accuracy, *think)
	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}
}

// runHost opens the room, waits for an opponent and referees the match to
// the end.
func runHost(ctx context.Context, ch channel.Channel, cfg config.Config, roomCode, name string, seed int64) {
	self := channel.Member{ParticipantID: uuid.New().String(), DisplayName: name}

	session, err := ch.Join(ctx, roomCode, self)
	if err != nil {
		log.Fatal().Err(err).Str("room_code", roomCode).Msg("failed to open room")
	}
	defer session.Leave(context.Background())

	log.Info().Str("room_code", roomCode).Str("name", name).Msg("room open, waiting for an opponent")

	gen := walk.New(&walk.Config{Seed: seed})

	hostCfg := host.Config{
		RoomCode:          roomCode,
		ProblemCount:      cfg.Match.ProblemCount,
		TermsPerProblem:   cfg.Match.TermsPerProblem,
		CountdownTicks:    cfg.Match.CountdownFrom,
		CountdownInterval: cfg.Match.CountdownInterval(),
		StepInterval:      cfg.Match.StepInterval(),
		AnswerGrace:       cfg.Match.AnswerGrace(),
		PointsPerAnswer:   cfg.Match.PointsPerProblem,
	}

	driver := host.NewDriver(hostCfg, session, gen, self, clockwork.NewRealClock())

	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx) }()

	// Keep asking until an opponent has joined; every other failure is
	// final.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
waitStart:
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-done:
			log.Fatal().Err(err).Msg("match loop ended before start")
		case <-ticker.C:
			err := driver.RequestStart(ctx)
			switch err {
			case nil:
				break waitStart
			case host.ErrNotEnoughPlayers:
				continue
			default:
				log.Fatal().Err(err).Msg("failed to start match")
			}
		}
	}

	log.Info().Str("room_code", roomCode).Msg("match started")
	if err := <-done; err != nil {
		log.Error().Err(err).Msg("match loop failed")
		return
	}
	log.Info().Str("room_code", roomCode).Msg("match complete")
}

// runGuest joins the room and plays: it folds every event into a local
// projection and answers once per problem when the answer window opens.
func runGuest(ctx context.Context, ch channel.Channel, roomCode, name string, accuracy float64, think time.Duration) {
	self := channel.Member{ParticipantID: uuid.New().String(), DisplayName: name}

	session, err := ch.Join(ctx, roomCode, self)
	if err != nil {
		log.Fatal().Err(err).Str("room_code", roomCode).Msg("failed to join room")
	}
	defer session.Leave(context.Background())

	log.Info().Str("room_code", roomCode).Str("name", name).Msg("joined room")

	reducer := view.New(roomCode)
	random := rand.New(rand.NewSource(time.Now().UnixNano()))
	answeredIdx := -1

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-session.Events():
			if !ok {
				log.Info().Str("room_code", roomCode).Msg("room channel closed")
				return
			}
			reducer.Apply(ev)
		}

		state := reducer.State()
		if state.Status == duel.StatusFinished {
			reportResult(state, self.ParticipantID)
			return
		}
		if !state.AnswerOpen || state.CurrentProblemIndex == answeredIdx {
			continue
		}

		answeredIdx = state.CurrentProblemIndex
		value := state.RunningTotal()
		if random.Float64() >= accuracy {
			value++ // deliberately wrong
		}

		time.Sleep(think)
		msg, err := duel.NewMessage(roomCode, duel.MessageAnswer, self.ParticipantID, state.CurrentProblemIndex, duel.AnswerPayload{
			ParticipantID: self.ParticipantID,
			ProblemIndex:  state.CurrentProblemIndex,
			Value:         value,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to build answer")
			continue
		}
		if err := session.Publish(ctx, msg); err != nil {
			log.Error().Err(err).Int("problem", state.CurrentProblemIndex).Msg("failed to submit answer")
			continue
		}
		log.Info().Int("problem", state.CurrentProblemIndex).Int("value", value).Msg("answered")
	}
}

func reportResult(state view.State, selfID string) {
	if state.Abandoned {
		log.Warn().Str("room_code", state.RoomCode).Msg("match abandoned, host lost")
		return
	}
	outcome := "lost"
	if state.WinnerID == selfID {
		outcome = "won"
	} else if state.WinnerID == "" {
		outcome = "finished"
	}
	ev := log.Info().Str("room_code", state.RoomCode).Str("outcome", outcome)
	for _, p := range state.Participants {
		ev = ev.Int(p.DisplayName, p.Score)
	}
	ev.Msg("match finished")
}

func displayName(flagValue, role string) string {
	if flagValue != "" {
		return flagValue
	}
	return role + "-" + uuid.New().String()[:8]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
