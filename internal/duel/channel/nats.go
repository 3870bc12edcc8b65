package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/anzanlive/duel/internal/duel"
)

// NATSConfig holds configuration for the NATS-backed channel.
type NATSConfig struct {
	URL               string
	StreamName        string
	SubjectPrefix     string
	MaxReconnects     int
	ReconnectWait     time.Duration
	MaxDeliver        int           // Max delivery attempts per broadcast
	AckWait           time.Duration // How long to wait for ack
	MaxAge            time.Duration // How long to keep broadcasts
	DuplicateWindow   time.Duration // Window for publish-side dedupe
	HeartbeatInterval time.Duration // Presence heartbeat cadence
	PresenceTTL       time.Duration // Missed-heartbeat window before a leave is synthesized
}

// DefaultNATSConfig returns default NATS channel configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               nats.DefaultURL,
		StreamName:        "DUEL_EVENTS",
		SubjectPrefix:     "duel",
		MaxReconnects:     -1, // Infinite
		ReconnectWait:     2 * time.Second,
		MaxDeliver:        5,
		AckWait:           30 * time.Second,
		MaxAge:            1 * time.Hour,
		DuplicateWindow:   2 * time.Minute,
		HeartbeatInterval: 2 * time.Second,
		PresenceTTL:       6 * time.Second,
	}
}

// NATS implements Channel over a NATS server: broadcasts ride a JetStream
// stream (at-least-once, publish-side MsgID dedupe), presence rides core
// NATS subjects with heartbeats. Leave is detected by an explicit leave
// frame or by heartbeat expiry.
type NATS struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	config NATSConfig
	clock  clockwork.Clock
}

// NewNATS connects to NATS and ensures the duel event stream exists.
func NewNATS(cfg NATSConfig, clock clockwork.Clock) (*NATS, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	c := &NATS{nc: nc, js: js, config: cfg, clock: clock}

	if err := c.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return c, nil
}

func (c *NATS) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        c.config.StreamName,
		Description: "Duel room broadcast stream",
		Subjects:    []string{fmt.Sprintf("%s.*.events", c.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      c.config.MaxAge,
		Storage:     jetstream.FileStorage,
		Duplicates:  c.config.DuplicateWindow,
	}

	stream, err := c.js.Stream(ctx, c.config.StreamName)
	if err != nil {
		stream, err = c.js.CreateStream(ctx, sc)
		if err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", c.config.StreamName).Msg("created JetStream stream")
	}

	c.stream = stream
	return nil
}

// Close tears down the NATS connection.
func (c *NATS) Close() error {
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}

func (c *NATS) eventsSubject(roomCode string) string {
	return fmt.Sprintf("%s.%s.events", c.config.SubjectPrefix, roomCode)
}

func (c *NATS) presenceSubject(roomCode string) string {
	return fmt.Sprintf("%s.%s.presence", c.config.SubjectPrefix, roomCode)
}

// presenceFrame is the wire format on the presence subject.
type presenceFrame struct {
	Kind   string `json:"kind"` // join | heartbeat | leave
	Member Member `json:"member"`
}

// natsSession is one participant's attachment to a room over NATS.
type natsSession struct {
	parent   *NATS
	roomCode string

	mu     sync.Mutex
	self   Member
	closed bool

	events     chan Event
	consumeCtx jetstream.ConsumeContext
	presSub    *nats.Subscription
	cancel     context.CancelFunc
	closeOnce  sync.Once

	members  map[string]Member
	lastSeen map[string]time.Time
}

// Join attaches a participant to a room: an ephemeral JetStream consumer
// for broadcasts plus a presence subscription, heartbeat loop, and
// expiry sweep.
func (c *NATS) Join(ctx context.Context, roomCode string, self Member) (Session, error) {
	if !duel.ValidRoomCode(roomCode) {
		return nil, fmt.Errorf("invalid room code: %q", roomCode)
	}

	s := &natsSession{
		parent:   c,
		roomCode: roomCode,
		self:     self,
		events:   make(chan Event, 256),
		members:  map[string]Member{self.ParticipantID: self},
		lastSeen: map[string]time.Time{self.ParticipantID: c.clock.Now()},
	}

	consumer, err := c.stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		Description:   "duel room session",
		FilterSubject: c.eventsSubject(roomCode),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.config.MaxDeliver,
		AckWait:       c.config.AckWait,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handleBroadcast(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("start consumer: %w", err)
	}
	s.consumeCtx = consumeCtx

	presCh := make(chan *nats.Msg, 256)
	presSub, err := c.nc.ChanSubscribe(c.presenceSubject(roomCode), presCh)
	if err != nil {
		consumeCtx.Stop()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	s.presSub = presSub

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.presenceLoop(loopCtx, presCh)

	if err := s.publishPresence(ctx, "join"); err != nil {
		s.teardown()
		return nil, fmt.Errorf("announce join: %w", err)
	}

	log.Info().
		Str("room_code", roomCode).
		Str("participant_id", self.ParticipantID).
		Msg("joined room channel")

	return s, nil
}

func (s *natsSession) handleBroadcast(msg jetstream.Msg) {
	var m duel.Message
	if err := json.Unmarshal(msg.Data(), &m); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("malformed broadcast, dropping")
		// Poison message: ack so it is not redelivered forever.
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK poison message")
		}
		return
	}

	s.emit(Event{Message: &m})

	if err := msg.Ack(); err != nil {
		log.Error().Err(err).Msg("failed to ACK broadcast")
	}
}

func (s *natsSession) presenceLoop(ctx context.Context, presCh chan *nats.Msg) {
	ticker := s.parent.clock.NewTicker(s.parent.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-presCh:
			s.handlePresenceFrame(msg.Data)
		case <-ticker.Chan():
			if err := s.publishPresence(ctx, "heartbeat"); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("room_code", s.roomCode).Msg("heartbeat publish failed")
			}
			s.sweepExpired()
		}
	}
}

func (s *natsSession) handlePresenceFrame(data []byte) {
	var frame presenceFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Error().Err(err).Msg("malformed presence frame, dropping")
		return
	}

	id := frame.Member.ParticipantID
	s.mu.Lock()
	switch frame.Kind {
	case "join":
		_, known := s.members[id]
		s.members[id] = frame.Member
		s.lastSeen[id] = s.parent.clock.Now()
		members := s.membersLocked()
		s.mu.Unlock()
		if !known && id != s.self.ParticipantID {
			s.emit(Event{Presence: &PresenceEvent{Kind: PresenceJoin, Member: frame.Member}})
			s.emit(Event{Presence: &PresenceEvent{Kind: PresenceSync, Members: members}})
			// Re-announce ourselves so the newcomer learns existing members
			// without waiting a full heartbeat interval.
			if err := s.publishPresence(context.Background(), "heartbeat"); err != nil {
				log.Error().Err(err).Msg("join re-announce failed")
			}
		}
	case "heartbeat":
		_, known := s.members[id]
		s.members[id] = frame.Member
		s.lastSeen[id] = s.parent.clock.Now()
		members := s.membersLocked()
		s.mu.Unlock()
		if !known && id != s.self.ParticipantID {
			// First sighting of a member we missed the join frame for.
			s.emit(Event{Presence: &PresenceEvent{Kind: PresenceJoin, Member: frame.Member}})
			s.emit(Event{Presence: &PresenceEvent{Kind: PresenceSync, Members: members}})
		}
	case "leave":
		_, known := s.members[id]
		delete(s.members, id)
		delete(s.lastSeen, id)
		members := s.membersLocked()
		s.mu.Unlock()
		if known && id != s.self.ParticipantID {
			s.emit(Event{Presence: &PresenceEvent{Kind: PresenceLeave, Member: frame.Member}})
			s.emit(Event{Presence: &PresenceEvent{Kind: PresenceSync, Members: members}})
		}
	default:
		s.mu.Unlock()
		log.Warn().Str("kind", frame.Kind).Msg("unknown presence frame kind, ignoring")
	}
}

// sweepExpired synthesizes leave events for members whose heartbeats
// stopped, which is how a host crash surfaces to the remaining peers.
func (s *natsSession) sweepExpired() {
	now := s.parent.clock.Now()

	s.mu.Lock()
	var expired []Member
	for id, seen := range s.lastSeen {
		if id == s.self.ParticipantID {
			continue
		}
		if now.Sub(seen) > s.parent.config.PresenceTTL {
			expired = append(expired, s.members[id])
			delete(s.members, id)
			delete(s.lastSeen, id)
		}
	}
	members := s.membersLocked()
	s.mu.Unlock()

	for _, m := range expired {
		log.Info().
			Str("room_code", s.roomCode).
			Str("participant_id", m.ParticipantID).
			Msg("presence expired, synthesizing leave")
		s.emit(Event{Presence: &PresenceEvent{Kind: PresenceLeave, Member: m}})
	}
	if len(expired) > 0 {
		s.emit(Event{Presence: &PresenceEvent{Kind: PresenceSync, Members: members}})
	}
}

// membersLocked snapshots membership; callers must hold s.mu.
func (s *natsSession) membersLocked() []Member {
	members := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	return members
}

func (s *natsSession) publishPresence(ctx context.Context, kind string) error {
	s.mu.Lock()
	frame := presenceFrame{Kind: kind, Member: s.self}
	s.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal presence frame: %w", err)
	}
	return s.parent.nc.Publish(s.parent.presenceSubject(s.roomCode), data)
}

func (s *natsSession) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("room_code", s.roomCode).Msg("session event buffer full, dropping event")
	}
}

func (s *natsSession) Events() <-chan Event {
	return s.events
}

func (s *natsSession) Publish(ctx context.Context, msg duel.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}

	_, err = s.parent.js.PublishMsg(ctx, &nats.Msg{
		Subject: s.parent.eventsSubject(s.roomCode),
		Data:    data,
		Header: nats.Header{
			"Message-Type": []string{string(msg.Type)},
			"Message-ID":   []string{msg.ID},
		},
	},
		jetstream.WithMsgID(msg.ID),
		jetstream.WithExpectStream(s.parent.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

func (s *natsSession) UpdatePresence(ctx context.Context, m Member) error {
	s.mu.Lock()
	s.self = m
	s.members[m.ParticipantID] = m
	s.lastSeen[m.ParticipantID] = s.parent.clock.Now()
	s.mu.Unlock()

	return s.publishPresence(ctx, "heartbeat")
}

func (s *natsSession) Leave(ctx context.Context) error {
	if err := s.publishPresence(ctx, "leave"); err != nil {
		log.Error().Err(err).Str("room_code", s.roomCode).Msg("leave announce failed")
	}
	s.teardown()
	return nil
}

func (s *natsSession) teardown() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.presSub != nil {
			if err := s.presSub.Unsubscribe(); err != nil {
				log.Error().Err(err).Msg("presence unsubscribe failed")
			}
		}
		if s.consumeCtx != nil {
			s.consumeCtx.Stop()
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
	})
}
