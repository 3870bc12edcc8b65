package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/anzanlive/duel/internal/duel"
)

// Memory is an in-process Channel for tests and the local demo. It honors
// the same weak contract as the NATS channel: broadcasts fan out to every
// session including the sender, and Duplicates can be raised to exercise
// at-least-once consumers with redeliveries.
type Memory struct {
	mu         sync.Mutex
	rooms      map[string]map[string]*memorySession
	duplicates int
}

// NewMemory creates an empty in-process channel.
func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]map[string]*memorySession)}
}

// SetDuplicates sets the number of extra deliveries per broadcast.
func (c *Memory) SetDuplicates(n int) {
	c.mu.Lock()
	c.duplicates = n
	c.mu.Unlock()
}

type memorySession struct {
	parent   *Memory
	roomCode string
	self     Member

	mu     sync.Mutex
	events chan Event
	closed bool
}

// Join attaches a participant to a room. The joiner receives a full
// membership sync; everyone else receives a join event.
func (c *Memory) Join(ctx context.Context, roomCode string, self Member) (Session, error) {
	if !duel.ValidRoomCode(roomCode) {
		return nil, fmt.Errorf("invalid room code: %q", roomCode)
	}

	s := &memorySession{
		parent:   c,
		roomCode: roomCode,
		self:     self,
		events:   make(chan Event, 256),
	}

	c.mu.Lock()
	room := c.rooms[roomCode]
	if room == nil {
		room = make(map[string]*memorySession)
		c.rooms[roomCode] = room
	}
	if _, taken := room[self.ParticipantID]; taken {
		c.mu.Unlock()
		return nil, fmt.Errorf("participant %s already joined room %s", self.ParticipantID, roomCode)
	}
	room[self.ParticipantID] = s
	peers, members := c.snapshotLocked(roomCode)
	c.mu.Unlock()

	for _, peer := range peers {
		if peer == s {
			continue
		}
		peer.emit(Event{Presence: &PresenceEvent{Kind: PresenceJoin, Member: self}})
		peer.emit(Event{Presence: &PresenceEvent{Kind: PresenceSync, Members: members}})
	}
	s.emit(Event{Presence: &PresenceEvent{Kind: PresenceSync, Members: members}})

	return s, nil
}

// snapshotLocked returns the sessions and membership of a room; callers
// must hold c.mu.
func (c *Memory) snapshotLocked(roomCode string) ([]*memorySession, []Member) {
	room := c.rooms[roomCode]
	sessions := make([]*memorySession, 0, len(room))
	members := make([]Member, 0, len(room))
	for _, s := range room {
		sessions = append(sessions, s)
		members = append(members, s.self)
	}
	return sessions, members
}

func (s *memorySession) Events() <-chan Event {
	return s.events
}

func (s *memorySession) Publish(ctx context.Context, msg duel.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session for %s already left room %s", s.self.ParticipantID, s.roomCode)
	}

	s.parent.mu.Lock()
	peers, _ := s.parent.snapshotLocked(s.roomCode)
	duplicates := s.parent.duplicates
	s.parent.mu.Unlock()

	for i := 0; i <= duplicates; i++ {
		for _, peer := range peers {
			m := msg
			peer.emit(Event{Message: &m})
		}
	}
	return nil
}

func (s *memorySession) UpdatePresence(ctx context.Context, m Member) error {
	s.parent.mu.Lock()
	s.self = m
	peers, members := s.parent.snapshotLocked(s.roomCode)
	s.parent.mu.Unlock()

	for _, peer := range peers {
		peer.emit(Event{Presence: &PresenceEvent{Kind: PresenceSync, Members: members}})
	}
	return nil
}

func (s *memorySession) Leave(ctx context.Context) error {
	s.parent.mu.Lock()
	room := s.parent.rooms[s.roomCode]
	if _, present := room[s.self.ParticipantID]; !present {
		s.parent.mu.Unlock()
		return nil
	}
	delete(room, s.self.ParticipantID)
	if len(room) == 0 {
		delete(s.parent.rooms, s.roomCode)
	}
	peers, members := s.parent.snapshotLocked(s.roomCode)
	s.parent.mu.Unlock()

	for _, peer := range peers {
		peer.emit(Event{Presence: &PresenceEvent{Kind: PresenceLeave, Member: s.self}})
		peer.emit(Event{Presence: &PresenceEvent{Kind: PresenceSync, Members: members}})
	}

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	return nil
}

func (s *memorySession) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}
