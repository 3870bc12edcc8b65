// Package duel defines the shared vocabulary of a live two-player mental
// arithmetic match: room lifecycle, participants, and the wire message
// catalogue exchanged over the room channel.
package duel

// Status represents the lifecycle phase of a room.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCountdown Status = "countdown"
	StatusPlaying   Status = "playing"
	StatusFinished  Status = "finished"
)

// Role distinguishes scored players from extra joiners. Exactly two
// participants per room are players (the host and the first guest); anyone
// who joins after that is accepted into presence as a spectator and
// receives every broadcast, but the host never scores their answers.
type Role string

const (
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

// Participant is one connected player as seen in room snapshots.
type Participant struct {
	ID          string `json:"participant_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	Score       int    `json:"score"`
	HasAnswered bool   `json:"has_answered"`
}

// Snapshot is the authoritative Room+Participants state the host
// rebroadcasts at phase transitions so every peer converges.
type Snapshot struct {
	RoomCode            string        `json:"room_code"`
	Status              Status        `json:"status"`
	HostID              string        `json:"host_id"`
	ProblemCount        int           `json:"problem_count"`
	CurrentProblemIndex int           `json:"current_problem_index"`
	Participants        []Participant `json:"participants"`
}

// Player returns the participant with the given ID, or nil.
func (s Snapshot) Player(id string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return &s.Participants[i]
		}
	}
	return nil
}
