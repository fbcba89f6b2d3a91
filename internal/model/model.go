// Package model holds the authoritative participant/team/game data types:
// Participant, Team, SkirmishAI, GameID, and ServerClock. These are mutated
// only by the dispatcher under the server mutex (see internal/dispatch).
package model

import (
	"time"

	"github.com/google/uuid"
)

// MaxPlayers is the fixed participant-slot count.
const MaxPlayers = 250

// MaxAIs is the fixed skirmish-AI id space.
const MaxAIs = 64

// Connection is the narrow interface Participant needs from a connection;
// the concrete type lives in internal/conn to avoid an import cycle.
type Connection interface {
	Send(data []byte) error
	Close(flush bool) error
}

// Participant is one occupied player slot. Mutated only by the dispatcher.
type Participant struct {
	Active            bool
	Name              string
	Version           string
	Spectator         bool
	Team              int
	Ready             bool
	IsMidgameJoin     bool
	CPUUsage          float64
	LastFrameResponse int32
	Connection        Connection
}

// Team is a game team; AllyTeam groups teams that share victory conditions.
type Team struct {
	Active       bool
	AllyTeam     int
	StartPosX    float64
	StartPosY    float64
	StartPosZ    float64
	LeaderPlayer int
}

// SkirmishAI is an AI-controlled slot, distinct from a human Participant.
type SkirmishAI struct {
	ID         int
	HostPlayer int
	Name       string
	Active     bool
}

// AIFreeList hands out SkirmishAI ids from [0,MaxAIs), preserving the
// invariant that an id is in exactly one of {free-list, active-AIs} at any
// time.
type AIFreeList struct {
	free []int
	used map[int]bool
}

// NewAIFreeList returns a free-list with all MaxAIs ids available.
func NewAIFreeList() *AIFreeList {
	f := &AIFreeList{used: make(map[int]bool, MaxAIs)}
	for i := MaxAIs - 1; i >= 0; i-- {
		f.free = append(f.free, i)
	}
	return f
}

// Acquire pops the lowest-numbered free id. ok is false if none remain.
func (f *AIFreeList) Acquire() (id int, ok bool) {
	if len(f.free) == 0 {
		return 0, false
	}
	// Pop the smallest id: free list is kept in descending order so the
	// tail is the smallest.
	id = f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	f.used[id] = true
	return id, true
}

// Release returns id to the free list. It is a no-op if id was not in use.
func (f *AIFreeList) Release(id int) {
	if !f.used[id] {
		return
	}
	delete(f.used, id)
	// Insert in descending position so Acquire keeps popping the smallest id.
	i := len(f.free)
	for i > 0 && f.free[i-1] < id {
		i--
	}
	f.free = append(f.free, 0)
	copy(f.free[i+1:], f.free[i:])
	f.free[i] = id
}

// InUse reports whether id is currently allocated.
func (f *AIFreeList) InUse(id int) bool { return f.used[id] }

// GameID is a 16-byte opaque identifier, generated once and never mutated.
type GameID [16]byte

// NewGameID generates a fresh GameID from a random UUID's raw bytes.
func NewGameID() GameID {
	var id GameID
	copy(id[:], uuid.New()[:])
	return id
}

// String renders the GameID as a UUID-formatted string for logging.
func (g GameID) String() string {
	u, _ := uuid.FromBytes(g[:])
	return u.String()
}

// ServerClock is the monotonic simulation clock. ModGameTime
// accumulates at InternalSpeed; ServerFrameNum starts at -1 (pre-sim).
type ServerClock struct {
	start          time.Time
	ModGameTime    float64
	ServerFrameNum int32
	InternalSpeed  float64
}

// NewServerClock returns a clock at the pre-sim state (frame -1).
func NewServerClock(internalSpeed float64) *ServerClock {
	return &ServerClock{
		start:          time.Now(),
		ServerFrameNum: -1,
		InternalSpeed:  internalSpeed,
	}
}

// Advance increments the frame counter and accumulates game time by
// dt*InternalSpeed.
func (c *ServerClock) Advance(dt time.Duration) {
	c.ServerFrameNum++
	c.ModGameTime += dt.Seconds() * c.InternalSpeed
}

// Elapsed returns wall-clock time since the clock was created.
func (c *ServerClock) Elapsed() time.Duration { return time.Since(c.start) }
