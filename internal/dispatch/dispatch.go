// Package dispatch implements the Server Dispatcher: the
// authoritative holder of participant/team/skirmish-AI state, the protocol
// dispatch table keyed by wire tag, admission control, and broadcast.
//
// Grounded on bken server/room.go's Room (snapshot-then-release Broadcast
// using a sync.Pool-backed target slice) and server/client.go's
// processControl switch, generalized from a voice chat room's
// channel-scoped fan-out to the RTS lockstep protocol's whole-game fan-out
// with a fixed 250-slot participant array instead of a client map.
package dispatch

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/dcfnet/coreserver/internal/autohost"
	"github.com/dcfnet/coreserver/internal/errcat"
	"github.com/dcfnet/coreserver/internal/model"
	"github.com/dcfnet/coreserver/internal/packet"
	"go.uber.org/zap"
)

// maxRejectedAttempts: once more than this many join attempts from the same
// name have been rejected, further attempts are denied outright.
const maxRejectedAttempts = 3

// packetCacheCap bounds the mid-game join replay cache; there is no fixed
// name a limit, so we cap it generously (a full game's worth of control
// traffic, not voice/gamestate volume) rather than let it grow unbounded
// for a server left running indefinitely.
const packetCacheCap = 16384

// broadcastTarget is the snapshot unit released from the read lock before
// fan-out, mirroring bken room.go's broadcastTarget.
type broadcastTarget struct {
	playerNum int
	conn      model.Connection
}

// SyncRecorder is implemented by internal/synccheck's Checker. Dispatch
// forwards sync-response payloads to it without depending on synccheck's
// package, keeping the optional sync-check build tag out of dispatch.
type SyncRecorder interface {
	RecordResponse(frame int32, playerID int, checksum uint32)
}

var targetPool = sync.Pool{
	New: func() any {
		s := make([]broadcastTarget, 0, model.MaxPlayers)
		return &s
	},
}

// Dispatcher holds all authoritative game state. Every mutating method
// takes the dispatcher mutex; spec's "mutated only by C6 under the server
// mutex" invariant for Participant/Team/SkirmishAI lives here.
type Dispatcher struct {
	mu sync.RWMutex

	participants [model.MaxPlayers]model.Participant
	teams        [model.MaxPlayers]model.Team
	aiFree       *model.AIFreeList
	skirmishAIs  map[int]model.SkirmishAI

	packetCache []packet.RawPacket

	rejectedConnections map[string]int

	netPingTimings map[int][]int32
	medianPing     int32

	desyncHasOccurred bool
	syncErrorFrame    int32

	allowSpecJoin              bool
	whiteListAdditionalPlayers bool

	autohost     *autohost.Channel
	syncRecorder SyncRecorder
	log          *zap.Logger

	maxPlayers int

	trafficCounter uint64
}

// SetSyncRecorder wires the optional sync-check component in after
// construction, since internal/synccheck's Checker itself needs a
// DesyncRecorder back-reference to this Dispatcher.
func (d *Dispatcher) SetSyncRecorder(r SyncRecorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncRecorder = r
}

// Config carries the admission-policy knobs.
type Config struct {
	AllowSpecJoin              bool
	WhiteListAdditionalPlayers bool

	// MaxPlayers is the hard cap on accepted players. Zero/negative falls
	// back to model.MaxPlayers (the fixed slot-array size), i.e. no
	// additional cap beyond the slot table itself.
	MaxPlayers int
}

// New constructs an empty Dispatcher with no players, no teams active.
func New(cfg Config, ah *autohost.Channel, log *zap.Logger) *Dispatcher {
	maxPlayers := cfg.MaxPlayers
	if maxPlayers <= 0 || maxPlayers > model.MaxPlayers {
		maxPlayers = model.MaxPlayers
	}
	return &Dispatcher{
		aiFree:                     model.NewAIFreeList(),
		skirmishAIs:                make(map[int]model.SkirmishAI),
		rejectedConnections:        make(map[string]int),
		netPingTimings:             make(map[int][]int32),
		allowSpecJoin:              cfg.AllowSpecJoin,
		whiteListAdditionalPlayers: cfg.WhiteListAdditionalPlayers,
		maxPlayers:                 maxPlayers,
		autohost:                   ah,
		log:                        log,
	}
}

// activeCountLocked returns the number of occupied slots. Callers must hold
// d.mu.
func (d *Dispatcher) activeCountLocked() int {
	n := 0
	for _, p := range d.participants {
		if p.Active {
			n++
		}
	}
	return n
}

// AddLocalClient seats the hosting player (slot 0 by convention) without
// going through admission control.
func (d *Dispatcher) AddLocalClient(name string, team int, c model.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seatLocked(0, name, false, team, c)
}

// AddAdditionalUser handles CREATE_NEWPLAYER: applies admission rules, and
// on acceptance seats the player, activates their team, broadcasts an echo,
// replays the packet cache to the joiner, and mirrors PLAYER_JOINED to
// autohost.
func (d *Dispatcher) AddAdditionalUser(playerNum int, spectator bool, team int, name string, c model.Connection) error {
	if playerNum < 0 || playerNum >= model.MaxPlayers {
		return errcat.New(errcat.NoFreeSlot, "dispatch: player slot out of range")
	}

	d.mu.Lock()
	if d.rejectedConnections[name] > maxRejectedAttempts {
		d.mu.Unlock()
		d.RejectConnection(playerNum, name, "Too many failed connection attempts", c)
		return errcat.New(errcat.NoFreeSlot, "dispatch: too many failed attempts")
	}
	if spectator && !d.allowSpecJoin && !d.whiteListAdditionalPlayers {
		d.mu.Unlock()
		d.RejectConnection(playerNum, name, "Server does not allow additional spectators", c)
		return errcat.New(errcat.NoFreeSlot, "dispatch: spectator join rejected")
	}
	if d.activeCountLocked() >= d.maxPlayers {
		d.mu.Unlock()
		d.RejectConnection(playerNum, name, "Server is full", c)
		return errcat.New(errcat.NoFreeSlot, "dispatch: max_players reached")
	}

	d.seatLocked(playerNum, name, spectator, team, c)
	cache := make([]packet.RawPacket, len(d.packetCache))
	copy(cache, d.packetCache)
	d.mu.Unlock()

	// Mid-game joiners must receive the packet cache before any live packet,
	// including their own CREATE_NEWPLAYER echo, so the replay is sent
	// directly to c ahead of the broadcast below.
	if c != nil {
		for _, cached := range cache {
			_ = c.Send(cached.Bytes())
		}
	}

	payload := make([]byte, 6+len(name))
	binary.BigEndian.PutUint32(payload, uint32(playerNum))
	if spectator {
		payload[4] = 1
	}
	payload[5] = byte(team)
	copy(payload[6:], name)
	p, err := packet.New(packet.TagCreateNewPlayer, payload)
	if err != nil {
		return errcat.Wrap(err, errcat.PacketInvalid, "dispatch: encode create-new-player echo")
	}
	d.Broadcast(p)

	if d.autohost != nil {
		_ = d.autohost.PlayerJoined(int32(playerNum), name)
	}
	return nil
}

func (d *Dispatcher) seatLocked(playerNum int, name string, spectator bool, team int, c model.Connection) {
	d.participants[playerNum] = model.Participant{
		Active:        true,
		Name:          name,
		Spectator:     spectator,
		Team:          team,
		IsMidgameJoin: len(d.packetCache) > 0,
		Connection:    c,
	}
	if !spectator {
		d.teams[team].Active = true
	}
}

// RejectConnection sends REJECT(playerNum, reason) to c and records the
// failed attempt against name for admission throttling.
func (d *Dispatcher) RejectConnection(playerNum int, name, reason string, c model.Connection) {
	d.mu.Lock()
	d.rejectedConnections[name]++
	d.mu.Unlock()

	payload := make([]byte, 4+len(reason))
	binary.BigEndian.PutUint32(payload, uint32(playerNum))
	copy(payload[4:], reason)
	p, err := packet.New(packet.TagReject, payload)
	if err != nil {
		return
	}
	if c != nil {
		_ = c.Send(p.Bytes())
	}
}

// RemoveParticipant deactivates a slot on quit/kick, deactivating its team
// if it was the last non-spectator member, and mirrors PLAYER_LEFT.
func (d *Dispatcher) RemoveParticipant(playerNum int, reason string) {
	d.mu.Lock()
	if playerNum < 0 || playerNum >= model.MaxPlayers || !d.participants[playerNum].Active {
		d.mu.Unlock()
		return
	}
	p := d.participants[playerNum]
	d.participants[playerNum] = model.Participant{}

	if !p.Spectator {
		stillOccupied := false
		for i := range d.participants {
			if d.participants[i].Active && !d.participants[i].Spectator && d.participants[i].Team == p.Team {
				stillOccupied = true
				break
			}
		}
		if !stillOccupied {
			d.teams[p.Team].Active = false
		}
	}
	d.mu.Unlock()

	if d.autohost != nil {
		_ = d.autohost.PlayerLeft(int32(playerNum), reason)
	}
}

// GotChatMessage broadcasts a chat packet and mirrors it to autohost unless
// dest denotes SERVER_PLAYER-only delivery ("mirrors to autohost
// if not SERVER_PLAYER").
const destServerPlayer byte = 0xFF

func (d *Dispatcher) GotChatMessage(playerNum int, dest byte, text string) error {
	payload := make([]byte, 5+len(text))
	binary.BigEndian.PutUint32(payload, uint32(playerNum))
	payload[4] = dest
	copy(payload[5:], text)
	p, err := packet.New(packet.TagChat, payload)
	if err != nil {
		return errcat.Wrap(err, errcat.PacketInvalid, "dispatch: encode chat")
	}
	d.Broadcast(p)
	if dest != destServerPlayer && d.autohost != nil {
		_ = d.autohost.PlayerChat(int32(playerNum), dest, text)
	}
	return nil
}

// HandlePing records a fresh RTT sample for playerNum and recomputes the
// median across all known players.
func (d *Dispatcher) HandlePing(playerNum int, rttMillis int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	samples := d.netPingTimings[playerNum]
	samples = append(samples, rttMillis)
	if len(samples) > 8 {
		samples = samples[len(samples)-8:]
	}
	d.netPingTimings[playerNum] = samples
	d.recomputeMedianPingLocked()
}

func (d *Dispatcher) recomputeMedianPingLocked() {
	var all []int32
	for _, samples := range d.netPingTimings {
		if len(samples) > 0 {
			all = append(all, samples[len(samples)-1])
		}
	}
	if len(all) == 0 {
		d.medianPing = 0
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	d.medianPing = all[len(all)/2]
}

// MedianPing returns the most recently computed median RTT across players.
func (d *Dispatcher) MedianPing() int32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.medianPing
}

// HandleFrameProgress updates a participant's last acknowledged frame.
func (d *Dispatcher) HandleFrameProgress(playerNum int, frame int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if playerNum < 0 || playerNum >= model.MaxPlayers {
		return
	}
	d.participants[playerNum].LastFrameResponse = frame
}

// MarkDesync records that internal/synccheck detected a checksum mismatch
// at frame; unpack_sync_response itself lives in synccheck, which owns
// cross-player checksum comparison, but the headline desync flags the rest
// of the system reads (SYSTEM_MESSAGE, failover) are recorded here.
func (d *Dispatcher) MarkDesync(frame int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.desyncHasOccurred = true
	d.syncErrorFrame = frame
}

// DesyncState reports the current desync flags for diagnostics/tests.
func (d *Dispatcher) DesyncState() (occurred bool, frame int32) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.desyncHasOccurred, d.syncErrorFrame
}

// ActiveNonSpectatorCount reports how many slots are active players (not
// spectators), for internal/synccheck to know when a keyframe entry has
// heard from everyone who owes it a checksum.
func (d *Dispatcher) ActiveNonSpectatorCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, p := range d.participants {
		if p.Active && !p.Spectator {
			n++
		}
	}
	return n
}

// DumpState returns a snapshot of active participants for gamestate
// broadcast/demo recording; the recorder itself is opaque to the
// dispatcher (demo file stays opaque to the core).
func (d *Dispatcher) DumpState() []model.Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Participant, 0, model.MaxPlayers)
	for _, p := range d.participants {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// Broadcast enqueues p by reference to every active participant with a live
// connection; there is no per-recipient copy. It also appends p
// to the replay cache for future mid-game joiners.
func (d *Dispatcher) Broadcast(p packet.RawPacket) {
	d.mu.Lock()
	d.trafficCounter++
	if len(d.packetCache) < packetCacheCap {
		d.packetCache = append(d.packetCache, p)
	}

	sp := targetPool.Get().(*[]broadcastTarget)
	targets := (*sp)[:0]
	for i := range d.participants {
		if d.participants[i].Active && d.participants[i].Connection != nil {
			targets = append(targets, broadcastTarget{playerNum: i, conn: d.participants[i].Connection})
		}
	}
	d.mu.Unlock()

	data := p.Bytes()
	for _, t := range targets {
		_ = t.conn.Send(data) // best-effort: failures surface via the connection's own metrics
	}

	*sp = targets
	targetPool.Put(sp)
}

// Dispatch routes an inbound packet to its handler by tag; unrecognized tags
// are broadcast verbatim. playerNum identifies the sender; c is their connection (used
// for REJECT/replay responses where relevant).
func (d *Dispatcher) Dispatch(playerNum int, p packet.RawPacket, c model.Connection) error {
	switch p.Tag() {
	case packet.TagSyncResponse:
		return d.dispatchSyncResponse(playerNum, p)
	case packet.TagCreateNewPlayer:
		return d.dispatchCreateNewPlayer(p, c)
	case packet.TagPing:
		d.HandlePing(playerNum, 0)
		return nil
	case packet.TagGameFrameProgress:
		return d.dispatchFrameProgress(playerNum, p)
	case packet.TagGamestateDump:
		d.Broadcast(p)
		return nil
	case packet.TagChat:
		return d.dispatchChat(playerNum, p)
	case packet.TagPause:
		d.Broadcast(p)
		return nil
	default:
		d.Broadcast(p)
		return nil
	}
}

func (d *Dispatcher) dispatchSyncResponse(playerNum int, p packet.RawPacket) error {
	payload := p.Payload()
	if len(payload) < 8 {
		return errcat.New(errcat.PacketInvalid, "dispatch: sync response payload too short")
	}
	frame := int32(binary.BigEndian.Uint32(payload[:4]))
	checksum := binary.BigEndian.Uint32(payload[4:8])

	d.mu.RLock()
	rec := d.syncRecorder
	d.mu.RUnlock()
	if rec != nil {
		rec.RecordResponse(frame, playerNum, checksum)
	}
	return nil
}

func (d *Dispatcher) dispatchCreateNewPlayer(p packet.RawPacket, c model.Connection) error {
	payload := p.Payload()
	if len(payload) < 6 {
		return errcat.New(errcat.PacketInvalid, "dispatch: create-new-player payload too short")
	}
	playerNum := int(binary.BigEndian.Uint32(payload[:4]))
	spectator := payload[4] != 0
	team := int(payload[5])
	name := string(payload[6:])
	return d.AddAdditionalUser(playerNum, spectator, team, name, c)
}

func (d *Dispatcher) dispatchFrameProgress(playerNum int, p packet.RawPacket) error {
	payload := p.Payload()
	if len(payload) < 4 {
		return errcat.New(errcat.PacketInvalid, "dispatch: frame progress payload too short")
	}
	frame := int32(binary.BigEndian.Uint32(payload))
	d.HandleFrameProgress(playerNum, frame)
	return nil
}

func (d *Dispatcher) dispatchChat(playerNum int, p packet.RawPacket) error {
	payload := p.Payload()
	if len(payload) < 1 {
		return errcat.New(errcat.PacketInvalid, "dispatch: chat payload too short")
	}
	dest := payload[0]
	text := string(payload[1:])
	return d.GotChatMessage(playerNum, dest, text)
}

// AcquireSkirmishAI reserves an id for an AI seat hosted by hostPlayer.
func (d *Dispatcher) AcquireSkirmishAI(hostPlayer int, name string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.aiFree.Acquire()
	if !ok {
		return 0, errcat.New(errcat.NoFreeSlot, "dispatch: no free skirmish-AI slot")
	}
	d.skirmishAIs[id] = model.SkirmishAI{ID: id, HostPlayer: hostPlayer, Name: name, Active: true}
	return id, nil
}

// ReleaseSkirmishAI returns id to the free list.
func (d *Dispatcher) ReleaseSkirmishAI(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.skirmishAIs, id)
	d.aiFree.Release(id)
}

// ActiveAllyTeams returns the distinct ally-team ids among currently
// active teams, for the Frame Scheduler's game-end predicate (
// step 6: "no active teams or all remaining are one ally-team").
func (d *Dispatcher) ActiveAllyTeams() []int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[int]bool)
	for _, t := range d.teams {
		if t.Active {
			seen[t.AllyTeam] = true
		}
	}
	out := make([]int, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	return out
}

// Participant returns a copy of the participant in slot n, and whether it
// is occupied.
func (d *Dispatcher) Participant(n int) (model.Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n < 0 || n >= model.MaxPlayers || !d.participants[n].Active {
		return model.Participant{}, false
	}
	return d.participants[n], true
}
