// Package autohost implements the Autohost Channel: a
// write-mostly side channel mirroring game lifecycle events to an external
// controller process, built on top of internal/conn. Inbound traffic is
// rare (chat commands only) and is drained through a small ring buffer,
// grounded on bken client.go's dgramCache ring-buffer pattern.
package autohost

import (
	"encoding/binary"
	"time"

	"github.com/dcfnet/coreserver/internal/conn"
)

// Message tags.
const (
	TagServerStarted      byte = 1
	TagServerQuit         byte = 2
	TagServerStartPlaying byte = 3
	TagServerGameOver     byte = 4
	TagPlayerJoined       byte = 5
	TagPlayerLeft         byte = 6
	TagPlayerReady        byte = 7
	TagPlayerChat         byte = 8
	TagPlayerDefeated     byte = 9
	TagGameLuaMsg         byte = 10
)

// chatBacklogSize bounds the inbound chat-command ring buffer (grounded on
// bken client.go's dgramCacheSize=128, scaled down since autohost chat
// commands arrive far less often than voice datagrams).
const chatBacklogSize = 32

// ChatCommand is one inbound message drained via NextChat.
type ChatCommand struct {
	PlayerNum int32
	Text      string
}

// Channel is the write-mostly side channel to the external controller.
type Channel struct {
	c *conn.Fallback

	chatHead int
	chatLen  int
	chat     [chatBacklogSize]ChatCommand
}

// New wraps an established Fallback connection to the autohost controller.
// The channel always uses Fallback (a single best-effort socket, per spec
// §4.5 "uses the same transport abstraction with fallback") since the
// autohost link has no redundancy requirement of its own.
func New(c *conn.Fallback) *Channel {
	return &Channel{c: c}
}

func (ch *Channel) send(tag byte, payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = tag
	copy(buf[1:], payload)
	return ch.c.Send(buf)
}

// ServerStarted notifies the controller the server process is up.
func (ch *Channel) ServerStarted() error { return ch.send(TagServerStarted, nil) }

// ServerQuit notifies the controller the server is shutting down.
func (ch *Channel) ServerQuit() error { return ch.send(TagServerQuit, nil) }

// ServerStartPlaying announces the generated GameID and demo filename once
// all players are ready.
func (ch *Channel) ServerStartPlaying(gameID [16]byte, demoName string) error {
	payload := make([]byte, 16+len(demoName))
	copy(payload, gameID[:])
	copy(payload[16:], demoName)
	return ch.send(TagServerStartPlaying, payload)
}

// ServerGameOver reports the winning ally teams.
func (ch *Channel) ServerGameOver(playerNum int32, winningAllyTeams []int32) error {
	payload := make([]byte, 4+4*len(winningAllyTeams))
	binary.BigEndian.PutUint32(payload, uint32(playerNum))
	for i, t := range winningAllyTeams {
		binary.BigEndian.PutUint32(payload[4+4*i:], uint32(t))
	}
	return ch.send(TagServerGameOver, payload)
}

// PlayerJoined mirrors a successful join.
func (ch *Channel) PlayerJoined(playerNum int32, name string) error {
	payload := make([]byte, 4+len(name))
	binary.BigEndian.PutUint32(payload, uint32(playerNum))
	copy(payload[4:], name)
	return ch.send(TagPlayerJoined, payload)
}

// PlayerLeft mirrors a quit/kick with a short reason string.
func (ch *Channel) PlayerLeft(playerNum int32, reason string) error {
	payload := make([]byte, 4+len(reason))
	binary.BigEndian.PutUint32(payload, uint32(playerNum))
	copy(payload[4:], reason)
	return ch.send(TagPlayerLeft, payload)
}

// PlayerReady mirrors a ready-state change.
func (ch *Channel) PlayerReady(playerNum int32, ready bool) error {
	state := byte(0)
	if ready {
		state = 1
	}
	return ch.send(TagPlayerReady, []byte{
		byte(playerNum >> 24), byte(playerNum >> 16), byte(playerNum >> 8), byte(playerNum), state,
	})
}

// PlayerChat mirrors a chat message not addressed to SERVER_PLAYER.
func (ch *Channel) PlayerChat(playerNum int32, dest byte, msg string) error {
	payload := make([]byte, 5+len(msg))
	binary.BigEndian.PutUint32(payload, uint32(playerNum))
	payload[4] = dest
	copy(payload[5:], msg)
	return ch.send(TagPlayerChat, payload)
}

// PlayerDefeated mirrors a player's elimination.
func (ch *Channel) PlayerDefeated(playerNum int32) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(playerNum))
	return ch.send(TagPlayerDefeated, payload)
}

// GameLuaMsg relays an opaque Lua-originated payload.
func (ch *Channel) GameLuaMsg(data []byte) error { return ch.send(TagGameLuaMsg, data) }

// Poll runs one update of the underlying connection (sending queued
// outbound messages and pulling received datagrams off the transport), then
// drains the inbound queue, decoding PLAYER_CHAT-shaped commands into the
// ring buffer for NextChat. Anything else inbound is ignored: only chat
// commands are documented as flowing this direction.
func (ch *Channel) Poll() {
	ch.c.Update(time.Now())
	for ch.c.HasIncoming() {
		p, ok := ch.c.Next()
		if !ok {
			return
		}
		if p.Tag() != TagPlayerChat {
			continue
		}
		payload := p.Payload()
		if len(payload) < 5 {
			continue
		}
		cmd := ChatCommand{
			PlayerNum: int32(binary.BigEndian.Uint32(payload)),
			Text:      string(payload[5:]),
		}
		ch.pushChat(cmd)
	}
}

func (ch *Channel) pushChat(cmd ChatCommand) {
	idx := (ch.chatHead + ch.chatLen) % chatBacklogSize
	ch.chat[idx] = cmd
	if ch.chatLen < chatBacklogSize {
		ch.chatLen++
	} else {
		ch.chatHead = (ch.chatHead + 1) % chatBacklogSize
	}
}

// NextChat removes and returns the oldest queued inbound chat command.
func (ch *Channel) NextChat() (ChatCommand, bool) {
	if ch.chatLen == 0 {
		return ChatCommand{}, false
	}
	cmd := ch.chat[ch.chatHead]
	ch.chatHead = (ch.chatHead + 1) % chatBacklogSize
	ch.chatLen--
	return cmd, true
}
