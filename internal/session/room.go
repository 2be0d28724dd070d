package session

import (
	"time"

	"learnhub/realtime/internal/models"
)

type RoomKind string

const (
	KindCode    RoomKind = "code"
	KindDoubt   RoomKind = "doubt"
	KindLobby   RoomKind = "lobby"
	KindSupport RoomKind = "support"
)

// Room is a named subscriber set. Rooms belong to a Hub and are only touched
// with the hub lock held.
type Room struct {
	ID         string
	Kind       RoomKind
	CreatedAt  time.Time
	lastActive time.Time
	clients    map[*Client]struct{}
}

func NewRoom(id string, kind RoomKind, now time.Time) *Room {
	return &Room{
		ID:         id,
		Kind:       kind,
		CreatedAt:  now,
		lastActive: now,
		clients:    make(map[*Client]struct{}),
	}
}

// Join adds c and reports whether it was not already a member.
func (r *Room) Join(c *Client) bool {
	if _, ok := r.clients[c]; ok {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

// Leave removes c and returns the remaining member count.
func (r *Room) Leave(c *Client) int {
	delete(r.clients, c)
	return len(r.clients)
}

func (r *Room) Has(c *Client) bool {
	_, ok := r.clients[c]
	return ok
}

func (r *Room) GetClientCount() int { return len(r.clients) }

func (r *Room) Touch(now time.Time) { r.lastActive = now }

func (r *Room) LastActive() time.Time { return r.lastActive }

// Broadcast sends frame to every member except sender and returns how many
// frames were enqueued.
func (r *Room) Broadcast(sender *Client, frame models.WSFrame) int {
	n := 0
	for c := range r.clients {
		if c == sender {
			continue
		}
		if c.Send(frame) {
			n++
		}
	}
	return n
}

// BroadcastAll sends frame to every member, sender included.
func (r *Room) BroadcastAll(frame models.WSFrame) int {
	return r.Broadcast(nil, frame)
}
