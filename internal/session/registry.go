package session

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

type passwordEntry struct {
	hash     []byte
	lastUsed time.Time
}

// PasswordRegistry maps code-room ids to bcrypt hashes. The first join sets
// the password; it never changes while the entry lives.
type PasswordRegistry struct {
	entries map[string]*passwordEntry
	max     int
}

func NewPasswordRegistry(max int) *PasswordRegistry {
	return &PasswordRegistry{entries: make(map[string]*passwordEntry), max: max}
}

func (p *PasswordRegistry) Lookup(roomID string) ([]byte, bool) {
	e, ok := p.entries[roomID]
	if !ok {
		return nil, false
	}
	return e.hash, true
}

// Register stores hash for a room that has none. It fails with ErrRoomLimit
// once the registry is full and with ErrPasswordSet if the room already has
// a password.
func (p *PasswordRegistry) Register(roomID string, hash []byte, now time.Time) error {
	if _, ok := p.entries[roomID]; ok {
		return ErrPasswordSet
	}
	if p.max > 0 && len(p.entries) >= p.max {
		return ErrRoomLimit
	}
	p.entries[roomID] = &passwordEntry{hash: hash, lastUsed: now}
	return nil
}

func (p *PasswordRegistry) Touch(roomID string, now time.Time) {
	if e, ok := p.entries[roomID]; ok {
		e.lastUsed = now
	}
}

func (p *PasswordRegistry) Len() int { return len(p.entries) }

// EvictIdle drops entries unused for longer than grace whose room is empty.
func (p *PasswordRegistry) EvictIdle(now time.Time, grace time.Duration, empty func(roomID string) bool) int {
	evicted := 0
	for id, e := range p.entries {
		if now.Sub(e.lastUsed) < grace || !empty(id) {
			continue
		}
		delete(p.entries, id)
		evicted++
	}
	return evicted
}

func hashPassword(password string, cost int) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

func checkPassword(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
