package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"learnhub/realtime/internal/metrics"
	"learnhub/realtime/internal/models"
	"learnhub/realtime/internal/notify"
)

var (
	ErrInvalidPassword = errors.New("invalid room password")
	ErrPasswordSet     = errors.New("room password already set")
	ErrRoomLimit       = errors.New("room limit reached")
	ErrNotMember       = errors.New("not a member of the room")
	ErrForbidden       = errors.New("forbidden")
)

// TimeLayout stamps doubt messages with a locale style time of day.
const TimeLayout = "3:04:05 PM"

type Options struct {
	MaxRooms          int
	MaxPasswords      int
	MaxRoomsPerClient int
	// GracePeriod is how long an empty code room keeps its password.
	GracePeriod   time.Duration
	PasswordCost  int
	Outbox        notify.Outbox
	OutboxTimeout time.Duration
	Location      *time.Location
	Logger        *zap.Logger
	Now           func() time.Time
}

// Hub owns every room, the code-room password registry and the
// client -> rooms index. One mutex serialises all of it, and frames are
// enqueued with the mutex held so each room sees a single delivery order.
type Hub struct {
	mu          sync.Mutex
	rooms       map[string]*Room
	memberships map[*Client]map[string]struct{}
	passwords   *PasswordRegistry

	opts   Options
	log    *zap.Logger
	outbox notify.Outbox
	now    func() time.Time
}

func NewHub(opts Options) *Hub {
	if opts.PasswordCost == 0 {
		opts.PasswordCost = bcrypt.DefaultCost
	}
	if opts.OutboxTimeout <= 0 {
		opts.OutboxTimeout = 2 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	h := &Hub{
		rooms:       make(map[string]*Room),
		memberships: make(map[*Client]map[string]struct{}),
		passwords:   NewPasswordRegistry(opts.MaxPasswords),
		opts:        opts,
		log:         opts.Logger,
		outbox:      opts.Outbox,
		now:         opts.Now,
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.outbox == nil {
		h.outbox = notify.NopOutbox{}
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// roomKey namespaces ids by kind so a code room can never alias a lobby,
// doubt thread or support room.
func roomKey(kind RoomKind, id string) string { return string(kind) + ":" + id }

// Register tracks a freshly connected client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.memberships[c]; !ok {
		h.memberships[c] = make(map[string]struct{})
	}
}

// Handle decodes one inbound frame and runs the matching operation. Failures
// are reported to the caller as error frames (join-room answers with
// room-error itself) and returned.
func (h *Hub) Handle(c *Client, frame models.InboundFrame) error {
	if c.Closed() {
		return nil
	}
	in, err := models.ParseInbound(frame)
	if err == nil {
		err = h.dispatch(c, in)
	}
	if err != nil {
		h.reject(c, frame.Type, err)
		event := frame.Type
		if errors.Is(err, models.ErrUnknownEvent) {
			event = "unknown"
		}
		metrics.ObserveEvent(event, outcome(err))
		h.log.Debug("event rejected",
			zap.String("client", c.ID),
			zap.String("event", frame.Type),
			zap.Error(err))
		return err
	}
	metrics.ObserveEvent(frame.Type, "ok")
	return nil
}

func (h *Hub) dispatch(c *Client, in models.Inbound) error {
	switch p := in.(type) {
	case models.JoinRoom:
		return h.JoinRoom(c, p)
	case models.CodeChange:
		return h.CodeChange(c, p)
	case models.SendMessage:
		return h.SendMessage(c, p)
	case models.JoinDoubtChat:
		return h.JoinDoubtChat(c, p)
	case models.JoinTutorLobby:
		return h.JoinTutorLobby(c, p)
	case models.JoinUserLobby:
		return h.JoinUserLobby(c, p)
	case models.DoubtPayload:
		return h.SendDoubt(c, p)
	case models.JoinSupportChat:
		return h.JoinSupportChat(c, p)
	case models.SendSupportMessage:
		return h.SendSupportMessage(c, p)
	case models.LeaveRoom:
		return h.LeaveRoom(c, p)
	default:
		return models.ErrUnknownEvent
	}
}

func (h *Hub) reject(c *Client, event string, err error) {
	var perr *models.PayloadError
	switch {
	case errors.As(err, &perr):
		c.Send(models.ErrorFrame(perr.Error()))
	case event == models.EventJoinRoom:
		// already answered with room-error
	case errors.Is(err, models.ErrUnknownEvent):
		c.Send(models.ErrorFrame(models.CodeUnknownType))
	case errors.Is(err, ErrNotMember):
		c.Send(models.ErrorFrame(models.CodeNotAMember))
	case errors.Is(err, ErrForbidden):
		c.Send(models.ErrorFrame(models.CodeForbidden))
	case errors.Is(err, ErrRoomLimit):
		c.Send(models.ErrorFrame(models.CodeLimitReached))
	}
}

func outcome(err error) string {
	var perr *models.PayloadError
	switch {
	case errors.As(err, &perr):
		return "invalid"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidPassword):
		return "bad_password"
	case errors.Is(err, ErrRoomLimit):
		return "limit"
	default:
		return "rejected"
	}
}

// JoinRoom admits c to a password-gated code room. The first caller for an id
// sets the password. bcrypt runs outside the hub lock; state is re-checked on
// re-entry.
func (h *Hub) JoinRoom(c *Client, p models.JoinRoom) error {
	roomID := string(p.RoomID)
	hash, ok := h.passwordFor(roomID)
	if !ok {
		fresh, err := hashPassword(p.Password, h.opts.PasswordCost)
		if err != nil {
			c.Send(models.RoomErrorFrame(models.MsgRoomUnavailable))
			return fmt.Errorf("hash room password: %w", err)
		}
		created, existing, err := h.createCodeRoom(c, roomID, fresh)
		if err != nil {
			c.Send(models.RoomErrorFrame(models.MsgRoomLimit))
			return err
		}
		if created {
			return nil
		}
		hash = existing
	}
	if !checkPassword(hash, p.Password) {
		c.Send(models.RoomErrorFrame(models.MsgInvalidPassword))
		return ErrInvalidPassword
	}
	if err := h.enterCodeRoom(c, roomID, hash, p.Password); err != nil {
		if errors.Is(err, ErrInvalidPassword) {
			c.Send(models.RoomErrorFrame(models.MsgInvalidPassword))
		} else {
			c.Send(models.RoomErrorFrame(models.MsgRoomLimit))
		}
		return err
	}
	return nil
}

func (h *Hub) passwordFor(roomID string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.passwords.Lookup(roomID)
}

func (h *Hub) createCodeRoom(c *Client, roomID string, hash []byte) (bool, []byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.passwords.Lookup(roomID); ok {
		return false, existing, nil
	}
	key := roomKey(KindCode, roomID)
	if err := h.admit(c, key); err != nil {
		return false, nil, err
	}
	now := h.now()
	if err := h.passwords.Register(roomID, hash, now); err != nil {
		return false, nil, err
	}
	h.subscribe(c, KindCode, roomID, now)
	c.Send(models.JoinedFrame(models.MsgRoomCreated))
	h.log.Info("code room created", zap.String("room", roomID), zap.String("client", c.ID))
	return true, nil, nil
}

func (h *Hub) enterCodeRoom(c *Client, roomID string, verified []byte, password string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	current, ok := h.passwords.Lookup(roomID)
	switch {
	case !ok:
		// evicted since the check; the caller proved the old password
		if err := h.passwords.Register(roomID, verified, now); err != nil {
			return err
		}
	case !bytes.Equal(current, verified) && !checkPassword(current, password):
		return ErrInvalidPassword
	}
	key := roomKey(KindCode, roomID)
	if err := h.admit(c, key); err != nil {
		return err
	}
	h.subscribe(c, KindCode, roomID, now)
	h.passwords.Touch(roomID, now)
	c.Send(models.JoinedFrame(models.MsgJoinedRoom))
	return nil
}

// CodeChange relays code to every other member. Receivers apply last write
// wins; nothing is merged.
func (h *Hub) CodeChange(c *Client, p models.CodeChange) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, err := h.memberRoom(c, KindCode, string(p.RoomID))
	if err != nil {
		return err
	}
	n := room.Broadcast(c, models.WSFrame{Type: models.EventReceiveCode, Data: p.Code})
	metrics.ObserveDelivery(models.EventReceiveCode, n)
	h.touchCode(room)
	return nil
}

// SendMessage echoes the payload verbatim to every member, sender included.
func (h *Hub) SendMessage(c *Client, p models.SendMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, err := h.memberRoom(c, KindCode, string(p.RoomID))
	if err != nil {
		return err
	}
	n := room.BroadcastAll(models.WSFrame{Type: models.EventReceiveMessage, Data: p.Raw})
	metrics.ObserveDelivery(models.EventReceiveMessage, n)
	h.touchCode(room)
	return nil
}

func (h *Hub) JoinDoubtChat(c *Client, p models.JoinDoubtChat) error {
	if err := authorizeParty(c, p.StudentID, p.TutorID); err != nil {
		return err
	}
	return h.join(c, KindDoubt, models.DoubtRoomKey(p.CourseID, p.StudentID, p.TutorID))
}

func (h *Hub) JoinTutorLobby(c *Client, p models.JoinTutorLobby) error {
	if err := authorizeParty(c, p.TutorID); err != nil {
		return err
	}
	return h.joinLobby(c, models.TutorLobbyKey(p.TutorID))
}

func (h *Hub) JoinUserLobby(c *Client, p models.JoinUserLobby) error {
	if err := authorizeParty(c, p.UserID); err != nil {
		return err
	}
	return h.joinLobby(c, models.UserLobbyKey(p.UserID))
}

// SendDoubt stamps the payload, broadcasts it to the doubt thread and
// notifies the other party's lobby. With nobody in that lobby the
// notification is parked in the outbox.
func (h *Hub) SendDoubt(c *Client, p models.DoubtPayload) error {
	if err := authorizeSender(c, p); err != nil {
		return err
	}
	payload, err := p.Stamped(h.now().In(h.opts.Location).Format(TimeLayout))
	if err != nil {
		return &models.PayloadError{Event: models.EventSendDoubt, Err: err}
	}
	lobby := models.RecipientLobby(p)

	h.mu.Lock()
	if room, ok := h.rooms[roomKey(KindDoubt, models.DoubtRoomKey(p.CourseID, p.StudentID, p.TutorID))]; ok {
		n := room.BroadcastAll(models.WSFrame{Type: models.EventReceiveDoubt, Data: payload})
		metrics.ObserveDelivery(models.EventReceiveDoubt, n)
		room.Touch(h.now())
	}
	recipients, online := h.rooms[roomKey(KindLobby, lobby)]
	if online {
		n := recipients.BroadcastAll(models.WSFrame{Type: models.EventNewMessageNotification, Data: payload})
		metrics.ObserveDelivery(models.EventNewMessageNotification, n)
	}
	h.mu.Unlock()

	if !online {
		h.park(lobby, payload)
	}
	return nil
}

func (h *Hub) JoinSupportChat(c *Client, p models.JoinSupportChat) error {
	if err := authorizeSupport(c, p.UserID); err != nil {
		return err
	}
	return h.join(c, KindSupport, string(p.UserID))
}

// SendSupportMessage echoes the payload to everyone in the user's support
// room, sender included.
func (h *Hub) SendSupportMessage(c *Client, p models.SendSupportMessage) error {
	if err := authorizeSupport(c, p.UserID); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	room, err := h.memberRoom(c, KindSupport, string(p.UserID))
	if err != nil {
		return err
	}
	n := room.BroadcastAll(models.WSFrame{Type: models.EventReceiveSupportMessage, Data: p.Raw})
	metrics.ObserveDelivery(models.EventReceiveSupportMessage, n)
	room.Touch(h.now())
	return nil
}

// LeaveRoom drops c from every room carrying the given id.
func (h *Hub) LeaveRoom(c *Client, p models.LeaveRoom) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	left := false
	for _, kind := range []RoomKind{KindCode, KindDoubt, KindLobby, KindSupport} {
		key := roomKey(kind, string(p.RoomID))
		if room, ok := h.rooms[key]; ok && room.Has(c) {
			h.leaveLocked(c, key, now)
			left = true
		}
	}
	if !left {
		return ErrNotMember
	}
	return nil
}

// Disconnect removes c from every room it joined and closes it. Peers are
// not told.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	now := h.now()
	joined := len(h.memberships[c])
	for key := range h.memberships[c] {
		h.leaveLocked(c, key, now)
	}
	delete(h.memberships, c)
	h.mu.Unlock()

	c.Close()
	h.log.Debug("client disconnected", zap.String("client", c.ID), zap.Int("rooms", joined))
}

// Sweep evicts passwords of code rooms that have been empty for longer than
// the grace period and returns how many went.
func (h *Hub) Sweep(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.passwords.EvictIdle(now, h.opts.GracePeriod, func(roomID string) bool {
		_, live := h.rooms[roomKey(KindCode, roomID)]
		return !live
	})
	metrics.ObservePasswordEvictions(n)
	return n
}

func (h *Hub) Stats() metrics.HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return metrics.HubStats{
		Rooms:     len(h.rooms),
		Clients:   len(h.memberships),
		Passwords: h.passwords.Len(),
	}
}

// Members returns the member count of a room, zero if it does not exist.
func (h *Hub) Members(kind RoomKind, id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[roomKey(kind, id)]; ok {
		return room.GetClientCount()
	}
	return 0
}

func (h *Hub) join(c *Client, kind RoomKind, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.admit(c, roomKey(kind, id)); err != nil {
		return err
	}
	h.subscribe(c, kind, id, h.now())
	return nil
}

// admit enforces the room caps; joining a room c is already in always passes.
// Caller holds h.mu.
func (h *Hub) admit(c *Client, key string) error {
	room, exists := h.rooms[key]
	if exists && room.Has(c) {
		return nil
	}
	if !exists && h.opts.MaxRooms > 0 && len(h.rooms) >= h.opts.MaxRooms {
		return ErrRoomLimit
	}
	if h.opts.MaxRoomsPerClient > 0 && len(h.memberships[c]) >= h.opts.MaxRoomsPerClient {
		return ErrRoomLimit
	}
	return nil
}

// Caller holds h.mu.
func (h *Hub) subscribe(c *Client, kind RoomKind, id string, now time.Time) {
	key := roomKey(kind, id)
	room, ok := h.rooms[key]
	if !ok {
		room = NewRoom(id, kind, now)
		h.rooms[key] = room
	}
	room.Join(c)
	room.Touch(now)

	joined, ok := h.memberships[c]
	if !ok {
		joined = make(map[string]struct{})
		h.memberships[c] = joined
	}
	joined[key] = struct{}{}
}

// Caller holds h.mu.
func (h *Hub) leaveLocked(c *Client, key string, now time.Time) {
	if joined, ok := h.memberships[c]; ok {
		delete(joined, key)
	}
	room, ok := h.rooms[key]
	if !ok {
		return
	}
	if room.Leave(c) == 0 {
		delete(h.rooms, key)
	}
	if room.Kind == KindCode {
		h.passwords.Touch(room.ID, now)
	}
}

// Caller holds h.mu.
func (h *Hub) memberRoom(c *Client, kind RoomKind, id string) (*Room, error) {
	room, ok := h.rooms[roomKey(kind, id)]
	if !ok || !room.Has(c) {
		return nil, ErrNotMember
	}
	return room, nil
}

// Caller holds h.mu.
func (h *Hub) touchCode(room *Room) {
	now := h.now()
	room.Touch(now)
	h.passwords.Touch(room.ID, now)
}

// joinLobby hands parked notifications over before the membership becomes
// visible, so they reach c ahead of anything sent live afterwards. Entries
// parked between the drain and the subscribe are picked up by a second drain.
func (h *Hub) joinLobby(c *Client, lobby string) error {
	pending := h.drain(lobby)

	h.mu.Lock()
	err := h.admit(c, roomKey(KindLobby, lobby))
	if err == nil {
		h.subscribe(c, KindLobby, lobby, h.now())
		deliverNotifications(c, pending)
	}
	h.mu.Unlock()

	if err != nil {
		h.restore(lobby, pending)
		return err
	}
	if late := h.drain(lobby); len(late) > 0 {
		deliverNotifications(c, late)
	}
	return nil
}

func deliverNotifications(c *Client, pending []json.RawMessage) {
	for _, payload := range pending {
		c.Send(models.WSFrame{Type: models.EventNewMessageNotification, Data: payload})
	}
}

func (h *Hub) drain(lobby string) []json.RawMessage {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.OutboxTimeout)
	defer cancel()

	pending, err := h.outbox.Drain(ctx, lobby)
	if err != nil {
		metrics.ObserveOutbox("drain", "error", 1)
		h.log.Warn("outbox drain failed", zap.String("lobby", lobby), zap.Error(err))
		return nil
	}
	metrics.ObserveOutbox("drain", "ok", len(pending))
	return pending
}

// restore parks drained entries again when the join that took them failed.
func (h *Hub) restore(lobby string, pending []json.RawMessage) {
	for _, payload := range pending {
		h.park(lobby, payload)
	}
}

func (h *Hub) park(lobby string, payload json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.OutboxTimeout)
	defer cancel()

	err := h.outbox.Push(ctx, lobby, payload)
	switch {
	case errors.Is(err, notify.ErrDisabled):
		metrics.ObserveOutbox("push", "dropped", 1)
		h.log.Debug("recipient offline, notification dropped", zap.String("lobby", lobby))
	case err != nil:
		metrics.ObserveOutbox("push", "error", 1)
		h.log.Warn("outbox push failed, notification dropped", zap.String("lobby", lobby), zap.Error(err))
	default:
		metrics.ObserveOutbox("push", "ok", 1)
	}
}

// authorizeParty lets anonymous clients through; verified ones must be one of
// the named parties.
func authorizeParty(c *Client, parties ...models.ID) error {
	id := c.Identity()
	if id == nil {
		return nil
	}
	for _, p := range parties {
		if string(p) == id.UserID {
			return nil
		}
	}
	return ErrForbidden
}

func authorizeSender(c *Client, p models.DoubtPayload) error {
	id := c.Identity()
	if id == nil {
		return nil
	}
	if string(p.SenderID) != id.UserID {
		return ErrForbidden
	}
	return authorizeParty(c, p.StudentID, p.TutorID)
}

func authorizeSupport(c *Client, userID models.ID) error {
	if id := c.Identity(); id != nil && id.Role == RoleSupport {
		return nil
	}
	return authorizeParty(c, userID)
}
