package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"learnhub/realtime/internal/models"
	"learnhub/realtime/internal/session"
	"learnhub/realtime/internal/utils"
)

// Pinger is the slice of the redis client the readiness probe needs.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

type Options struct {
	JWTSecret      []byte
	RequireAuth    bool
	AllowedOrigins []string
	SendBuffer     int
	MaxFrameBytes  int64
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
}

type Handlers struct {
	log      *zap.Logger
	hub      *session.Hub
	redis    Pinger
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandlers wires the HTTP surface. redis may be nil when the outbox is
// disabled.
func NewHandlers(log *zap.Logger, hub *session.Hub, redis Pinger, opts Options) *Handlers {
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 256 << 10
	}
	h := &Handlers{log: log, hub: hub, redis: redis, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// Ready reports whether the outbox store is reachable.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if h.redis == nil {
		utils.JSON(w, http.StatusOK, map[string]string{"status": "ready", "redis": "disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		h.log.Warn("readiness check failed", zap.Error(err))
		utils.JSONError(w, http.StatusServiceUnavailable, "redis unavailable")
		return
	}
	utils.JSON(w, http.StatusOK, map[string]string{"status": "ready", "redis": "ok"})
}

func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	utils.JSON(w, http.StatusOK, h.hub.Stats())
}

// RealtimeWS upgrades the connection and feeds inbound frames to the hub
// until the socket closes.
func (h *Handlers) RealtimeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		utils.JSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := session.NewClient(conn, identity, h.opts.SendBuffer)
	h.hub.Register(client)
	go client.WritePump(h.opts.PingPeriod, h.opts.WriteWait)
	defer h.hub.Disconnect(client)

	fields := []zap.Field{zap.String("client", client.ID)}
	if identity != nil {
		fields = append(fields, zap.String("user", identity.UserID), zap.String("role", identity.Role))
	}
	h.log.Debug("client connected", fields...)

	conn.SetReadLimit(h.opts.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", zap.String("client", client.ID), zap.Error(err))
			}
			return
		}
		var frame models.InboundFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Type == "" {
			client.Send(models.ErrorFrame(models.CodeInvalidFrame))
			continue
		}
		_ = h.hub.Handle(client, frame)
		if client.Closed() {
			return
		}
	}
}

// authenticate returns nil for anonymous connections. A token that is
// present but invalid is always refused.
func (h *Handlers) authenticate(r *http.Request) (*session.Identity, error) {
	tok, err := utils.ExtractToken(r)
	if errors.Is(err, utils.ErrMissingToken) {
		if h.opts.RequireAuth {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(h.opts.JWTSecret) == 0 {
		return nil, utils.ErrInvalidToken
	}
	claims, err := utils.ValidateAccessToken(tok, h.opts.JWTSecret)
	if err != nil {
		return nil, err
	}
	return &session.Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// checkOrigin allows non-browser clients, listed origins, and same host when
// no list is configured.
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.opts.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
