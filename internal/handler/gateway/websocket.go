// Package gateway terminates client transports and hands their events to
// the relay engine.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/helpdesk/backend/internal/middleware"
	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
	"github.com/zhouzirui/helpdesk/backend/internal/service/relay"
	"github.com/zhouzirui/helpdesk/backend/internal/service/session"
	"github.com/zhouzirui/helpdesk/backend/pkg/utils"
)

// Relay is the set of events a connection may raise.
type Relay interface {
	UserMessage(ctx context.Context, connectionID, identity, text string) error
	SelectConversation(ctx context.Context, adminConnectionID, identity string) error
	AdminReply(ctx context.Context, adminConnectionID, identity, text string) error
}

// Sessions tracks live connections.
type Sessions interface {
	Register(connectionID string, role chat.Role, identity string, sub session.Subscriber) chat.Session
	Unregister(connectionID string)
}

// Options tunes the transport.
type Options struct {
	MaxMessageSize int64
	MaxTextLength  int
	SendBuffer     int
	RateBurst      int
	RatePerSecond  float64
	PingInterval   time.Duration
	CheckOrigin    func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	if o.MaxTextLength <= 0 {
		o.MaxTextLength = 4000
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 5
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 1
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 54 * time.Second
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return o
}

// Handler WebSocket 与 SSE 接入层
type Handler struct {
	relay    Relay
	sessions Sessions
	tokens   middleware.TokenParser
	opts     Options
	upgrader websocket.Upgrader
}

// New 创建接入层处理器
func New(relay Relay, sessions Sessions, tokens middleware.TokenParser, opts Options) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		relay:    relay,
		sessions: sessions,
		tokens:   tokens,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:     opts.CheckOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *Handler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type userMessagePayload struct {
	Username string `json:"username" validate:"omitempty,max=64"`
	Message  string `json:"message" validate:"required"`
}

type selectUserPayload struct {
	Username string `json:"username" validate:"required,max=64"`
}

type adminReplyPayload struct {
	Username string `json:"username" validate:"required,max=64"`
	Message  string `json:"message" validate:"required"`
}

type connectionState struct {
	session chat.Session
	client  *client
	limiter *rate.Limiter
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.Parse(middleware.TokenFromRequest(r))
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	role := chat.RoleUser
	if claims.Admin {
		role = chat.RoleAdmin
	}
	c := newClient(uuid.NewString(), conn, h.opts.SendBuffer)
	state := &connectionState{
		session: h.sessions.Register(c.id, role, claims.Username, c),
		client:  c,
		limiter: rate.NewLimiter(rate.Limit(h.opts.RatePerSecond), h.opts.RateBurst),
	}
	defer func() {
		h.sessions.Unregister(c.id)
		c.close()
		log.Printf("[gateway] connection %s closed (%s %s)", c.id, role, claims.Username)
	}()

	log.Printf("[gateway] connection %s opened (%s %s)", c.id, role, claims.Username)
	go c.writePump(h.opts.PingInterval)

	pongWait := h.opts.PingInterval * 10 / 9
	conn.SetReadLimit(h.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.Deliver(chat.Event{
		Type: chat.EventConnected,
		Data: map[string]any{
			"connectionId": c.id,
			"username":     claims.Username,
			"role":         role,
		},
	})

	ctx := r.Context()
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[gateway] read error on %s: %v", c.id, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if !state.limiter.Allow() {
			h.sendError(c, "rate limit exceeded, slow down")
			continue
		}
		h.handleMessage(ctx, state, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, state *connectionState, msg *inboundMessage) {
	var err error
	switch msg.Type {
	case "userMessage":
		err = h.handleUserMessage(ctx, state, msg.Data)
	case "selectUser":
		err = h.handleSelectUser(ctx, state, msg.Data)
	case "adminReply":
		err = h.handleAdminReply(ctx, state, msg.Data)
	default:
		h.sendError(state.client, "unsupported message type: "+msg.Type)
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, session.ErrUnknownSession):
		log.Printf("[gateway] discarded %s: %v", msg.Type, err)
	case errors.Is(err, errBadPayload):
		h.sendError(state.client, err.Error())
	default:
		// The engine has already told the connection what went wrong.
		log.Printf("[gateway] %s from %s failed: %v", msg.Type, state.session.ConnectionID, err)
	}
}

var errBadPayload = errors.New("invalid payload")

func (h *Handler) handleUserMessage(ctx context.Context, state *connectionState, raw json.RawMessage) error {
	var payload userMessagePayload
	if err := h.decode(raw, &payload); err != nil {
		return err
	}
	if err := h.checkText(payload.Message); err != nil {
		return err
	}

	identity := state.session.Identity
	if payload.Username != "" && payload.Username != identity {
		return fmt.Errorf("%w: username does not match the signed-in account", errBadPayload)
	}
	return h.relay.UserMessage(ctx, state.session.ConnectionID, identity, payload.Message)
}

func (h *Handler) handleSelectUser(ctx context.Context, state *connectionState, raw json.RawMessage) error {
	var payload selectUserPayload
	// Older clients send the bare username string.
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		payload.Username = bare
		if err := utils.ValidateStruct(&payload); err != nil {
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
	} else if err := h.decode(raw, &payload); err != nil {
		return err
	}
	return h.relay.SelectConversation(ctx, state.session.ConnectionID, payload.Username)
}

func (h *Handler) handleAdminReply(ctx context.Context, state *connectionState, raw json.RawMessage) error {
	var payload adminReplyPayload
	if err := h.decode(raw, &payload); err != nil {
		return err
	}
	if err := h.checkText(payload.Message); err != nil {
		return err
	}
	return h.relay.AdminReply(ctx, state.session.ConnectionID, payload.Username, payload.Message)
}

func (h *Handler) decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: data is required", errBadPayload)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: malformed data", errBadPayload)
	}
	if err := utils.ValidateStruct(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func (h *Handler) checkText(text string) error {
	if err := utils.Validator().Var(text, fmt.Sprintf("max=%d", h.opts.MaxTextLength)); err != nil {
		return fmt.Errorf("%w: message must be at most %d characters", errBadPayload, h.opts.MaxTextLength)
	}
	return nil
}

func (h *Handler) sendError(c *client, message string) {
	c.Deliver(chat.Event{
		Type: chat.EventError,
		Data: chat.Failure{Message: message},
	})
}

var _ Relay = (*relay.Engine)(nil)
