package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var ErrAuthRequired = errors.New("authentication required")

// State is where a connection sits in its lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// Error codes carried in outbound error frames.
const (
	CodeInvalidJSON          = "INVALID_JSON"
	CodeInvalidMessage       = "INVALID_MESSAGE"
	CodeUnknownType          = "UNKNOWN_TYPE"
	CodeAuthRequired         = "AUTH_REQUIRED"
	CodeAuthFailed           = "AUTH_FAILED"
	CodeAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeServerError          = "SERVER_ERROR"
)

// Accounts answers whether a claimed owner id is a real account.
type Accounts interface {
	Exists(ctx context.Context, ownerID string) (bool, error)
}

// TokenVerifier resolves a signed access token to its owner id.
type TokenVerifier interface {
	Subject(ctx context.Context, token string) (string, error)
}

type Options struct {
	SendBuffer int
	Rate       float64
	Burst      int
	// RequireToken refuses authenticate messages without a valid access token.
	RequireToken bool
	CheckOrigin  func(r *http.Request) bool
	WriteWait    time.Duration
	PongWait     time.Duration
	ReadLimit    int64
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.Rate <= 0 {
		o.Rate = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 * 1024
	}
	return o
}

// Handler upgrades sync requests and runs one Conn per socket.
type Handler struct {
	registry  *Registry
	publisher Publisher
	accounts  Accounts
	tokens    TokenVerifier
	opts      Options
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func NewHandler(registry *Registry, publisher Publisher, accounts Accounts, tokens TokenVerifier, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		registry:  registry,
		publisher: publisher,
		accounts:  accounts,
		tokens:    tokens,
		opts:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

// NewConn creates an unauthenticated connection that is not yet bound to a
// socket.
func (h *Handler) NewConn() *Conn {
	return &Conn{
		id:      uuid.NewString(),
		h:       h,
		limiter: rate.NewLimiter(rate.Limit(h.opts.Rate), h.opts.Burst),
		send:    make(chan []byte, h.opts.SendBuffer),
		done:    make(chan struct{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	liveConnections.Inc()
	defer liveConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := h.NewConn()
	logger := h.logger.With("conn", c.id)
	logger.Info("sync socket connected", "remote", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ws, h.opts)
	}()

	c.reply(outboundMessage{Type: MessageConnectionEstablished, Message: "Connected to sync server"})
	c.readPump(ctx, ws, h.opts)
	c.Close()
	wg.Wait()
	logger.Info("sync socket closed", "owner", c.Owner())
}

// Conn is the per-socket state machine. Inbound messages are handled one at
// a time by the reader; outbound frames queue on send and are written in
// order by the writer.
type Conn struct {
	id      string
	h       *Handler
	limiter *rate.Limiter
	send    chan []byte
	done    chan struct{}

	mu    sync.Mutex
	state State
	owner string
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

func (c *Conn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close leaves the owner's group and stops the writer. It is safe to call
// more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if c.state == StateAuthenticated {
		c.h.registry.Leave(c.owner, c)
	}
	c.state = StateClosed
	close(c.done)
}

type outboundMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

func (c *Conn) reply(msg outboundMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		c.h.logger.Error("encode reply", "conn", c.id, "error", err)
		return
	}
	if !c.Enqueue(frame) {
		c.Close()
	}
}

func (c *Conn) fail(code, message string) {
	c.reply(outboundMessage{Type: MessageError, Code: code, Message: message})
}

// flexibleID accepts an id sent either as a JSON string or a JSON number.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

type inboundMessage struct {
	Type      string          `json:"type"`
	UserID    flexibleID      `json:"userId"`
	Token     string          `json:"token"`
	NoteID    flexibleID      `json:"note_id"`
	NoteIDAlt flexibleID      `json:"noteId"`
	Status    json.RawMessage `json:"status"`
}

// Handle processes one inbound frame. Bad input produces an error reply and
// leaves the state unchanged.
func (c *Conn) Handle(ctx context.Context, raw []byte) {
	if c.State() == StateClosed {
		return
	}
	if !c.limiter.Allow() {
		inboundMessages.WithLabelValues("any", "rate_limited").Inc()
		c.fail(CodeRateLimited, "Too many messages")
		return
	}

	if !json.Valid(raw) {
		inboundMessages.WithLabelValues("invalid", "invalid_json").Inc()
		c.fail(CodeInvalidJSON, "Invalid JSON")
		return
	}
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		inboundMessages.WithLabelValues("invalid", "invalid_message").Inc()
		c.fail(CodeInvalidMessage, "Message must be an object with a type")
		return
	}

	switch msg.Type {
	case "authenticate":
		c.authenticate(ctx, msg)
	case string(EventNoteUpdate), "note_update":
		c.noteUpdate(ctx, msg)
	default:
		inboundMessages.WithLabelValues("unknown", "unknown_type").Inc()
		c.fail(CodeUnknownType, fmt.Sprintf("Unknown message type %q", msg.Type))
	}
}

func (c *Conn) authenticate(ctx context.Context, msg inboundMessage) {
	result := "ok"
	defer func() { inboundMessages.WithLabelValues("authenticate", result).Inc() }()

	if c.State() != StateUnauthenticated {
		result = "already_authenticated"
		c.fail(CodeAlreadyAuthenticated, "Connection is already authenticated")
		return
	}
	ownerID := string(msg.UserID)
	if ownerID == "" {
		result = "invalid"
		c.fail(CodeInvalidMessage, "userId is required")
		return
	}

	switch {
	case msg.Token != "" && c.h.tokens != nil:
		subject, err := c.h.tokens.Subject(ctx, msg.Token)
		if err != nil || subject != ownerID {
			result = "bad_token"
			c.fail(CodeAuthFailed, "Token does not match userId")
			return
		}
	case c.h.opts.RequireToken:
		result = "missing_token"
		c.fail(CodeAuthFailed, "Access token is required")
		return
	}

	exists, err := c.h.accounts.Exists(ctx, ownerID)
	if err != nil {
		result = "error"
		c.h.logger.Error("check account", "conn", c.id, "error", err)
		c.fail(CodeServerError, "Could not verify user")
		return
	}
	if !exists {
		result = "unknown_user"
		c.fail(CodeAuthFailed, "User not found")
		return
	}

	c.mu.Lock()
	if c.state != StateUnauthenticated {
		c.mu.Unlock()
		result = "closed"
		return
	}
	c.state = StateAuthenticated
	c.owner = ownerID
	c.h.registry.Join(ownerID, c)
	c.mu.Unlock()

	c.h.logger.Debug("sync socket authenticated", "conn", c.id, "owner", ownerID)
	c.reply(outboundMessage{Type: MessageAuthenticated, UserID: ownerID})
}

func (c *Conn) noteUpdate(ctx context.Context, msg inboundMessage) {
	c.mu.Lock()
	state, ownerID := c.state, c.owner
	c.mu.Unlock()
	if state != StateAuthenticated {
		inboundMessages.WithLabelValues("note-update", "auth_required").Inc()
		c.fail(CodeAuthRequired, ErrAuthRequired.Error())
		return
	}

	rawID := msg.NoteID
	if rawID == "" {
		rawID = msg.NoteIDAlt
	}
	noteID, err := strconv.ParseInt(string(rawID), 10, 64)
	if err != nil {
		inboundMessages.WithLabelValues("note-update", "invalid").Inc()
		c.fail(CodeInvalidMessage, "note_id is required")
		return
	}

	inboundMessages.WithLabelValues("note-update", "ok").Inc()
	c.h.publisher.Publish(ctx, ownerID, NoteUpdate(noteID, msg.Status))
}

func (c *Conn) readPump(ctx context.Context, ws *websocket.Conn, opts Options) {
	ws.SetReadLimit(opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.h.logger.Debug("sync socket read failed", "conn", c.id, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		c.Handle(ctx, data)
	}
}

func (c *Conn) writePump(ws *websocket.Conn, opts Options) {
	ticker := time.NewTicker(opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush(ws, opts)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(opts.WriteWait))
			return
		}
	}
}

// flush writes frames that were queued before the connection closed.
func (c *Conn) flush(ws *websocket.Conn, opts Options) {
	for {
		select {
		case frame := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
