package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/sakif/js-dojo/internal/apperror"
	"github.com/sakif/js-dojo/internal/service"
)

// Websocket message types.
const (
	MsgRun    = "run"
	MsgCancel = "cancel"
	MsgPing   = "ping"

	MsgResult = "result"
	MsgError  = "error"
	MsgPong   = "pong"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxFrameSize = 2 * service.MaxCodeLength
)

// ClientMessage is a frame sent by the browser.
type ClientMessage struct {
	Type string `json:"type"`
	Slot string `json:"slot,omitempty"`
	Code string `json:"code,omitempty"`
}

// ServerMessage is a frame sent to the browser. Result frames carry
// ExecutionID, Output and DurationMS; error frames carry Error and Message.
type ServerMessage struct {
	Type        string `json:"type"`
	Slot        string `json:"slot,omitempty"`
	ExecutionID int64  `json:"executionId,omitempty"`
	Output      string `json:"output,omitempty"`
	DurationMS  int64  `json:"durationMs,omitempty"`
	Error       string `json:"error,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Gauge is satisfied by prometheus.Gauge.
type Gauge interface {
	Inc()
	Dec()
}

type nopGauge struct{}

func (nopGauge) Inc() {}
func (nopGauge) Dec() {}

// WSHandler runs code over a websocket. Each connection behaves like one
// page of the dojo: runs in a slot supersede each other, superseded and
// cancelled runs are never reported, and closing the connection cancels
// everything it still has pending.
type WSHandler struct {
	runs     RunService
	logger   *slog.Logger
	upgrader websocket.Upgrader
	conns    Gauge
}

// WSOption configures a WSHandler.
type WSOption func(*WSHandler)

// WithConnGauge tracks open connections in g.
func WithConnGauge(g Gauge) WSOption {
	return func(h *WSHandler) { h.conns = g }
}

// WithCheckOrigin overrides the same-origin check of the upgrader.
func WithCheckOrigin(fn func(r *http.Request) bool) WSOption {
	return func(h *WSHandler) { h.upgrader.CheckOrigin = fn }
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(runs RunService, logger *slog.Logger, opts ...WSOption) *WSHandler {
	h := &WSHandler{
		runs:   runs,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: nopGauge{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	id      string
	subject string
	conn    *websocket.Conn

	mu sync.Mutex
}

func (c *wsConn) send(msg ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// HandleConnection handles GET /api/ws.
func (h *WSHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxFrameSize)

	c := &wsConn{id: xid.New().String(), conn: conn}
	// Without an identity the connection is its own anonymous visitor.
	if sub, ok := subject(r); ok {
		c.subject = sub
	} else {
		c.subject = service.AnonymousSubjectFor(c.id)
	}
	logger := h.logger.With(slog.String("conn_id", c.id), slog.String("subject", c.subject))

	h.conns.Inc()
	defer h.conns.Dec()
	logger.Info("websocket connected")

	// Pending runs are tied to ctx: when the connection goes away, each
	// one's controller wait sees ctx end and tears its worker down.
	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		logger.Info("websocket disconnected")
	}()

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		switch msg.Type {
		case MsgRun:
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.run(ctx, c, logger, msg)
			}()
		case MsgCancel:
			if _, err := h.runs.Cancel(c.subject, msg.Slot); err != nil {
				h.sendError(c, logger, msg.Slot, err)
			}
		case MsgPing:
			_ = c.send(ServerMessage{Type: MsgPong})
		default:
			_ = c.send(ServerMessage{
				Type:    MsgError,
				Error:   "bad_request",
				Message: "unknown message type " + msg.Type,
			})
		}
	}
}

func (h *WSHandler) run(ctx context.Context, c *wsConn, logger *slog.Logger, msg ClientMessage) {
	res, err := h.runs.Run(ctx, c.subject, msg.Slot, msg.Code)
	if err != nil {
		// Superseded, cancelled or disconnected: nothing to show.
		if errors.Is(err, apperror.ErrCancelled) {
			return
		}
		h.sendError(c, logger, msg.Slot, err)
		return
	}

	if err := c.send(ServerMessage{
		Type:        MsgResult,
		Slot:        msg.Slot,
		ExecutionID: res.ExecutionID,
		Output:      res.Output,
		DurationMS:  res.Duration.Milliseconds(),
	}); err != nil {
		logger.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}

func (h *WSHandler) sendError(c *wsConn, logger *slog.Logger, slot string, err error) {
	msg := ServerMessage{Type: MsgError, Slot: slot, Error: apperror.Kind(err)}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		msg.Message = appErr.Message
	} else {
		logger.Error("websocket run failed", slog.String("error", err.Error()))
		msg.Message = "An internal error occurred"
	}
	if err := c.send(msg); err != nil {
		logger.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}
