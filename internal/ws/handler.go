package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/verba-ai/verba/internal/auth"
	"github.com/verba-ai/verba/internal/logger"
	"github.com/verba-ai/verba/internal/orchestrator"
	"github.com/verba-ai/verba/internal/safety"
)

const (
	// readTimeout is refreshed on every inbound frame and pong. A silent
	// client is disconnected after it elapses.
	readTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is the envelope for everything a client sends.
type clientMessage struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// Canceller aborts an in-flight turn, possibly on another instance.
type Canceller interface {
	Cancel(ctx context.Context, sessionID string) bool
}

// Handler multiplexes chat turns over a single WebSocket connection.
// Clients authenticate with an auth frame (or a token query parameter at
// upgrade time) before anything else is accepted.
type Handler struct {
	validator auth.TokenValidator
	orc       *orchestrator.Orchestrator
	canceller Canceller
	logger    *logger.Logger
}

func NewHandler(v auth.TokenValidator, o *orchestrator.Orchestrator, c Canceller, log *logger.Logger) *Handler {
	return &Handler{validator: v, orc: o, canceller: c, logger: log.WithComponent("ws")}
}

// conn wraps the socket with a write lock: turn goroutines and the ping
// loop write concurrently.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Send implements orchestrator.Transport.
func (c *conn) Send(f orchestrator.Frame) error {
	return c.writeJSON(f)
}

func (h *Handler) Serve(c *gin.Context) {
	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	// Browsers cannot set headers on the upgrade request, so a token query
	// parameter authenticates the connection up front. Everyone else sends
	// an auth frame as their first message.
	principal, authenticated := auth.GetPrincipal(c)
	if !authenticated {
		if token := c.Query("token"); token != "" {
			if p, err := h.validator.ValidateToken(token); err == nil {
				principal, authenticated = p, true
			}
		}
	}
	h.serveConn(c.Request.Context(), &conn{ws: socket}, principal, authenticated)
}

func (h *Handler) serveConn(ctx context.Context, cn *conn, principal auth.Principal, authenticated bool) {
	defer cn.ws.Close()
	log := h.logger.WithContext(ctx)

	cn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	cn.ws.SetPongHandler(func(string) error {
		cn.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if cn.ping() != nil {
					return
				}
			}
		}
	}()

	if authenticated {
		cn.writeJSON(gin.H{"type": "auth_success", "userId": principal.UserID})
	}

	var turns sync.WaitGroup
	defer turns.Wait()

	for {
		var msg clientMessage
		if err := cn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("connection dropped", slog.String("error", err.Error()))
			}
			return
		}
		cn.ws.SetReadDeadline(time.Now().Add(readTimeout))

		switch {
		case msg.Type == "auth" && !authenticated:
			p, err := h.validator.ValidateToken(msg.Token)
			if err != nil {
				cn.writeJSON(gin.H{"type": "auth_error", "message": "Invalid or expired token"})
				continue
			}
			principal = p
			authenticated = true
			cn.writeJSON(gin.H{"type": "auth_success", "userId": principal.UserID})

		case msg.Type == "ping":
			cn.writeJSON(gin.H{"type": "pong"})

		case msg.Type == "chat" && authenticated:
			in := orchestrator.TurnInput{UserID: principal.UserID, SessionID: msg.SessionID, Content: msg.Message, ProviderOverride: msg.Provider}
			turns.Add(1)
			go func() {
				defer turns.Done()
				if _, err := h.orc.HandleTurn(ctx, in, cn); err != nil {
					cn.writeJSON(turnErrorFrame(in.SessionID, err))
				}
			}()

		case msg.Type == "cancel" && authenticated:
			found := h.canceller.Cancel(ctx, msg.SessionID)
			cn.writeJSON(gin.H{"type": "cancel_ack", "sessionId": msg.SessionID, "found": found})

		default:
			cn.writeJSON(gin.H{"type": "error", "message": "Invalid message type or not authenticated"})
		}
	}
}

// turnErrorFrame translates admission errors into an error frame so the
// WebSocket client sees the same taxonomy as SSE clients.
func turnErrorFrame(sessionID string, err error) orchestrator.Frame {
	f := orchestrator.Frame{Type: "error", SessionID: sessionID}

	var verr *safety.ValidationError
	var berr *orchestrator.SafetyBlockedError
	var rerr *orchestrator.RateLimitedError
	var qerr *orchestrator.QuotaExceededError
	switch {
	case errors.As(err, &verr):
		f.ErrorType = safety.ErrTypeValidation
		f.Message = verr.Field + " " + verr.Reason
	case errors.As(err, &berr):
		f.ErrorType = berr.Reply.ErrorType
		f.Message = berr.Reply.Text
		f.Flags = berr.Flags
		f.Retryable = berr.Reply.Retryable
	case errors.As(err, &rerr):
		reply := safety.SafeResponse(safety.ErrTypeRateLimit)
		f.ErrorType = reply.ErrorType
		f.Message = reply.Text
		f.Retryable = true
	case errors.As(err, &qerr):
		reply := safety.SafeResponse(safety.ErrTypeQuota)
		f.ErrorType = reply.ErrorType
		f.Message = reply.Text
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		f.ErrorType = "not-found"
		f.Message = "Session not found"
	case errors.Is(err, orchestrator.ErrTurnInFlight):
		f.ErrorType = "conflict"
		f.Message = "A response is already being generated for this session"
		f.Retryable = true
	default:
		reply := safety.SafeResponse(safety.ErrTypeInternal)
		f.ErrorType = reply.ErrorType
		f.Message = reply.Text
		f.Retryable = reply.Retryable
	}
	return f
}
