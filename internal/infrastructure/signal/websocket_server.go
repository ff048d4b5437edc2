package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"
	"simulcastctl/internal/infrastructure/events"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Message is the envelope exchanged with websocket clients.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	MessageEvent   = "event"
	MessageState   = "state"
	MessageCommand = "command"
	MessageResult  = "result"
	MessageError   = "error"
)

// CommandPayload carries one console-style command line.
type CommandPayload struct {
	Line string `json:"line"`
}

// WebSocketServer streams session events to clients and accepts operator commands from them.
type WebSocketServer struct {
	session ports.SessionService
	bus     *events.Bus

	connections map[string]*websocket.Conn
	mu          sync.RWMutex

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewWebSocketServer(session ports.SessionService, bus *events.Bus, logger *zap.SugaredLogger) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebSocketServer{
		session:      session,
		bus:          bus,
		connections:  make(map[string]*websocket.Conn),
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *WebSocketServer) SetPingInterval(interval time.Duration) {
	if interval > 0 {
		s.pingInterval = interval
		s.readTimeout = 2 * interval
	}
}

// Connections returns the number of connected clients.
func (s *WebSocketServer) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	s.mu.Lock()
	s.connections[clientID] = conn
	s.mu.Unlock()
	s.logger.Infow("event client connected", "client_id", clientID, "remote_addr", r.RemoteAddr)

	eventsCh, unsubscribe := s.bus.Subscribe(64)
	defer unsubscribe()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	if err := s.write(conn, MessageState, s.session.CallState()); err != nil {
		s.logger.Infow("error sending initial state", "client_id", clientID, "error", err)
		s.disconnect(clientID)
		return
	}

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			messageChan <- msg
		}
	}()

loop:
	for {
		select {
		case msg := <-messageChan:
			if err := s.handleMessage(r.Context(), conn, msg); err != nil {
				s.logger.Infow("error handling client message", "client_id", clientID, "error", err)
				s.sendError(conn, err)
			}

		case ev, ok := <-eventsCh:
			if !ok {
				break loop
			}
			if err := s.write(conn, MessageEvent, ev); err != nil {
				s.logger.Infow("error sending event", "client_id", clientID, "error", err)
				break loop
			}

		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "client_id", clientID, "error", err)
				break loop
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from client", "client_id", clientID, "error", err)
			}
			break loop
		}
	}

	s.disconnect(clientID)
}

func (s *WebSocketServer) disconnect(clientID string) {
	s.mu.Lock()
	delete(s.connections, clientID)
	s.mu.Unlock()
	s.logger.Infow("event client disconnected", "client_id", clientID)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	switch msg.Type {
	case MessageState:
		return s.write(conn, MessageState, s.session.CallState())
	case MessageCommand:
		var cmd CommandPayload
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			return fmt.Errorf("invalid command payload: %w", err)
		}
		if cmd.Line == "" {
			// ending the session belongs to the console
			return fmt.Errorf("empty command: %w", domain.ErrInvalidCommand)
		}
		res, err := s.session.Execute(ctx, cmd.Line)
		if err != nil && !errors.Is(err, domain.ErrSessionEnded) {
			return fmt.Errorf("%s: %w", res.Notice, err)
		}
		return s.write(conn, MessageResult, res)
	case "":
		return fmt.Errorf("message type is required")
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (s *WebSocketServer) write(conn *websocket.Conn, msgType string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return conn.WriteJSON(Message{Type: msgType, Payload: payload})
}

func (s *WebSocketServer) sendError(conn *websocket.Conn, err error) {
	payload, _ := json.Marshal(map[string]string{"message": err.Error()})
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if werr := conn.WriteJSON(Message{Type: MessageError, Payload: payload}); werr != nil {
		s.logger.Debugw("failed to send error", "error", werr)
	}
}
