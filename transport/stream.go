package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	ferrors "github.com/vinayprograms/fleetconf/errors"
	"github.com/vinayprograms/fleetconf/heartbeat"
)

// StreamConfig configures WebSocket heartbeat streams.
type StreamConfig struct {
	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// ReadTimeout is how long a stream may stay silent before it is closed
	// (0 = no timeout). Pongs count as traffic.
	ReadTimeout time.Duration

	// MaxMessageSize limits incoming frames.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration

	// SendBufferSize is the number of acks that may queue per stream.
	SendBufferSize int
}

// DefaultStreamConfig returns configuration with sensible defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    0,
		MaxMessageSize: 64 * 1024,
		PingInterval:   30 * time.Second,
		SendBufferSize: 16,
	}
}

// StreamAck is written back for every heartbeat frame.
type StreamAck struct {
	ClientID string `json:"client_id"`
	Received int64  `json:"received"`

	// ConfigID and Changed identify the client's bound configuration so the
	// agent can tell when to fetch a new one. Empty when unbound.
	ConfigID string     `json:"config_id,omitempty"`
	Changed  *time.Time `json:"changed,omitempty"`

	Error *ferrors.Error `json:"error,omitempty"`
}

func newUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true }, // agents are not browsers
	}
}

// handleStream upgrades to a WebSocket on which every text frame from the
// agent is one heartbeat. An empty frame is a bare heartbeat.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientid")
	if clientID == "" {
		writeError(w, ferrors.InvalidInput("query parameter clientid is required"))
		return
	}

	conn, err := newUpgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}

	st := newHeartbeatStream(conn, clientID, s.config.Stream)
	if !s.addStream(st) {
		st.Close()
		return
	}
	defer s.removeStream(st)

	s.logger.Debug("stream_opened", map[string]interface{}{"client_id": clientID})
	st.run(s.handleFrame)
	s.logger.Debug("stream_closed", map[string]interface{}{
		"client_id": clientID,
		"received":  st.received.Load(),
	})
}

// handleFrame turns one frame into a heartbeat and builds the ack.
func (s *Server) handleFrame(st *heartbeatStream, data []byte) StreamAck {
	ack := StreamAck{ClientID: st.clientID}

	hb := &heartbeat.Heartbeat{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, hb); err != nil {
			ack.Error = ferrors.InvalidInput("invalid heartbeat: " + err.Error())
			ack.Received = st.received.Load()
			return ack
		}
	}
	hb.ClientID = st.clientID
	s.observe(hb)
	ack.Received = st.received.Add(1)

	if cfg, ok := s.opts.Bindings.Resolve(st.clientID); ok {
		ack.ConfigID = cfg.ID
		changed := cfg.ChangedTimestamp
		ack.Changed = &changed
	}
	return ack
}

// heartbeatStream is one agent's WebSocket connection.
type heartbeatStream struct {
	conn     *websocket.Conn
	config   StreamConfig
	clientID string

	send     chan StreamAck
	done     chan struct{}
	received atomic.Int64

	mu     sync.Mutex
	closed bool
}

func newHeartbeatStream(conn *websocket.Conn, clientID string, cfg StreamConfig) *heartbeatStream {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultStreamConfig().SendBufferSize
	}
	conn.SetReadLimit(cfg.MaxMessageSize)

	return &heartbeatStream{
		conn:     conn,
		config:   cfg,
		clientID: clientID,
		send:     make(chan StreamAck, cfg.SendBufferSize),
		done:     make(chan struct{}),
	}
}

// run blocks until the connection ends.
func (st *heartbeatStream) run(handle func(*heartbeatStream, []byte) StreamAck) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		st.writeLoop()
	}()

	st.readLoop(handle)
	st.Close()
	wg.Wait()
}

// Close ends the stream with a normal closure.
func (st *heartbeatStream) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	close(st.done)
	st.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	st.mu.Unlock()

	return st.conn.Close()
}

func (st *heartbeatStream) readLoop(handle func(*heartbeatStream, []byte) StreamAck) {
	if st.config.ReadTimeout > 0 {
		st.conn.SetReadDeadline(time.Now().Add(st.config.ReadTimeout))
		st.conn.SetPongHandler(func(string) error {
			return st.conn.SetReadDeadline(time.Now().Add(st.config.ReadTimeout))
		})
	}

	for {
		msgType, data, err := st.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if st.config.ReadTimeout > 0 {
			st.conn.SetReadDeadline(time.Now().Add(st.config.ReadTimeout))
		}

		ack := handle(st, data)
		select {
		case st.send <- ack:
		case <-st.done:
			return
		default:
			// Slow reader; the next ack carries the running count.
		}
	}
}

func (st *heartbeatStream) writeLoop() {
	var ping <-chan time.Time
	if st.config.PingInterval > 0 {
		ticker := time.NewTicker(st.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-st.done:
			return
		case <-ping:
			st.writePing()
		case ack := <-st.send:
			st.writeAck(ack)
		}
	}
}

func (st *heartbeatStream) writePing() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

func (st *heartbeatStream) writeAck(ack StreamAck) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	if st.config.WriteTimeout > 0 {
		st.conn.SetWriteDeadline(time.Now().Add(st.config.WriteTimeout))
	}
	st.conn.WriteMessage(websocket.TextMessage, data)
}
