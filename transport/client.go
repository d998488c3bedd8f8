package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/propagation"

	ferrors "github.com/vinayprograms/fleetconf/errors"
	"github.com/vinayprograms/fleetconf/heartbeat"
	"github.com/vinayprograms/fleetconf/serviceconfig"
	"github.com/vinayprograms/fleetconf/telemetry"
)

// Client talks to the HTTP API. Agents use it to report heartbeats and
// fetch their configuration; operators use it to manage configurations.
type Client struct {
	baseURL  string
	http     *http.Client
	username string
	password string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBasicAuth sets credentials for the protected routes.
func WithBasicAuth(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Heartbeat reports hb and returns the client's bound configuration, or nil
// when it has none.
func (c *Client) Heartbeat(ctx context.Context, hb *heartbeat.Heartbeat) (*serviceconfig.ServiceConfig, error) {
	if hb == nil || hb.ClientID == "" {
		return nil, ferrors.InvalidInput("heartbeat: client id is required")
	}
	var cfg serviceconfig.ServiceConfig
	status, err := c.do(ctx, http.MethodPost, "/client/"+url.PathEscape(hb.ClientID)+"/heartbeat", hb, &cfg)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &cfg, nil
}

// Query returns the configuration bound to clientID.
func (c *Client) Query(ctx context.Context, clientID string) (*serviceconfig.ServiceConfig, error) {
	var cfg serviceconfig.ServiceConfig
	if _, err := c.do(ctx, http.MethodGet, "/serviceconfig/query?clientid="+url.QueryEscape(clientID), nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Create stores a new configuration.
func (c *Client) Create(ctx context.Context, cfg serviceconfig.ServiceConfig) (*serviceconfig.ServiceConfig, error) {
	var out serviceconfig.ServiceConfig
	if _, err := c.do(ctx, http.MethodPost, "/serviceconfig", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches a configuration by identifier.
func (c *Client) Get(ctx context.Context, id string) (*serviceconfig.ServiceConfig, error) {
	var out serviceconfig.ServiceConfig
	if _, err := c.do(ctx, http.MethodGet, "/serviceconfig/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Bind binds clientID to cfg, creating or updating it first.
func (c *Client) Bind(ctx context.Context, clientID string, cfg serviceconfig.ServiceConfig) (*serviceconfig.ServiceConfig, error) {
	var out serviceconfig.ServiceConfig
	if _, err := c.do(ctx, http.MethodPut, "/client/"+url.PathEscape(clientID)+"/config", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a JSON request and decodes a JSON response into out. Error
// responses are decoded into *errors.Error so codes survive the hop.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	telemetry.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, ferrors.Unavailable("request failed", ferrors.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, decodeError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &ferrors.Error{}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code() == "" {
		return ferrors.Newf(ferrors.ErrCodeInternal, "server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return apiErr
}

// DialStream opens a WebSocket heartbeat stream for clientID. baseURL is the
// server's http(s) URL.
func DialStream(ctx context.Context, baseURL, clientID string) (*StreamClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/heartbeat/stream")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"clientid": {clientID}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, ferrors.Unavailable("heartbeat stream dial failed", ferrors.WithCause(err), ferrors.WithClientID(clientID))
	}
	return &StreamClient{conn: conn, clientID: clientID}, nil
}

// StreamClient is the agent side of a heartbeat stream.
// Send and Recv must each be called from one goroutine at a time.
type StreamClient struct {
	conn     *websocket.Conn
	clientID string
}

// Send writes one heartbeat frame.
func (s *StreamClient) Send(hb *heartbeat.Heartbeat) error {
	if hb == nil {
		hb = &heartbeat.Heartbeat{}
	}
	hb.ClientID = s.clientID
	data, err := hb.Marshal()
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv reads the next ack.
func (s *StreamClient) Recv() (*StreamAck, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var ack StreamAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Close ends the stream.
func (s *StreamClient) Close() error {
	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}
