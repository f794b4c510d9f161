// Package websocket pushes node events to operator clients over
// websocket. Clients subscribe with kind queries and receive NewBlock,
// BlockFinalized and the other bus events as JSON frames.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/Demosthene27/valois-sdk/events"
	"github.com/Demosthene27/valois-sdk/logging"
)

// Common errors.
var (
	ErrServerClosed     = errors.New("websocket server closed")
	ErrMaxClients       = errors.New("maximum clients reached")
	ErrMaxSubscriptions = errors.New("maximum subscriptions per client reached")
	ErrInvalidMessage   = errors.New("invalid message format")
	ErrSubscribeFailed  = errors.New("subscribe failed")
)

// Config holds the websocket server limits and timeouts.
type Config struct {
	MaxClients                int
	MaxSubscriptionsPerClient int
	PingInterval              time.Duration
	WriteTimeout              time.Duration
	ReadTimeout               time.Duration

	// AllowedOrigins restricts allowed origins. Empty means all allowed.
	AllowedOrigins []string
}

// DefaultConfig returns the default websocket limits.
func DefaultConfig() Config {
	return Config{
		MaxClients:                100,
		MaxSubscriptionsPerClient: 10,
		PingInterval:              30 * time.Second,
		WriteTimeout:              10 * time.Second,
		ReadTimeout:               60 * time.Second,
	}
}

// Server upgrades HTTP connections and streams bus events to clients.
type Server struct {
	bus      *events.Bus
	cfg      Config
	upgrader ws.HTTPUpgrader
	logger   *logging.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a websocket server over the event bus.
func NewServer(bus *events.Bus, cfg Config, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		bus:     bus,
		cfg:     cfg,
		logger:  logger.WithComponent("websocket"),
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.upgrader = ws.HTTPUpgrader{
		Timeout: 10 * time.Second,
		Protocol: func(string) bool {
			return true
		},
	}

	return s
}

// Start marks the server as accepting connections.
func (s *Server) Start() error {
	s.running.Store(true)
	return nil
}

// Stop disconnects every client and stops accepting new ones.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	s.cancel()

	s.mu.Lock()
	for _, client := range s.clients {
		client.Close()
	}
	s.clients = make(map[string]*Client)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// IsRunning reports whether the server accepts connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler performing websocket upgrades.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.running.Load() {
		http.Error(w, "server not running", http.StatusServiceUnavailable)
		return
	}

	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	s.mu.RLock()
	clientCount := len(s.clients)
	s.mu.RUnlock()

	if s.cfg.MaxClients > 0 && clientCount >= s.cfg.MaxClients {
		http.Error(w, "max clients reached", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := s.upgrader.Upgrade(r, w)
	if err != nil {
		return
	}

	client := newClient(s, conn, r.RemoteAddr)

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		client.run()
		s.removeClient(client.id)
	}()
}

func (s *Server) removeClient(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Client is one connected websocket client.
type Client struct {
	id         string
	server     *Server
	conn       net.Conn
	remoteAddr string
	logger     *logging.Logger

	mu            sync.Mutex
	subscriptions map[string]*clientSubscription
	subCount      int

	writeMu sync.Mutex
	sendCh  chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
}

type clientSubscription struct {
	query    events.Query
	eventCh  <-chan events.Event
	cancelFn context.CancelFunc
}

func newClient(s *Server, conn net.Conn, remoteAddr string) *Client {
	ctx, cancel := context.WithCancel(s.ctx)
	clientID := fmt.Sprintf("%s-%d", remoteAddr, time.Now().UnixNano())
	return &Client{
		id:            clientID,
		server:        s,
		conn:          conn,
		remoteAddr:    remoteAddr,
		logger:        s.logger.With(slog.String("client_id", clientID)),
		subscriptions: make(map[string]*clientSubscription),
		sendCh:        make(chan []byte, 256),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (c *Client) run() {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop()
	}()

	<-c.ctx.Done()

	c.Close()
	wg.Wait()
}

func (c *Client) readLoop() {
	defer c.cancel()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.ReadTimeout))

		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("read failed", logging.Error(err))
			}
			return
		}

		switch op {
		case ws.OpPong:
			continue
		case ws.OpClose:
			return
		case ws.OpText, ws.OpBinary:
			c.handleMessage(data)
		}
	}
}

func (c *Client) writeLoop() {
	defer c.cancel()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.sendCh:
			if err := c.writeMessage(ws.OpText, msg); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeMessage(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
	return wsutil.WriteServerMessage(c.conn, op, data)
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeMessage(ws.OpPing, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(msg.ID, ErrInvalidMessage)
		return
	}

	switch msg.Method {
	case "subscribe":
		c.handleSubscribe(msg)
	case "unsubscribe":
		c.handleUnsubscribe(msg)
	case "unsubscribe_all":
		c.handleUnsubscribeAll(msg)
	default:
		c.sendError(msg.ID, fmt.Errorf("unknown method: %s", msg.Method))
	}
}

func (c *Client) handleSubscribe(msg Message) {
	c.mu.Lock()
	if c.server.cfg.MaxSubscriptionsPerClient > 0 && c.subCount >= c.server.cfg.MaxSubscriptionsPerClient {
		c.mu.Unlock()
		c.sendError(msg.ID, ErrMaxSubscriptions)
		return
	}

	queryStr := msg.Query
	if _, exists := c.subscriptions[queryStr]; exists {
		c.mu.Unlock()
		c.sendResult(msg.ID, map[string]any{"subscribed": true, "query": queryStr})
		return
	}
	c.mu.Unlock()

	query := parseQuery(msg.Query)

	subCtx, subCancel := context.WithCancel(c.ctx)
	eventCh, err := c.server.bus.Subscribe(subCtx, c.id, query)
	if err != nil {
		subCancel()
		c.sendError(msg.ID, ErrSubscribeFailed)
		return
	}

	sub := &clientSubscription{
		query:    query,
		eventCh:  eventCh,
		cancelFn: subCancel,
	}

	c.mu.Lock()
	c.subscriptions[queryStr] = sub
	c.subCount++
	c.mu.Unlock()

	go c.forwardEvents(queryStr, sub)

	c.sendResult(msg.ID, map[string]any{"subscribed": true, "query": queryStr})
}

func (c *Client) handleUnsubscribe(msg Message) {
	queryStr := msg.Query

	c.mu.Lock()
	sub, exists := c.subscriptions[queryStr]
	if !exists {
		c.mu.Unlock()
		c.sendResult(msg.ID, map[string]any{"unsubscribed": true, "query": queryStr})
		return
	}

	delete(c.subscriptions, queryStr)
	c.subCount--
	c.mu.Unlock()

	sub.cancelFn()
	_ = c.server.bus.Unsubscribe(c.id, sub.query)

	c.sendResult(msg.ID, map[string]any{"unsubscribed": true, "query": queryStr})
}

func (c *Client) handleUnsubscribeAll(msg Message) {
	c.mu.Lock()
	subs := make(map[string]*clientSubscription, len(c.subscriptions))
	for queryStr, sub := range c.subscriptions {
		subs[queryStr] = sub
	}
	c.subscriptions = make(map[string]*clientSubscription)
	c.subCount = 0
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancelFn()
	}
	_ = c.server.bus.UnsubscribeAll(c.id)

	c.sendResult(msg.ID, map[string]any{"unsubscribed_all": true})
}

func (c *Client) forwardEvents(queryStr string, sub *clientSubscription) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case event, ok := <-sub.eventCh:
			if !ok {
				return
			}
			c.sendEvent(queryStr, event)
		}
	}
}

func (c *Client) sendEvent(query string, event events.Event) {
	resp := Response{
		JSONRPC: "2.0",
		Result: EventData{
			Query: query,
			Event: renderEvent(event),
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}

	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("event dropped: send channel full",
			slog.String("query", query),
			slog.String("event_kind", string(event.Kind)))
	}
}

func (c *Client) sendResult(id any, result any) {
	resp := Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}

	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("result dropped: send channel full",
			slog.Any("request_id", id))
	}
}

func (c *Client) sendError(id any, err error) {
	resp := Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &ErrorData{
			Code:    -32000,
			Message: err.Error(),
		},
	}

	data, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		return
	}

	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("error response dropped: send channel full",
			slog.Any("request_id", id))
	}
}

// Close closes the client connection and drops its subscriptions.
func (c *Client) Close() {
	c.cancel()

	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = make(map[string]*clientSubscription)
	c.subCount = 0
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancelFn()
	}
	_ = c.server.bus.UnsubscribeAll(c.id)

	c.writeMu.Lock()
	_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
	c.writeMu.Unlock()

	c.conn.Close()
}

// Message is a request frame from the client.
type Message struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Query   string `json:"query,omitempty"`
}

// Response is a frame sent to the client.
type Response struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      any        `json:"id,omitempty"`
	Result  any        `json:"result,omitempty"`
	Error   *ErrorData `json:"error,omitempty"`
}

// ErrorData carries an error to the client.
type ErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// EventData is the push payload for one matched event.
type EventData struct {
	Query string         `json:"query"`
	Event map[string]any `json:"event"`
}

// renderEvent flattens a bus event into the wire shape. Binary ids
// travel base64-encoded through encoding/json.
func renderEvent(event events.Event) map[string]any {
	out := map[string]any{
		"kind": string(event.Kind),
		"time": event.Time,
	}
	switch data := event.Data.(type) {
	case events.NewBlockData:
		out["height"] = uint64(data.Block.Header.Height)
		out["blockId"] = []byte(data.Block.Header.ID())
		out["transactionCount"] = len(data.Block.Payload)
		out["origin"] = data.Origin.String()
	case events.DeleteBlockData:
		out["height"] = uint64(data.Block.Header.Height)
		out["blockId"] = []byte(data.Block.Header.ID())
	case events.BlockFinalizedData:
		out["height"] = uint64(data.Height)
	case events.ValidatorsChangedData:
		out["round"] = data.Round
		out["validatorCount"] = data.Set.Size()
	case events.TransactionRemovedData:
		out["transactionId"] = []byte(data.TxID)
		out["reason"] = data.Reason
	case events.PeerData:
		out["peerId"] = string(data.PeerID)
		out["outbound"] = data.Outbound
	}
	return out
}

// parseQuery maps a client query string onto a bus query.
// Supported forms:
//   - "" / "all" / "*"      -> every event
//   - "kind=NewBlock"       -> one kind
//   - "kinds=A,B"           -> several kinds
//   - "NewBlock"            -> shorthand for kind=NewBlock
func parseQuery(s string) events.Query {
	if s == "" || s == "all" || s == "*" {
		return events.QueryAll{}
	}

	if rest, ok := strings.CutPrefix(s, "kinds="); ok {
		parts := strings.Split(rest, ",")
		kinds := make([]events.Kind, 0, len(parts))
		for _, part := range parts {
			kinds = append(kinds, events.Kind(strings.TrimSpace(part)))
		}
		return events.QueryKinds{Kinds: kinds}
	}

	if rest, ok := strings.CutPrefix(s, "kind="); ok {
		return events.QueryKind{Kind: events.Kind(rest)}
	}

	return events.QueryKind{Kind: events.Kind(s)}
}
