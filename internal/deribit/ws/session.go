package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrConnectionLost resolves every pending request when the transport
// drops. A forgotten callback would mask a lost order placement, so pending
// callers are always answered.
var ErrConnectionLost = errors.New("connection lost")

// ErrTimeout resolves a pending request whose response never arrived.
var ErrTimeout = errors.New("request timed out")

// State is the session's connection phase.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateSubscribing    State = "subscribing"
	StateLive           State = "live"
)

// OrderUpdate is one entry of a user.orders.* push.
type OrderUpdate struct {
	OrderID    string  `json:"order_id"`
	OrderState string  `json:"order_state"`
	Label      string  `json:"label"`
	Instrument string  `json:"instrument_name"`
	Direction  string  `json:"direction"`
	Price      float64 `json:"price"`
}

// Config carries the session's connection parameters.
type Config struct {
	URL            string
	ClientID       string
	ClientSecret   string
	Instrument     string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	CallTimeout    time.Duration
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// Session owns the persistent connection: auth handshake, fill
// subscription, keepalive, request/response correlation, and reconnects.
type Session struct {
	cfg    Config
	log    *zap.Logger
	onFill func(OrderUpdate)
	onLive func()

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	nextID      int64
	pending     map[int64]chan rpcOutcome
	token       string
	tokenExpiry time.Time
}

func New(cfg Config, log *zap.Logger) *Session {
	return &Session{
		cfg:     cfg,
		log:     log,
		state:   StateDisconnected,
		pending: make(map[int64]chan rpcOutcome),
	}
}

// OnFill registers the handler invoked for every filled-order push. Must be
// set before Run.
func (s *Session) OnFill(fn func(OrderUpdate)) { s.onFill = fn }

// OnLive registers a hook invoked each time the session reaches Live.
func (s *Session) OnLive(fn func()) { s.onLive = fn }

// State returns the current connection phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token implements the gateway's token source. It fails while the session
// has not authenticated yet.
func (s *Session) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", errors.New("session not authenticated")
	}
	return s.token, nil
}

// Run drives the connect/auth/subscribe/live loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.runConnection(ctx)
		s.teardown()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.log != nil {
			s.log.Warn("session disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *Session) runConnection(ctx context.Context) error {
	s.setState(StateConnecting)
	conn, _, err := websocket.Dial(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(connCtx) }()

	s.setState(StateAuthenticating)
	if err := s.authenticate(connCtx); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	s.setState(StateSubscribing)
	if err := s.subscribe(connCtx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.setState(StateLive)
	if s.log != nil {
		s.log.Info("session live", zap.String("instrument", s.cfg.Instrument))
	}
	if s.onLive != nil {
		go s.onLive()
	}

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		s.keepaliveLoop(connCtx)
	}()
	err = <-readErr
	cancel()
	<-pingDone
	return err
}

func (s *Session) authenticate(ctx context.Context) error {
	result, err := s.Call(ctx, "public/auth", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     s.cfg.ClientID,
		"client_secret": s.cfg.ClientSecret,
	})
	if err != nil {
		return err
	}
	var auth struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(result, &auth); err != nil {
		return err
	}
	if auth.AccessToken == "" {
		return errors.New("auth response missing token")
	}
	s.mu.Lock()
	s.token = auth.AccessToken
	s.tokenExpiry = time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	s.mu.Unlock()
	if s.log != nil {
		s.log.Info("authenticated", zap.Int64("expires_in_s", auth.ExpiresIn))
	}
	return nil
}

func (s *Session) subscribe(ctx context.Context) error {
	channel := fmt.Sprintf("user.orders.%s.raw", s.cfg.Instrument)
	result, err := s.Call(ctx, "private/subscribe", map[string]any{
		"channels": []string{channel},
	})
	if err != nil {
		return err
	}
	var confirmed []string
	if err := json.Unmarshal(result, &confirmed); err == nil {
		for _, ch := range confirmed {
			if ch == channel {
				return nil
			}
		}
		return fmt.Errorf("channel %s not confirmed", channel)
	}
	return nil
}

// Call issues one correlated request and waits for its response. Each call
// carries its own deadline; on connection loss the pending entry is
// resolved with ErrConnectionLost rather than leaked.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan rpcOutcome, 1)
	s.pending[id] = ch
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.dropPending(id)
		return nil, ErrConnectionLost
	}
	if err := s.write(ctx, outboundMessage{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		s.dropPending(id)
		return nil, err
	}
	timeout := s.cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out.result, out.err
	case <-timer.C:
		s.dropPending(id)
		return nil, fmt.Errorf("%w: %s", ErrTimeout, method)
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	}
}

type outboundMessage struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type inboundMessage struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params struct {
		Channel string          `json:"channel"`
		Type    string          `json:"type"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

func (s *Session) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrConnectionLost
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.dispatch(ctx, msg)
	}
}

func (s *Session) dispatch(ctx context.Context, msg inboundMessage) {
	if msg.ID != 0 {
		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		if ok {
			delete(s.pending, msg.ID)
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		if msg.Error != nil {
			ch <- rpcOutcome{err: fmt.Errorf("rpc error %d: %s", msg.Error.Code, msg.Error.Message)}
			return
		}
		ch <- rpcOutcome{result: msg.Result}
		return
	}
	switch {
	case msg.Method == "subscription" && strings.HasPrefix(msg.Params.Channel, "user.orders."):
		s.handleOrderPush(msg.Params.Data)
	case msg.Method == "heartbeat":
		// The server drops sessions that ignore test_request probes.
		if msg.Params.Type == "test_request" {
			if err := s.write(ctx, outboundMessage{JSONRPC: "2.0", Method: "public/test"}); err != nil && s.log != nil {
				s.log.Warn("heartbeat reply failed", zap.Error(err))
			}
		}
	}
}

func (s *Session) handleOrderPush(data json.RawMessage) {
	var updates []OrderUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		var single OrderUpdate
		if err := json.Unmarshal(data, &single); err != nil {
			return
		}
		updates = []OrderUpdate{single}
	}
	for _, upd := range updates {
		if s.log != nil {
			s.log.Info("order update",
				zap.String("order_id", upd.OrderID),
				zap.String("state", upd.OrderState),
				zap.String("label", upd.Label),
			)
		}
		if upd.OrderState == "filled" && s.onFill != nil {
			s.onFill(upd)
		}
	}
}

func (s *Session) keepaliveLoop(ctx context.Context) {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(ctx, outboundMessage{JSONRPC: "2.0", Method: "public/test"}); err != nil {
				return
			}
			s.maybeRefreshToken(ctx)
		}
	}
}

// maybeRefreshToken re-authenticates on the session's own timeline before
// the bearer token lapses, so gateway calls never carry a stale token.
func (s *Session) maybeRefreshToken(ctx context.Context) {
	s.mu.Lock()
	expiry := s.tokenExpiry
	s.mu.Unlock()
	if expiry.IsZero() || time.Until(expiry) > 2*s.cfg.PingInterval+time.Minute {
		return
	}
	if err := s.authenticate(ctx); err != nil && s.log != nil {
		s.log.Warn("token refresh failed", zap.Error(err))
	}
}

func (s *Session) write(ctx context.Context, msg outboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrConnectionLost
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Session) dropPending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// teardown closes the transport and answers every pending caller with
// ErrConnectionLost.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
	pending := s.pending
	s.pending = make(map[int64]chan rpcOutcome)
	s.state = StateDisconnected
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- rpcOutcome{err: ErrConnectionLost}
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
