package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

var ErrNotConfigured = errors.New("realtime app key not configured")

// State is the connection state, for diagnostics only
type State string

const (
	StateInitialized  State = "initialized"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateUnavailable  State = "unavailable"
	StateDisconnected State = "disconnected"
)

// Event is a channel event delivered to handlers
type Event struct {
	Channel string
	Name    string
	Data    json.RawMessage
}

// Handler receives channel events. Registrations are de-duplicated by
// identity, so implementations must be comparable (pointer receivers).
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

type Config struct {
	AppKey  string
	Cluster string
	// Host overrides the cluster host, e.g. "ws://127.0.0.1:6001"
	Host string

	ChannelPrefix string
	Event         string

	ActivityTimeout time.Duration
	PongTimeout     time.Duration
}

func (c Config) url() string {
	host := c.Host
	if host == "" {
		host = fmt.Sprintf("wss://ws-%s.pusher.com:443", c.Cluster)
	}
	return fmt.Sprintf("%s/app/%s?protocol=%d&client=bidwin-go&version=1.0&flash=false",
		host, c.AppKey, protocolVersion)
}

// Status is a snapshot for the debug endpoint
type Status struct {
	State     State  `json:"state"`
	SocketID  string `json:"socket_id,omitempty"`
	Channels  int    `json:"channels"`
	LastError string `json:"last_error,omitempty"`
}

type channel struct {
	subscribed bool
	requested  bool
	handlers   map[string][]Handler
}

// Client holds one realtime connection and the registry of channel
// subscriptions shared by every payment session
type Client struct {
	cfg        Config
	dialer     *websocket.Dialer
	log        *slog.Logger
	newBackOff func() backoff.BackOff

	mu       sync.Mutex
	state    State
	running  bool
	conn     *websocket.Conn
	socketID string
	lastErr  error
	channels map[string]*channel
	cancel   context.CancelFunc
	done     chan struct{}

	writeMu sync.Mutex
}

// New creates a realtime client. Nothing connects until Initialize.
func New(cfg Config, log *slog.Logger) *Client {
	if cfg.Event == "" {
		cfg.Event = "topup.status.update"
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = 120 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 30 * time.Second
	}

	return &Client{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		log:    log,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(time.Second),
				backoff.WithMaxInterval(time.Minute),
				backoff.WithMaxElapsedTime(0),
			)
		},
		state:    StateInitialized,
		channels: make(map[string]*channel),
	}
}

// Initialize starts the connection loop. It is idempotent and returns
// ErrNotConfigured when no app key is set; callers treat realtime updates as
// best effort.
func (c *Client) Initialize(ctx context.Context) error {
	if c.cfg.AppKey == "" {
		c.log.Warn("realtime disabled: app key not configured")
		return ErrNotConfigured
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.log.Debug("realtime already initialized")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateConnecting

	c.log.Info("initializing realtime client", "cluster", c.cfg.Cluster)
	go c.run(runCtx, c.done)

	return nil
}

// UserChannel returns the channel name of a user
func (c *Client) UserChannel(userID int64) string {
	return fmt.Sprintf("%s.user.%d", c.cfg.ChannelPrefix, userID)
}

// SubscribeToUserChannel registers h for topup status events on the user's
// channel and returns the channel name. The channel is subscribed once no
// matter how many handlers ask for it.
func (c *Client) SubscribeToUserChannel(userID int64, h Handler) string {
	name := c.UserChannel(userID)

	c.mu.Lock()
	ch, ok := c.channels[name]
	if !ok {
		ch = &channel{handlers: make(map[string][]Handler)}
		c.channels[name] = ch
		c.log.Info("subscribing channel", "channel", name)
	}

	if !slices.Contains(ch.handlers[c.cfg.Event], h) {
		ch.handlers[c.cfg.Event] = append(ch.handlers[c.cfg.Event], h)
	}

	conn := c.conn
	send := conn != nil && c.socketID != "" && !ch.subscribed && !ch.requested
	if send {
		ch.requested = true
	}
	c.mu.Unlock()

	if send {
		if err := c.send(conn, subscribeMessage(name)); err != nil {
			c.log.Error("send subscribe", "channel", name, "error", err)
		}
	}

	return name
}

// UnsubscribeFromChannel removes one handler. The channel stays subscribed
// since other sessions may share it.
func (c *Client) UnsubscribeFromChannel(channelName string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.channels[channelName]
	if !ok {
		return
	}

	handlers := ch.handlers[c.cfg.Event]
	idx := slices.Index(handlers, h)
	if idx < 0 {
		return
	}
	ch.handlers[c.cfg.Event] = slices.Delete(handlers, idx, idx+1)

	if len(ch.handlers[c.cfg.Event]) == 0 {
		c.log.Debug("no more handlers, keeping channel subscribed", "channel", channelName)
	}
}

// Disconnect unsubscribes every channel, drops all handlers and closes the
// connection. Meant for application shutdown.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	done := c.done

	var names []string
	for name, ch := range c.channels {
		if ch.subscribed {
			names = append(names, name)
		}
	}

	c.channels = make(map[string]*channel)
	c.running = false
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if conn != nil {
		for _, name := range names {
			if err := c.send(conn, unsubscribeMessage(name)); err != nil {
				c.log.Debug("send unsubscribe", "channel", name, "error", err)
			}
			c.log.Info("unsubscribed channel", "channel", name)
		}
	}

	if cancel != nil {
		cancel()
		<-done
	}

	c.setState(StateDisconnected, nil)
	c.log.Info("realtime disconnected")
}

// IsConnected reports whether the connection is established. Diagnostics
// only: events can race state changes.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// Status returns a snapshot of the connection
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:    c.state,
		SocketID: c.socketID,
		Channels: len(c.channels),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Client) setState(state State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = state
	if err != nil {
		c.lastErr = err
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.WithContext(c.newBackOff(), ctx)

	op := func() error {
		c.setState(StateConnecting, nil)

		err := c.session(ctx, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		var perr *protocolError
		if errors.As(err, &perr) && perr.fatal() {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, d time.Duration) {
		c.setState(StateUnavailable, err)
		c.log.Warn("realtime connection lost", "error", err, "retry_in", d)
	}

	err := backoff.RetryNotify(op, b, notify)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Error("realtime connection stopped", "error", err)
		c.setState(StateDisconnected, err)
		return
	}
	c.setState(StateDisconnected, nil)
}

// session runs one websocket connection until it fails
func (c *Client) session(ctx context.Context, onConnected func()) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.url(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.socketID = ""
			for _, ch := range c.channels {
				ch.subscribed = false
				ch.requested = false
			}
		}
		c.mu.Unlock()
	}()

	activity := c.cfg.ActivityTimeout
	go c.keepAlive(ctx, conn, activity, stop)

	for {
		conn.SetReadDeadline(time.Now().Add(activity + c.cfg.PongTimeout))

		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if err := c.handle(ctx, conn, msg, onConnected); err != nil {
			return err
		}
	}
}

// keepAlive sends pusher:ping on every activity period; a missing pong
// trips the read deadline
func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(conn, message{Event: eventPing, Data: json.RawMessage(`{}`)}); err != nil {
				c.log.Debug("send ping", "error", err)
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, conn *websocket.Conn, msg message, onConnected func()) error {
	switch msg.Event {
	case eventConnectionEstablished:
		var data connectionData
		if err := json.Unmarshal(payload(msg.Data), &data); err != nil {
			return fmt.Errorf("decode connection data: %w", err)
		}
		c.connected(conn, data.SocketID)
		onConnected()

	case eventPing:
		return c.send(conn, message{Event: eventPong, Data: json.RawMessage(`{}`)})

	case eventPong:

	case eventError:
		var data errorData
		if err := json.Unmarshal(payload(msg.Data), &data); err != nil {
			return fmt.Errorf("decode error data: %w", err)
		}
		c.log.Error("realtime error", "code", data.Code, "message", data.Message)
		if data.Code != nil {
			return &protocolError{Code: *data.Code, Message: data.Message}
		}

	case eventSubscriptionSucceeded:
		c.mu.Lock()
		if ch, ok := c.channels[msg.Channel]; ok {
			ch.subscribed = true
			ch.requested = false
		}
		c.mu.Unlock()
		c.log.Info("subscribed channel", "channel", msg.Channel)

	case eventSubscriptionError:
		c.mu.Lock()
		if ch, ok := c.channels[msg.Channel]; ok {
			ch.requested = false
		}
		c.mu.Unlock()
		c.log.Error("subscribe channel", "channel", msg.Channel, "error", string(payload(msg.Data)))

	default:
		if msg.Channel != "" {
			c.dispatch(ctx, msg)
		}
	}

	return nil
}

// connected records the socket and subscribes every known channel
func (c *Client) connected(conn *websocket.Conn, socketID string) {
	c.mu.Lock()
	c.socketID = socketID
	c.state = StateConnected

	var names []string
	for name, ch := range c.channels {
		ch.subscribed = false
		ch.requested = true
		names = append(names, name)
	}
	c.mu.Unlock()

	c.log.Info("realtime connected", "socket_id", socketID, "channels", len(names))

	for _, name := range names {
		if err := c.send(conn, subscribeMessage(name)); err != nil {
			c.log.Error("send subscribe", "channel", name, "error", err)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, msg message) {
	c.mu.Lock()
	var handlers []Handler
	if ch, ok := c.channels[msg.Channel]; ok && ch.subscribed {
		handlers = slices.Clone(ch.handlers[msg.Event])
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.log.Debug("no handlers for event", "channel", msg.Channel, "event", msg.Event)
		return
	}

	ev := Event{Channel: msg.Channel, Name: msg.Event, Data: payload(msg.Data)}
	for _, h := range handlers {
		h.HandleEvent(ctx, ev)
	}
}

func (c *Client) send(conn *websocket.Conn, msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}
