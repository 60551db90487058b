package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPongTimeout  = 60 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultFrameBuffer  = 256
)

// Config describes one websocket connection. URL is required; everything
// else has working defaults.
type Config struct {
	URL    string
	Token  string      // sent as the first frame: {"type":"auth","token":...}
	Header http.Header // extra handshake headers

	Dialer *websocket.Dialer

	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	// SkipHello marks the channel ready right after the dial instead of
	// waiting for the server's ws.hello frame. For backends that attach
	// silently.
	SkipHello bool

	// FrameBuffer is the capacity of the inbound frame queue. When it fills
	// up reads block, so the consumer must keep draining Frames.
	FrameBuffer int
}

func (cfg *Config) setDefaults() {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
}

// Channel is a single-use duplex connection. Open it once; when it breaks,
// build a new one.
type Channel struct {
	cfg Config

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (sends, pings, auth)
	conn    *websocket.Conn
	opened  bool
	err     error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	frames     chan []byte
	framesOnce sync.Once

	pingCancel context.CancelFunc
}

func NewChannel(cfg Config) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("channel url is empty")
	}
	cfg.setDefaults()
	return &Channel{
		cfg:    cfg,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		frames: make(chan []byte, cfg.FrameBuffer),
	}, nil
}

// Open dials the backend and sends the auth frame. It returns once the
// connection is established; readiness (the server hello) is awaited
// separately through WaitUntilOpen.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return errors.New("channel already opened")
	}
	c.opened = true
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "dial failed (status %d)", resp.StatusCode)
		} else {
			err = errors.Wrap(err, "dial failed")
		}
		c.fail(err)
		c.closeFrames()
		return err
	}

	// The auth frame goes out before the connection is shared with the
	// reader, so no write mutex is needed yet.
	if c.cfg.Token != "" {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteJSON(map[string]string{"type": "auth", "token": c.cfg.Token}); err != nil {
			_ = conn.Close()
			err = errors.Wrap(err, "auth frame failed")
			c.fail(err)
			c.closeFrames()
			return err
		}
	}

	pingCtx, pingCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.pingCancel = pingCancel
	c.mu.Unlock()

	if c.cfg.SkipHello {
		c.markReady()
	}

	go c.readLoop(conn)
	go c.pingLoop(pingCtx, conn)

	log.Debug().Str("component", "channel").Str("url", c.cfg.URL).Msg("channel opened")
	return nil
}

// WaitUntilOpen blocks until the server acknowledged the connection, the
// channel died, or the context expired.
func (c *Channel) WaitUntilOpen(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrChannelClosed
	case <-ctx.Done():
		return errors.Wrap(ErrChannelTimeout, ctx.Err().Error())
	}
}

// Frames is the inbound frame stream. It is closed when the channel ends.
func (c *Channel) Frames() <-chan []byte { return c.frames }

// Done is closed when the channel reached its terminal state.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, nil while the channel lives or after a
// clean Close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// IsOpen reports whether the channel is ready for sends.
func (c *Channel) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// Send writes one frame, failing fast with ErrChannelNotReady before the
// server acknowledged the connection.
func (c *Channel) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case <-c.ready:
	default:
		return ErrChannelNotReady
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrChannelClosed
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err := conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		err = errors.Wrap(err, "write failed")
		c.fail(err)
		return err
	}
	return nil
}

// SendWait queues the frame until the channel is ready, then sends it.
func (c *Channel) SendWait(ctx context.Context, frame []byte) error {
	if err := c.WaitUntilOpen(ctx); err != nil {
		return err
	}
	return c.Send(frame)
}

// SendJSON marshals v and sends it as one frame.
func (c *Channel) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	return c.Send(b)
}

// Close shuts the channel down cleanly. Err stays nil.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	pingCancel := c.pingCancel
	c.pingCancel = nil
	c.mu.Unlock()

	if pingCancel != nil {
		pingCancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.finish()
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	// The read loop owns the frames channel; it closes it on exit so
	// consumers ranging over Frames terminate.
	defer c.closeFrames()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stillOurs := c.conn == conn
			c.mu.Unlock()
			if !stillOurs {
				// Close() already took the connection away.
				return
			}
			_ = conn.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.finish()
			} else {
				c.fail(errors.Wrap(err, "read failed"))
			}
			return
		}

		// Any inbound traffic proves the server is alive.
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		if !c.IsOpen() && isHelloFrame(data) {
			c.markReady()
		}

		select {
		case c.frames <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	ping := []byte(`{"type":"ws.ping"}`)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.TextMessage, ping)
			c.writeMu.Unlock()
			if err != nil {
				log.Debug().Str("component", "channel").Err(err).Msg("ping write failed")
				return
			}
		}
	}
}

func (c *Channel) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// fail records the terminal error and tears the channel down.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	conn := c.conn
	c.conn = nil
	pingCancel := c.pingCancel
	c.pingCancel = nil
	c.mu.Unlock()

	if pingCancel != nil {
		pingCancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	log.Warn().Str("component", "channel").Err(err).Msg("channel terminated")
	c.finish()
}

func (c *Channel) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Channel) closeFrames() {
	c.framesOnce.Do(func() { close(c.frames) })
}

// isHelloFrame matches both the enveloped and the bare hello shape.
func isHelloFrame(data []byte) bool {
	var probe struct {
		Type  string `json:"type"`
		Event struct {
			Type string `json:"type"`
		} `json:"event"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Type == "ws.hello" || probe.Event.Type == "ws.hello"
}
