package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/aiwave/internal/voice"
)

const (
	DefaultWSBaseURL = "wss://generativelanguage.googleapis.com"
	bidiPath         = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	wsReadLimit    = 16 << 20
	wsWriteTimeout = 5 * time.Second
	inboundBuffer  = 256
)

var ErrSetupRejected = errors.New("live setup rejected")

type WSConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  *log.Logger
}

// WSDialer speaks the BidiGenerateContent protocol over gorilla/websocket.
type WSDialer struct {
	cfg    WSConfig
	dialer *websocket.Dialer
}

func NewWSDialer(cfg WSConfig) *WSDialer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultWSBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &WSDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: true,
		},
	}
}

func (d *WSDialer) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.BaseURL, "/") + bidiPath)
	if err != nil {
		return "", fmt.Errorf("parse live endpoint: %w", err)
	}
	q := u.Query()
	if d.cfg.APIKey != "" {
		q.Set("key", d.cfg.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the websocket, sends setup and waits for setupComplete.
func (d *WSDialer) Dial(ctx context.Context, cfg voice.SessionConfig) (voice.Channel, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial live websocket: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial live websocket: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	if err := d.handshake(ctx, conn, cfg); err != nil {
		stop()
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("live handshake: %w", ctxErr)
		}
		return nil, err
	}
	if !stop() {
		conn.Close()
		return nil, fmt.Errorf("live handshake: %w", ctx.Err())
	}

	ch := &wsChannel{
		conn:    conn,
		logger:  d.cfg.Logger.With("transport", "websocket"),
		inbound: make(chan voice.Inbound, inboundBuffer),
		closed:  make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

func (d *WSDialer) handshake(ctx context.Context, conn *websocket.Conn, cfg voice.SessionConfig) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	}
	setup := newSetup(d.cfg.Model, cfg)
	if err := conn.WriteJSON(clientMessage{Setup: &setup}); err != nil {
		return fmt.Errorf("send live setup: %w", err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("%w: %d %s", ErrSetupRejected, closeErr.Code, closeErr.Text)
			}
			return fmt.Errorf("await setupComplete: %w", err)
		}
		msg, err := decodeServerMessage(data)
		if err != nil {
			d.cfg.Logger.Debug("skipping message before setupComplete", "err", err)
			continue
		}
		if msg.SetupComplete != nil {
			break
		}
	}
	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Time{})
	return nil
}

type wsChannel struct {
	conn    *websocket.Conn
	logger  *log.Logger
	inbound chan voice.Inbound
	closed  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (c *wsChannel) Send(ctx context.Context, msg voice.Outbound) error {
	payload, err := encodeOutbound(msg)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return voice.ErrChannelClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("write %s: %w", msg.Kind, err)
	}
	return nil
}

func (c *wsChannel) Subscribe() <-chan voice.Inbound { return c.inbound }

func (c *wsChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsChannel) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
			time.Now().Add(time.Second),
		)
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *wsChannel) readLoop() {
	defer close(c.inbound)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		msg, err := decodeServerMessage(data)
		if err != nil {
			c.logger.Warn("skipping malformed live message", "err", err, "bytes", len(data))
			continue
		}
		if msg.GoAway != nil {
			c.logger.Info("live service going away", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ToolCallCancellation != nil {
			c.logger.Debug("live service cancelled tool calls", "ids", msg.ToolCallCancellation.IDs)
		}
		for _, in := range msg.inbound() {
			select {
			case c.inbound <- in:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *wsChannel) finish(err error) {
	select {
	case <-c.closed:
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}
