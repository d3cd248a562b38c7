package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUpstreamClosed reports a clean close by the provider.
var ErrUpstreamClosed = errors.New("upstream closed")

// Upstream is one provider connection. Send and Recv may be called from
// different goroutines, but each from only one.
type Upstream interface {
	Send(msg []byte) error
	// Recv blocks for the next server event. It returns ErrUpstreamClosed
	// after a normal close and another error otherwise.
	Recv() ([]byte, error)
	Close() error
}

// Dialer opens upstream connections.
type Dialer interface {
	Dial(ctx context.Context, p Provider, model string) (Upstream, error)
}

// WSDialer dials provider endpoints with gorilla/websocket.
type WSDialer struct {
	dialer *websocket.Dialer
}

// NewWSDialer creates a dialer with the given handshake timeout.
func NewWSDialer(handshakeTimeout time.Duration) *WSDialer {
	return &WSDialer{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}}
}

func (d *WSDialer) Dial(ctx context.Context, p Provider, model string) (Upstream, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("parse %s url: %w", p.Name, err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.APIKey)
	h.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", p.Name, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", p.Name, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsUpstream{conn: conn}, nil
}

type wsUpstream struct {
	conn *websocket.Conn
}

func (u *wsUpstream) Send(msg []byte) error {
	_ = u.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return u.conn.WriteMessage(websocket.TextMessage, msg)
}

func (u *wsUpstream) Recv() ([]byte, error) {
	for {
		typ, msg, err := u.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrUpstreamClosed
			}
			return nil, err
		}
		if typ == websocket.TextMessage {
			return msg, nil
		}
	}
}

func (u *wsUpstream) Close() error {
	_ = u.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return u.conn.Close()
}
