package asr

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer opens the upstream recognition connection over a websocket.
type WSDialer struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return conn, nil
}
