package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"
)

// Token placement on the upgrade request.
const (
	TokenInQuery  = "query"
	TokenInHeader = "header"
)

// WebsocketDialer dials the realtime endpoint with nhooyr.io/websocket.
type WebsocketDialer struct {
	TokenIn    string
	HTTPClient *http.Client
	// ReadLimit caps a single inbound frame. History snapshots can be large.
	ReadLimit int64
}

// Dial opens the socket, passing token as a query parameter or bearer header.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient, HTTPHeader: http.Header{}}
	if d.TokenIn == TokenInHeader {
		opts.HTTPHeader.Set("Authorization", "Bearer "+token)
	} else if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	c, resp, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Status: resp.StatusCode}
		}
		return nil, err
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = 8 << 20
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}
