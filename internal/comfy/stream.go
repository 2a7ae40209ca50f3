package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// HandshakeTimeout bounds websocket connection establishment, separately
// from the per-request deadline enforced on the receiver side.
const HandshakeTimeout = 30 * time.Second

// Stream is one websocket session to the backend. Messages for prompts
// queued under the owning client's id are streamed here.
type Stream struct {
	conn *websocket.Conn
}

// DialStream opens the event stream for the client's session.
func (c *Client) DialStream(ctx context.Context, host string) (*Stream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: HandshakeTimeout}
	wsURL := fmt.Sprintf("ws://%s/ws?clientId=%s", host, c.clientID)

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial backend stream: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// Next blocks until the next text message arrives and returns its decoded
// event. Binary frames (preview images) are skipped.
func (s *Stream) Next() (Event, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read backend stream: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return ParseEvent(data)
	}
}

// ClearCache asks the backend to drop cached node outputs before a run.
func (s *Stream) ClearCache() error {
	msg, err := json.Marshal(map[string]string{"type": "clear_cache"})
	if err != nil {
		return fmt.Errorf("marshal clear_cache: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("send clear_cache: %w", err)
	}
	return nil
}

// Close closes the websocket connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}
