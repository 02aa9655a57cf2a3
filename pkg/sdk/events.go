package sdk

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

// Events subscribes to the daemon's live event stream. The returned
// channel closes when ctx ends or the connection drops; callers that
// need the stream back simply call Events again.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	wsURL := strings.Replace(c.base, "http", "ws", 1) + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("atmosphere: event stream refused (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("atmosphere: event stream dial: %w", err)
	}

	ch := make(chan Event, 64)

	// closing the conn on ctx.Done unblocks the reader
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	go func() {
		defer close(ch)
		defer conn.Close()
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
