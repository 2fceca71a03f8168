package agentapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

// TailStream is one live log stream read from a spoke agent
type TailStream struct {
	conn  *websocket.Conn
	lines chan string

	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// TailLogs opens a websocket to the agent's log-tail endpoint. The returned
// stream delivers lines in upstream order until Close is called or the
// connection drops.
func (c *Client) TailLogs(ctx context.Context, address, keyDigest, instance string) (*TailStream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	header := http.Header{}
	header.Set(APIKeyHeader, keyDigest)

	url := fmt.Sprintf("ws://%s/logs/%s", address, instance)
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open log stream (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to open log stream to %s: %w", address, err)
	}

	stream := &TailStream{
		conn:  conn,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	go stream.readLoop()

	return stream, nil
}

// Lines returns the channel of log lines. It is closed when the stream ends.
func (s *TailStream) Lines() <-chan string {
	return s.lines
}

// Err returns the error that terminated the stream, if any
func (s *TailStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the upstream connection
func (s *TailStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	return nil
}

func (s *TailStream) readLoop() {
	defer close(s.lines)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Closed locally, not an upstream failure
			default:
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}

		select {
		case s.lines <- string(data):
		case <-s.done:
			return
		}
	}
}
