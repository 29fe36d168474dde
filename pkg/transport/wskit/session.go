package wskit

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fgrzl/pushkit/pkg/api"
	"golang.org/x/net/websocket"
)

// webSocketSession is the api.Session over one server-side websocket connection.
type webSocketSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	broken    error
	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps conn. Every envelope is written as one text frame.
func NewSession(conn *websocket.Conn) api.Session {
	return &webSocketSession{conn: conn}
}

func (s *webSocketSession) Send(envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.broken != nil {
		return s.broken
	}
	if err := websocket.Message.Send(s.conn, string(data)); err != nil {
		s.broken = api.TransportError(err)
		return s.broken
	}
	return nil
}

func (s *webSocketSession) Receive() ([]byte, error) {
	var frame []byte
	if err := websocket.Message.Receive(s.conn, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *webSocketSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
