package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socket adapts a gorilla connection to presence.Socket. gorilla allows one
// concurrent writer, so writes are serialized.
type socket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newSocket(conn *websocket.Conn, writeTimeout time.Duration) *socket {
	return &socket{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// Send writes one text frame
func (s *socket) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and reason and closes the connection.
// Only the first call has an effect.
func (s *socket) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		if s.writeTimeout > 0 && s.writeTimeout < time.Second {
			deadline = time.Now().Add(s.writeTimeout)
		}

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		s.writeMu.Unlock()

		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
