package websocket

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// ErrPeerClosed is returned by Transport.ReadMessage when the client closed the
// connection with a close frame. Dropped connections (1006, EOF, read limit)
// are reported as plain errors.
var ErrPeerClosed = errors.New("peer closed the connection")

// Transport is one upgraded physical connection. ReadMessage returns whole
// messages; fragmented frames are reassembled by the implementation.
// WriteMessage must not be called concurrently. Close may be called from any
// goroutine, more than once and while a WriteMessage is in progress; it must
// make that write return.
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close(code int, reason string) error
}

const (
	defaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
)

type gorillaTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewGorillaTransport adapts an upgraded gorilla connection.
func NewGorillaTransport(conn *websocket.Conn, readLimit int64) Transport {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	// The HTTP server's deadlines survive the hijack; clear them for the long-lived socket.
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	return &gorillaTransport{conn: conn, writeTimeout: defaultWriteTimeout}
}

func (t *gorillaTransport) ReadMessage() (int, []byte, error) {
	mt, data, err := t.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
			return 0, nil, fmt.Errorf("%w: %v", ErrPeerClosed, err)
		}
		return 0, nil, err
	}
	return mt, data, nil
}

func (t *gorillaTransport) WriteMessage(messageType int, data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(messageType, data)
}

func (t *gorillaTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return t.conn.Close()
}
