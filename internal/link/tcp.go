package link

import (
	"errors"
	"fmt"
	"net"
	"time"
)

const tcpDialTimeout = 5 * time.Second

type tcpLink struct {
	conn     net.Conn
	endpoint string
	poll     time.Duration
}

func dialTCP(endpoint, addr string, poll time.Duration) (Link, error) {
	conn, err := net.DialTimeout("tcp", addr, tcpDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &tcpLink{conn: conn, endpoint: endpoint, poll: poll}, nil
}

func (t *tcpLink) Read(p []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.poll)); err != nil {
		return 0, err
	}

	n, err := t.conn.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// Quiet line, not a failure.
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (t *tcpLink) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *tcpLink) Close() error                { return t.conn.Close() }
func (t *tcpLink) Endpoint() string            { return t.endpoint }
