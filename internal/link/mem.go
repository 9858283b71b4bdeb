package link

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// conduit carries writes in one direction between the two ends of a
// memory link.
type conduit struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func newConduit() *conduit {
	return &conduit{ch: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *conduit) close() { c.once.Do(func() { close(c.done) }) }

type memPair struct {
	a2b, b2a *conduit
	taken    int
}

var (
	memMu    sync.Mutex
	memPairs = map[string]*memPair{}
)

type memLink struct {
	endpoint string
	poll     time.Duration
	in, out  *conduit
	pending  []byte
}

// dialMem joins the named loopback. The first Dial for a name gets one
// end, the second gets the peer; a third fails until the name is reused
// with a fresh endpoint string.
func dialMem(endpoint string, poll time.Duration) (Link, error) {
	memMu.Lock()
	defer memMu.Unlock()

	pair, ok := memPairs[endpoint]
	if !ok {
		pair = &memPair{a2b: newConduit(), b2a: newConduit()}
		memPairs[endpoint] = pair
	}

	switch pair.taken {
	case 0:
		pair.taken++
		return &memLink{endpoint: endpoint, poll: poll, in: pair.b2a, out: pair.a2b}, nil
	case 1:
		pair.taken++
		return &memLink{endpoint: endpoint, poll: poll, in: pair.a2b, out: pair.b2a}, nil
	default:
		return nil, fmt.Errorf("%s: both ends already open", endpoint)
	}
}

func (m *memLink) Read(p []byte) (int, error) {
	if len(m.pending) > 0 {
		n := copy(p, m.pending)
		m.pending = m.pending[n:]
		return n, nil
	}

	timer := time.NewTimer(m.poll)
	defer timer.Stop()

	select {
	case data := <-m.in.ch:
		n := copy(p, data)
		m.pending = data[n:]
		return n, nil
	case <-m.in.done:
		// Closed, but drain anything still buffered first.
		select {
		case data := <-m.in.ch:
			n := copy(p, data)
			m.pending = data[n:]
			return n, nil
		default:
			return 0, io.EOF
		}
	case <-timer.C:
		return 0, nil
	}
}

func (m *memLink) Write(p []byte) (int, error) {
	data := append([]byte(nil), p...)
	select {
	case m.out.ch <- data:
		return len(p), nil
	case <-m.out.done:
		return 0, io.ErrClosedPipe
	}
}

// Close shuts down both directions; the peer sees io.EOF once it has
// drained what was already in flight.
func (m *memLink) Close() error {
	m.out.close()
	m.in.close()
	return nil
}

func (m *memLink) Endpoint() string { return m.endpoint }
