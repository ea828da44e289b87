//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// eventBatch is the size of the reusable buffer handed to epoll_wait; it
// caps how many ready descriptors a single Wait call can report.
const eventBatch = 128

// Epoll multiplexes many WebSocket connections onto a single reader loop
// using the kernel's epoll interface. Connections are registered by file
// descriptor and the gateway only touches a socket once the kernel reports
// pending data, so idle connections cost no goroutines.
type Epoll struct {
	fd     int
	mu     sync.RWMutex      // guards conns
	conns  map[int]net.Conn  // registered sockets keyed by fd
	events []unix.EpollEvent // scratch buffer reused across Wait calls
}

// NewEpoll creates the epoll instance backing the gateway's read loop.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, eventBatch),
	}, nil
}

// Add puts the connection's socket on the epoll interest list. EPOLLRDHUP is
// included so a peer half-close wakes the read loop instead of lingering
// until the heartbeat gives up on the connection.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.conns[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove takes the connection's socket off the interest list and forgets it.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.conns, fd)
	e.mu.Unlock()
	return nil
}

// Wait blocks until the kernel reports readable sockets and returns the
// matching connections. A descriptor that was removed after epoll_wait
// returned but before the lookup is skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	ready := make([]net.Conn, 0, n)
	e.mu.RLock()
	for i := 0; i < n; i++ {
		if conn, ok := e.conns[int(e.events[i].Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns = nil
	return unix.Close(e.fd)
}

// socketFD pulls the raw descriptor out of a net.Conn via SyscallConn.
// Unlike File(), this does not dup the descriptor, so the fd registered
// with epoll is the one the connection actually reads on.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
