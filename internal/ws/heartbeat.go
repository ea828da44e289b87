package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig tunes the liveness sweep over open connections.
type HeartbeatConfig struct {
	Interval time.Duration // time between sweeps
	Timeout  time.Duration // grace period past Interval before a conn is stale
}

// DefaultHeartbeatConfig returns the defaults used by the gateway.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat launches the background sweep. Each tick it pings every
// open connection and drops those with no read activity inside
// Interval + Timeout. The goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				sweepStale(server, config)
			}
		}
	}()
}

// sweepStale walks the connection set once. Stale connections are removed;
// the rest get a protocol-level ping frame, which browsers answer with a
// pong automatically.
func sweepStale(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastPing)
		if idle > deadline {
			log.Printf("ws: heartbeat timeout conn=%s idle=%s", c.ID, idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}

// WritePing sends a WebSocket ping frame. The write mutex keeps it from
// interleaving with application frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
