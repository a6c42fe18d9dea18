// Package signalbus listens for the broker's one-shot scheduling wake-up,
// delivered as a small JSON datagram over a unix domain socket rather than
// the broker's internal database poll (spec §4.2, §4.5).
package signalbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/cc-agency/agency/internal/logging"
)

// signal is the wire shape the broker sends: {"destination":"scheduler"}.
type signal struct {
	Destination string `json:"destination"`
}

// Listener receives wake-up datagrams and calls Wake for every one destined
// for the scheduler. Unknown destinations are logged and dropped.
type Listener struct {
	conn *net.UnixConn
	log  *logging.Logger
	wake func()
}

// Listen binds a unix datagram socket at path, chmod'ing it 0700 immediately
// after bind (mirrors the trustee socket's own lockdown). Call Serve to
// start reading.
func Listen(path string, log *logging.Logger, wake func()) (*Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("signalbus: remove stale socket: %w", err)
	}
	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, fmt.Errorf("signalbus: resolve %s: %w", path, err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("signalbus: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		conn.Close()
		return nil, fmt.Errorf("signalbus: chmod socket: %w", err)
	}
	return &Listener{conn: conn, log: log, wake: wake}, nil
}

// Serve reads datagrams until the listener is closed.
func (l *Listener) Serve() error {
	buf := make([]byte, 4096)
	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		var s signal
		if err := json.Unmarshal(buf[:n], &s); err != nil {
			l.log.Warn("signalbus: malformed datagram", "error", err.Error())
			continue
		}
		if s.Destination != "scheduler" {
			l.log.Warn("signalbus: unknown destination", "destination", s.Destination)
			continue
		}
		l.wake()
	}
}

// Close stops the listener.
func (l *Listener) Close() error {
	return l.conn.Close()
}
