package trustee

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cc-agency/agency/internal/clock"
	"github.com/cc-agency/agency/internal/metrics"
)

// ReceiveTimeout bounds how long a client waits for a reply before treating
// the socket as dead and reconnecting (spec §5, §9: default 2s).
const ReceiveTimeout = 2 * time.Second

// Client maintains a persistent connection to a trustee server, reconnecting
// on I/O error and surfacing transient failures so callers can retry after
// an inspect (spec §4.1).
type Client struct {
	path string
	clk  clock.Clock

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// NewClient creates a trustee client dialing the given unix socket path
// lazily on first use.
func NewClient(path string, clk clock.Clock) *Client {
	return &Client{path: path, clk: clk}
}

// transientFailure is the canonical reply a client surfaces on transport
// error, matching spec §4.1: the caller should retry after an inspect.
var transientFailure = Reply{State: "failed", Inspect: true, DisableRetry: false}

func (c *Client) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return fmt.Errorf("trustee client: dial %s: %w", c.path, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.r = nil
}

// roundTrip sends req and reads one reply, reconnecting and surfacing a
// transient failure on any I/O error.
func (c *Client) roundTrip(req Request) Reply {
	start := c.clk.Now()
	defer func() {
		metrics.TrusteeRoundTripDuration.WithLabelValues(req.Action).Observe(c.clk.Since(start).Seconds())
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(); err != nil {
		c.reset()
		return transientFailure
	}

	c.conn.SetDeadline(c.clk.Now().Add(ReceiveTimeout))
	if err := writeMessage(c.conn, req); err != nil {
		c.reset()
		return transientFailure
	}

	var reply Reply
	if err := readMessage(c.r, &reply); err != nil {
		c.reset()
		return transientFailure
	}
	return reply
}

// Store inserts secrets.
func (c *Client) Store(secrets map[string]any) Reply {
	return c.roundTrip(Request{Action: "store", Secrets: secrets})
}

// Delete removes keys idempotently.
func (c *Client) Delete(keys []string) Reply {
	return c.roundTrip(Request{Action: "delete", Keys: keys})
}

// Collect fetches all given keys or fails if any are missing.
func (c *Client) Collect(keys []string) Reply {
	return c.roundTrip(Request{Action: "collect", Keys: keys})
}

// Inspect is a liveness probe.
func (c *Client) Inspect() Reply {
	return c.roundTrip(Request{Action: "inspect"})
}

// Close tears down the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}
