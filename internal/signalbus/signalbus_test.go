package signalbus

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cc-agency/agency/internal/logging"
)

func TestListenerWakesOnSchedulerDestination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.sock")
	woke := make(chan struct{}, 1)
	l, err := Listen(path, logging.New(false), func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	go l.Serve()

	send(t, path, `{"destination":"scheduler"}`)

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("wake callback was not invoked")
	}
}

func TestListenerIgnoresUnknownDestination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.sock")
	woke := make(chan struct{}, 1)
	l, err := Listen(path, logging.New(false), func() { woke <- struct{}{} })
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	go l.Serve()

	send(t, path, `{"destination":"someone-else"}`)

	select {
	case <-woke:
		t.Fatal("wake callback fired for an unrelated destination")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListenerIgnoresMalformedDatagram(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.sock")
	woke := make(chan struct{}, 1)
	l, err := Listen(path, logging.New(false), func() { woke <- struct{}{} })
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	go l.Serve()

	send(t, path, `not json`)

	select {
	case <-woke:
		t.Fatal("wake callback fired for a malformed datagram")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseStopsServe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.sock")
	l, err := Listen(path, logging.New(false), func() {})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- l.Serve() }()

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v after Close, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func send(t *testing.T, path, payload string) {
	t.Helper()
	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
}
