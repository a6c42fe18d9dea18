// Package trustee implements the secret vault: an in-memory uuid->value
// store exposed over a length-prefixed JSON request/reply protocol on a
// filesystem-scoped unix socket, grounded on trustee/main.py. No ZeroMQ
// binding exists anywhere in the example pack this was grown from, so the
// IPC transport is a plain unix-domain socket instead of ipc:// REQ/REP.
package trustee

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Request is a tagged request object understood by the trustee server.
type Request struct {
	Action string         `json:"action"` // "store", "delete", "collect", "inspect"
	Secrets map[string]any `json:"secrets,omitempty"`
	Keys    []string       `json:"keys,omitempty"`
}

// Reply is the trustee's response to a Request.
type Reply struct {
	State        string         `json:"state"` // "success" or "failed"
	Collected    map[string]any `json:"collected,omitempty"`
	DebugInfo    string         `json:"debug_info,omitempty"`
	DisableRetry bool           `json:"disable_retry,omitempty"`
	Inspect      bool           `json:"inspect,omitempty"`
}

// writeMessage writes a length-prefixed JSON message: a 4-byte big-endian
// length followed by the JSON body.
func writeMessage(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("trustee: marshal message: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("trustee: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("trustee: write message body: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed JSON message into v.
func readMessage(r *bufio.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxMessage = 64 << 20 // 64MiB, generous for secret payloads
	if n > maxMessage {
		return fmt.Errorf("trustee: message too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("trustee: read message body: %w", err)
	}
	return json.Unmarshal(body, v)
}
