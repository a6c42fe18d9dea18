// Package blue implements RED-to-Blue batch descriptor translation and the
// in-memory tar archive assembly delivered to a container via PutArchive
// (spec §4.6).
package blue

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cc-agency/agency/internal/model"
)

// AgentPath and DescriptorPath are the agreed in-container paths the
// embedded agent and its job descriptor are delivered to.
const (
	AgentPath      = "/cc/blue_agent"
	DescriptorPath = "/cc/blue_file.json"
)

// Descriptor is the concrete, per-batch job description handed to the
// in-container agent: one translated Blue batch.
type Descriptor struct {
	BatchID string                           `json:"batchId"`
	Command []string                         `json:"command"`
	Engine  string                           `json:"engine"`
	RAM     int64                            `json:"ram"`
	Input   map[string]model.ConnectorValue  `json:"input,omitempty"`
	Output  map[string]model.ConnectorValue  `json:"output,omitempty"`
}

// Translator lowers a RED experiment plus a filled batch into exactly one
// Blue descriptor. A translator producing anything other than one result
// is a programmer error and must be treated as non-retryable by the caller.
type Translator interface {
	Translate(exp model.Experiment, batch model.Batch) ([]Descriptor, error)
}

// DefaultTranslator lowers engine/command/ram/connectors directly, copying
// the engine string through unchanged; EngineToRuntime, not this
// translator, interprets the "docker"/"nvidia-docker" distinction.
type DefaultTranslator struct{}

// Translate implements Translator.
func (DefaultTranslator) Translate(exp model.Experiment, batch model.Batch) ([]Descriptor, error) {
	return []Descriptor{{
		BatchID: batch.ID.String(),
		Command: exp.Command,
		Engine:  exp.Execution.Engine,
		RAM:     exp.Container.RAM,
		Input:   batch.Input,
		Output:  batch.Output,
	}}, nil
}

// ErrNotExactlyOne is returned when a translator yields a batch count other
// than one. The caller must treat this as a non-retryable failure.
type ErrNotExactlyOne struct{ Count int }

func (e ErrNotExactlyOne) Error() string {
	return fmt.Sprintf("blue: translator produced %d batches, want exactly 1", e.Count)
}

// TranslateOne runs t against exp/batch and enforces the exactly-one rule.
func TranslateOne(t Translator, exp model.Experiment, batch model.Batch) (Descriptor, error) {
	results, err := t.Translate(exp, batch)
	if err != nil {
		return Descriptor{}, err
	}
	if len(results) != 1 {
		return Descriptor{}, ErrNotExactlyOne{Count: len(results)}
	}
	return results[0], nil
}

// Archive builds an in-memory tar archive containing the agent executable
// and the serialized Blue descriptor at their agreed in-container paths,
// ready to be handed to a host driver's PutArchive.
func Archive(agent []byte, desc Descriptor) ([]byte, error) {
	payload, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("blue: marshal descriptor: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	now := time.Now()
	entries := []struct {
		name string
		mode int64
		data []byte
	}{
		{base(AgentPath), 0o755, agent},
		{base(DescriptorPath), 0o644, payload},
	}
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.name,
			Mode:    e.mode,
			Size:    int64(len(e.data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("blue: write tar header %s: %w", e.name, err)
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, fmt.Errorf("blue: write tar body %s: %w", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("blue: close tar writer: %w", err)
	}
	return buf.Bytes(), nil
}

func base(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// EngineToRuntime maps an experiment's engine string to a docker runtime
// name, per spec §9: "docker" maps to the default runtime, "nvidia-docker"
// to the GPU runtime.
func EngineToRuntime(engine string) string {
	if engine == "nvidia-docker" {
		return "nvidia"
	}
	return "runc"
}
