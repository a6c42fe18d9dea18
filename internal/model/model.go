// Package model defines the Agency's persisted domain entities: experiments,
// batches, node mirrors, and callback tokens.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// ID is an opaque 96-bit identifier, hex-encoded like a Mongo ObjectId.
// Experiments, batches, and callback tokens are all addressed by ID.
type ID string

// NewID generates a random 12-byte ID.
func NewID() ID {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("model: read random id: %v", err))
	}
	return ID(hex.EncodeToString(b))
}

func (id ID) String() string { return string(id) }

// State is a batch's position in its lifecycle state machine.
type State string

const (
	StateRegistered State = "registered"
	StateScheduled  State = "scheduled"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ConnectorValue is one entry of a RED connector map: {connector: {access: ...}}.
// Access may itself be a secret reference (a uuid string) prior to blue translation.
type ConnectorValue struct {
	Connector string         `json:"connector"`
	Access    map[string]any `json:"access"`
}

// ImageAuth holds registry credentials for pulling an experiment's image.
// It is itself secret-separated: username/password may be uuid references.
type ImageAuth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ExecutionSettings controls retry behavior for a batch.
type ExecutionSettings struct {
	RetryIfFailed bool `json:"retryIfFailed"`
}

// Execution describes how an experiment's container should be run.
type Execution struct {
	Engine   string            `json:"engine"`
	Settings ExecutionSettings `json:"settings"`
}

// Container describes the image and resource envelope for an experiment.
// GPUs lists, per required device, the minimum VRAM (MiB) it must offer;
// an empty list means the experiment needs no GPU.
type Container struct {
	Image struct {
		URL  string     `json:"url"`
		Auth *ImageAuth `json:"auth,omitempty"`
	} `json:"image"`
	RAM  int64   `json:"ram"` // megabytes
	GPUs []int64 `json:"gpus,omitempty"`
}

// Experiment is the static description of a container-based job definition.
type Experiment struct {
	ID                  ID                        `json:"_id"`
	Execution           Execution                 `json:"execution"`
	Container           Container                 `json:"container"`
	Input               map[string]ConnectorValue `json:"input,omitempty"`
	Output              map[string]ConnectorValue `json:"output,omitempty"`
	Command             []string                  `json:"command,omitempty"`
	Created             time.Time                 `json:"created"`
	ProtectedKeysVoided bool                      `json:"protectedKeysVoided"`
}

// HistoryEntry records one state transition a batch has undergone.
type HistoryEntry struct {
	State       State          `json:"state"`
	Time        time.Time      `json:"time"`
	DebugInfo   string         `json:"debugInfo,omitempty"`
	Node        string         `json:"node,omitempty"`
	DockerStats map[string]any `json:"dockerStats,omitempty"`
}

// Batch is one submitted instance of an experiment awaiting or undergoing execution.
type Batch struct {
	ID                  ID                        `json:"_id"`
	ExperimentID        ID                        `json:"experimentId"`
	State               State                     `json:"state"`
	Node                string                    `json:"node,omitempty"`
	Attempts            int                       `json:"attempts"`
	Registered          time.Time                 `json:"registeredAt"`
	Input               map[string]ConnectorValue `json:"input,omitempty"`
	Output              map[string]ConnectorValue `json:"output,omitempty"`
	History             []HistoryEntry            `json:"history"`
	NotificationsSent   bool                      `json:"notificationsSent"`
	ContainerID         string                    `json:"containerId,omitempty"`
	UsedGPUs            []string                  `json:"usedGpus,omitempty"`
	Mount               bool                      `json:"mount,omitempty"`
	ProtectedKeysVoided bool                      `json:"protectedKeysVoided"`
}

// AppendHistory returns a copy of history with a new entry appended, stamped
// with the given clock time.
func AppendHistory(h []HistoryEntry, state State, debugInfo, node string, now time.Time) []HistoryEntry {
	return append(h, HistoryEntry{State: state, Time: now, DebugInfo: debugInfo, Node: node})
}

// NodeState is a node mirror's tri-state lifecycle position: unset until the
// client proxy's startup protocol completes its first driver probe.
type NodeState string

const (
	NodeStateUnset   NodeState = ""
	NodeStateOnline  NodeState = "online"
	NodeStateOffline NodeState = "offline"
)

// GPUDevice is one physical GPU a node reports, keyed by an opaque device id.
type GPUDevice struct {
	ID   string `json:"id"`
	VRAM int64  `json:"vram"` // megabytes
}

// NodeInfo is the controller's mirror of one configured docker host's
// liveness and hardware inventory. Dropped and reinitialized on every
// controller start; load is always recomputed from active batches rather
// than stored here.
type NodeInfo struct {
	Name        string      `json:"name"`
	State       NodeState   `json:"state"`
	TotalRAM    int64       `json:"totalRam"` // megabytes
	GPUs        []GPUDevice `json:"gpus,omitempty"`
	LastContact time.Time   `json:"lastContact"`
	DebugInfo   string      `json:"debugInfo,omitempty"`
}

// CallbackToken authenticates a running batch container's callback requests
// to the broker (e.g. to report progress or fetch connector data).
type CallbackToken struct {
	BatchID ID     `json:"batchId"`
	Token   string `json:"token"` // PBKDF2-derived, never stored in cleartext form elsewhere
	Salt    string `json:"salt"`
}
