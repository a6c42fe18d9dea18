// Package clientproxy implements the per-node driver described in spec
// §4.4: one host driver, one serialized action queue, and a background
// monitor for containers the proxy itself started. It is the sole writer
// of its node's mirror document and the sole agent that transitions
// batches scheduled on that node.
package clientproxy

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cc-agency/agency/internal/blue"
	"github.com/cc-agency/agency/internal/clock"
	"github.com/cc-agency/agency/internal/config"
	"github.com/cc-agency/agency/internal/docker"
	"github.com/cc-agency/agency/internal/logging"
	"github.com/cc-agency/agency/internal/model"
	"github.com/cc-agency/agency/internal/store"
	"github.com/cc-agency/agency/internal/trustee"
)

// checkRunningContainersInterval is how often the monitor loop polls the
// status of containers it started (spec §4.4).
const checkRunningContainersInterval = 1 * time.Second

// pullPoolSize and startPoolSize bound the concurrent image pulls and
// container starts a single proxy will run at once (spec §5).
const (
	pullPoolSize  = 4
	startPoolSize = 4
)

// Action is one unit of work serialized through a proxy's action queue.
type Action struct {
	Kind string // "inspect", "check_for_batches", "clean_up"
}

// agentCallback is the shape an in-container Blue agent writes to stdout on
// exit, validated by the monitor loop (spec §4.4).
type agentCallback struct {
	State     string `json:"state"`
	DebugInfo string `json:"debugInfo,omitempty"`
}

// Proxy drives one configured node end to end.
type Proxy struct {
	name   string
	cfg    config.NodeConfig
	broker string // broker external URL, used by the liveness probe

	driver     docker.API
	st         *store.Store
	trust      *trustee.Client
	clk        clock.Clock
	log        *logging.Logger
	agentBin   []byte
	translator blue.Translator

	mu      sync.Mutex
	actions chan Action
	monitor chan monitorEntry
	done    chan struct{}
}

type monitorEntry struct {
	containerID string
	batchID     model.ID
}

// New creates a client proxy for one configured node. Call Start to run its
// startup protocol and background loops.
func New(name string, cfg config.NodeConfig, brokerExternalURL string, driver docker.API, st *store.Store, trust *trustee.Client, clk clock.Clock, log *logging.Logger, agentBin []byte) *Proxy {
	return &Proxy{
		name:       name,
		cfg:        cfg,
		broker:     brokerExternalURL,
		driver:     driver,
		st:         st,
		trust:      trust,
		clk:        clk,
		log:        &logging.Logger{Logger: log.With("node", name)},
		agentBin:   agentBin,
		translator: blue.DefaultTranslator{},
	}
}

// Start runs the startup protocol (spec §4.4): insert a null-state mirror,
// probe the driver, repair batches orphaned by a prior controller crash,
// then spin up the action loop and container monitor. Returns once the
// node is online or has been marked offline after a failed probe.
func (p *Proxy) Start(ctx context.Context) {
	if err := p.st.PutNode(model.NodeInfo{Name: p.name, State: model.NodeStateUnset}); err != nil {
		p.log.Error("failed to insert node mirror", "error", err.Error())
		return
	}

	info, err := p.driver.Info(ctx)
	if err == nil {
		err = p.failBatchesWithoutAssignedContainer(ctx)
	}
	if err != nil {
		p.markOffline(err.Error())
		return
	}

	gpus := make([]model.GPUDevice, 0)
	if p.cfg.Hardware != nil {
		for _, g := range p.cfg.Hardware.GPUs {
			gpus = append(gpus, model.GPUDevice{ID: strconv.Itoa(g.ID), VRAM: g.VRAM})
		}
	}
	now := p.clk.Now()
	if err := p.st.PutNode(model.NodeInfo{
		Name:        p.name,
		State:       model.NodeStateOnline,
		TotalRAM:    info.RAMMiB,
		GPUs:        gpus,
		LastContact: now,
	}); err != nil {
		p.log.Error("failed to mark node online", "error", err.Error())
		return
	}

	p.mu.Lock()
	p.actions = make(chan Action, 8)
	p.monitor = make(chan monitorEntry, 64)
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.actionLoop(ctx)
	go p.monitorLoop(ctx)
	p.PutAction(Action{Kind: "inspect"})
}

func (p *Proxy) markOffline(reason string) {
	now := p.clk.Now()
	if err := p.st.PutNode(model.NodeInfo{Name: p.name, State: model.NodeStateOffline, DebugInfo: reason, LastContact: now}); err != nil {
		p.log.Error("failed to mark node offline", "error", err.Error())
	}
}

// PutAction enqueues an action, returning false if the proxy's queue has
// been torn down (node offline) (spec §4.4's put_action contract). A full
// queue drops the action and still returns true.
func (p *Proxy) PutAction(a Action) bool {
	p.mu.Lock()
	ch := p.actions
	p.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- a:
	default:
		p.log.Warn("action queue full, dropping action", "kind", a.Kind)
	}
	return true
}

// actionLoop serializes inspect/check_for_batches/clean_up (spec §4.4).
func (p *Proxy) actionLoop(ctx context.Context) {
	defer p.teardown()
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-p.actions:
			if !ok {
				return
			}
			if err := p.runAction(ctx, a); err != nil {
				p.log.Warn("action failed, scheduling inspect", "kind", a.Kind, "error", err.Error())
				if ierr := p.inspect(ctx); ierr != nil {
					p.log.Error("inspect failed, taking node offline", "error", ierr.Error())
					p.markOffline(ierr.Error())
					return
				}
			}
		}
	}
}

func (p *Proxy) runAction(ctx context.Context, a Action) error {
	switch a.Kind {
	case "inspect":
		return p.inspect(ctx)
	case "check_for_batches":
		return p.checkForBatches(ctx)
	case "clean_up":
		return p.cleanUp(ctx)
	default:
		return fmt.Errorf("clientproxy: unknown action %q", a.Kind)
	}
}

func (p *Proxy) teardown() {
	p.mu.Lock()
	if p.done != nil {
		close(p.done)
	}
	p.actions = nil
	p.mu.Unlock()
}

// inspect runs a lightweight one-shot container that curls the broker's
// external URL, proving the node can both run containers and reach the
// broker (spec §4.4).
func (p *Proxy) inspect(ctx context.Context) error {
	cmd := []string{"curl", "-fsS", "-o", "/dev/null", p.broker}
	return p.driver.RunOneShot(ctx, "curlimages/curl:latest", cmd, p.cfg.Environment, p.cfg.Network)
}

// InspectOfflineNode reruns the startup protocol (Start) for a node
// currently marked offline, reusing the proxy's existing driver (spec
// §4.5's inspection loop). On success the node transitions back to online
// and a fresh action loop starts.
func (p *Proxy) InspectOfflineNode(ctx context.Context) {
	p.Start(ctx)
}
