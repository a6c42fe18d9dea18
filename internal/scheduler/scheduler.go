// Package scheduler implements the placement engine and the controller's
// four background loops described in spec §4.5: scheduling, offline-node
// inspection, secret voiding, and terminal notification. It owns the map
// of node name to client proxy.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cc-agency/agency/internal/clientproxy"
	"github.com/cc-agency/agency/internal/clock"
	"github.com/cc-agency/agency/internal/config"
	"github.com/cc-agency/agency/internal/logging"
	"github.com/cc-agency/agency/internal/model"
	"github.com/cc-agency/agency/internal/notifyhook"
	"github.com/cc-agency/agency/internal/store"
	"github.com/cc-agency/agency/internal/trustee"
)

// cronInterval is the periodic tick that bounds how long any stuck work
// waits for an explicit wake-up (spec §4.5).
const cronInterval = 60 * time.Second

// BatchConcurrencyLimit is the per-experiment cap on concurrently active
// batches. The same limit applies to every experiment; experiments carry
// no setting that raises or lowers it.
const BatchConcurrencyLimit = 64

// IsSecretKey decides whether a connector access entry for (connector, key)
// must be separated/collected through the trustee. The Agency treats every
// access entry under the reserved "secret", "password" and "token" keys as
// sensitive; everything else passes through in cleartext. This mirrors the
// broker's ingest-time classification; nothing in the controller calls it.
func IsSecretKey(connector, key string) bool {
	return key == "secret" || key == "password" || key == "token"
}

// Scheduler places registered batches onto client proxies and runs the
// voiding/notification/inspection sweeps that keep the system converging.
type Scheduler struct {
	st       *store.Store
	trust    *trustee.Client
	clk      clock.Clock
	log      *logging.Logger
	cfg      *config.Config
	hooks    []notifyhook.Hook
	strategy string
	cron     *cron.Cron

	mu    sync.RWMutex
	nodes map[string]*clientproxy.Proxy

	scheduling   chan struct{}
	inspection   chan struct{}
	voiding      chan struct{}
	notification chan struct{}
}

// New creates a Scheduler over the given node proxies, already constructed
// by the caller (one per controller.docker.nodes entry).
func New(st *store.Store, trust *trustee.Client, clk clock.Clock, log *logging.Logger, cfg *config.Config, nodes map[string]*clientproxy.Proxy) *Scheduler {
	hooks := make([]notifyhook.Hook, 0, len(cfg.Controller.NotificationHooks))
	for _, h := range cfg.Controller.NotificationHooks {
		hooks = append(hooks, notifyhook.FromConfig(h))
	}
	return &Scheduler{
		st:           st,
		trust:        trust,
		clk:          clk,
		log:          log,
		cfg:          cfg,
		hooks:        hooks,
		strategy:     cfg.Strategy(),
		cron:         cron.New(),
		nodes:        nodes,
		scheduling:   make(chan struct{}, 1),
		inspection:   make(chan struct{}, 1),
		voiding:      make(chan struct{}, 1),
		notification: make(chan struct{}, 1),
	}
}

// Schedule is the public, non-blocking wake-up: a best-effort put onto the
// coalescing scheduling signal (spec §4.5).
func (s *Scheduler) Schedule() {
	coalescingSend(s.scheduling)
}

func coalescingSend(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run starts the ticker, the optional supplementary cron trigger, and all
// four background loops. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if expr := s.cfg.Controller.Scheduling.Cron; expr != "" {
		if _, err := s.cron.AddFunc(expr, s.Schedule); err != nil {
			s.log.Error("invalid scheduling.cron expression, ignoring", "cron", expr, "error", err.Error())
		} else {
			s.cron.Start()
			defer s.cron.Stop()
		}
	}

	var wg sync.WaitGroup
	wg.Add(5)
	go func() { defer wg.Done(); s.tickLoop(ctx) }()
	go func() { defer wg.Done(); s.schedulingLoop(ctx) }()
	go func() { defer wg.Done(); s.inspectionLoop(ctx) }()
	go func() { defer wg.Done(); s.voidingLoop(ctx) }()
	go func() { defer wg.Done(); s.notificationLoop(ctx) }()
	wg.Wait()
}

// tickLoop wakes the scheduling loop every cronInterval whenever there is
// visible pending work, bounding how long anything "stuck" waits (spec
// §4.5).
func (s *Scheduler) tickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(cronInterval):
			if s.hasPendingWork() {
				s.Schedule()
			}
		}
	}
}

func (s *Scheduler) hasPendingWork() bool {
	nonTerminal, err := s.st.ListByState(model.StateRegistered, model.StateScheduled, model.StateProcessing)
	if err != nil {
		s.log.Warn("hasPendingWork: list failed", "error", err.Error())
		return true // fail open: better an extra pass than a stuck one
	}
	if len(nonTerminal) > 0 {
		return true
	}
	terminal, err := s.st.ListByState(model.StateSucceeded, model.StateFailed, model.StateCancelled)
	if err != nil {
		return true
	}
	for _, b := range terminal {
		if !b.ProtectedKeysVoided || !b.NotificationsSent {
			return true
		}
	}
	return false
}

// schedulingLoop blocks on the scheduling signal; on wake it fans out to
// the other three loops, probes the trustee, and runs one placement pass
// (spec §4.5).
func (s *Scheduler) schedulingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.scheduling:
			coalescingSend(s.inspection)
			coalescingSend(s.voiding)
			coalescingSend(s.notification)

			for {
				reply := s.trust.Inspect()
				if reply.State == "success" {
					break
				}
				s.log.Warn("trustee unreachable, retrying after one tick", "debug_info", reply.DebugInfo)
				select {
				case <-ctx.Done():
					return
				case <-s.clk.After(cronInterval):
				}
			}

			s.scheduleBatches(ctx)
		}
	}
}

// proxies returns a stable snapshot of the node name -> proxy map.
func (s *Scheduler) proxies() map[string]*clientproxy.Proxy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*clientproxy.Proxy, len(s.nodes))
	for k, v := range s.nodes {
		out[k] = v
	}
	return out
}
