package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cc-agency/agency/internal/clientproxy"
	"github.com/cc-agency/agency/internal/clock"
	"github.com/cc-agency/agency/internal/config"
	"github.com/cc-agency/agency/internal/logging"
	"github.com/cc-agency/agency/internal/model"
	"github.com/cc-agency/agency/internal/store"
	"github.com/cc-agency/agency/internal/trustee"
)

func noProxies() map[string]*clientproxy.Proxy { return map[string]*clientproxy.Proxy{} }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agency.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func startTestTrustee(t *testing.T) *trustee.Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trustee.sock")
	vault := trustee.NewVault()
	srv, err := trustee.Listen(path, vault, logging.New(false))
	if err != nil {
		t.Fatalf("trustee listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return trustee.NewClient(path, clock.Real{})
}

func TestMatchGPUsGreedyDescendingVRAM(t *testing.T) {
	available := []model.GPUDevice{{ID: "a", VRAM: 8192}, {ID: "b", VRAM: 16384}, {ID: "c", VRAM: 4096}}
	matched, err := matchGPUs(available, []int64{8000, 4000})
	if err != nil {
		t.Fatalf("matchGPUs: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("matched = %d devices, want 2", len(matched))
	}
	// The 16384 device must go to the larger requirement, leaving 8192 or
	// 4096 for the smaller one; no device is reused.
	seen := map[string]bool{}
	for _, d := range matched {
		if seen[d.ID] {
			t.Fatalf("device %s matched twice", d.ID)
		}
		seen[d.ID] = true
	}
}

func TestMatchGPUsInsufficientCapacity(t *testing.T) {
	available := []model.GPUDevice{{ID: "a", VRAM: 4096}}
	_, err := matchGPUs(available, []int64{8192})
	if _, ok := err.(InsufficientGPU); !ok {
		t.Fatalf("err = %v, want InsufficientGPU", err)
	}
}

func TestMatchGPUsNoRequirementsReturnsNil(t *testing.T) {
	matched, err := matchGPUs([]model.GPUDevice{{ID: "a", VRAM: 1024}}, nil)
	if err != nil || matched != nil {
		t.Fatalf("matched = %v, err = %v, want nil, nil", matched, err)
	}
}

func TestPickBestNodePrefersNoGPUNode(t *testing.T) {
	snap := map[string]*nodeSnapshot{
		"gpu-node": {
			info:          model.NodeInfo{Name: "gpu-node", TotalRAM: 16384, GPUs: []model.GPUDevice{{ID: "g0", VRAM: 8192}}},
			ramAvailable:  16384,
			gpusAvailable: []model.GPUDevice{{ID: "g0", VRAM: 8192}},
		},
		"plain-node": {
			info:         model.NodeInfo{Name: "plain-node", TotalRAM: 8192},
			ramAvailable: 8192,
		},
	}
	required := model.Container{RAM: 1024}
	name, gpus := pickBestNode(snap, required, "binpack")
	if name != "plain-node" {
		t.Errorf("picked %s, want plain-node (no-GPU nodes preferred)", name)
	}
	if len(gpus) != 0 {
		t.Errorf("gpus = %v, want none", gpus)
	}
}

func TestPickBestNodeBinpackPrefersFullerNode(t *testing.T) {
	snap := map[string]*nodeSnapshot{
		"empty": {info: model.NodeInfo{Name: "empty", TotalRAM: 16384}, ramAvailable: 16384},
		"fuller": {info: model.NodeInfo{Name: "fuller", TotalRAM: 16384}, ramAvailable: 2048},
	}
	name, _ := pickBestNode(snap, model.Container{RAM: 1024}, "binpack")
	if name != "fuller" {
		t.Errorf("binpack picked %s, want fuller (least ram available)", name)
	}
}

func TestPickBestNodeSpreadPrefersEmptierNode(t *testing.T) {
	snap := map[string]*nodeSnapshot{
		"empty":  {info: model.NodeInfo{Name: "empty", TotalRAM: 16384}, ramAvailable: 16384},
		"fuller": {info: model.NodeInfo{Name: "fuller", TotalRAM: 16384}, ramAvailable: 2048},
	}
	name, _ := pickBestNode(snap, model.Container{RAM: 1024}, "spread")
	if name != "empty" {
		t.Errorf("spread picked %s, want empty (most ram available)", name)
	}
}

func TestPickBestNodeInsufficientRAMExcluded(t *testing.T) {
	snap := map[string]*nodeSnapshot{
		"small": {info: model.NodeInfo{Name: "small", TotalRAM: 512}, ramAvailable: 512},
	}
	name, _ := pickBestNode(snap, model.Container{RAM: 1024}, "binpack")
	if name != "" {
		t.Errorf("picked %s, want none (insufficient ram everywhere)", name)
	}
}

func TestScheduleBatchesPlacesRegisteredBatch(t *testing.T) {
	st := openTestStore(t)
	trust := startTestTrustee(t)
	cfg := &config.Config{}
	s := New(st, trust, clock.Real{}, logging.New(false), cfg, noProxies())

	if err := st.PutNode(model.NodeInfo{Name: "n1", State: model.NodeStateOnline, TotalRAM: 8192}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	exp := model.Experiment{ID: model.NewID()}
	exp.Container.RAM = 1024
	if err := st.PutExperiment(exp); err != nil {
		t.Fatalf("PutExperiment: %v", err)
	}
	b := model.Batch{ID: model.NewID(), ExperimentID: exp.ID, State: model.StateRegistered, Registered: time.Unix(1, 0)}
	if err := st.PutBatch(b); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	s.scheduleBatches(context.Background())

	got, err := st.GetBatch(b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.State != model.StateScheduled {
		t.Fatalf("state = %v, want scheduled", got.State)
	}
	if got.Node != "n1" {
		t.Errorf("node = %q, want n1", got.Node)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestScheduleBatchesRespectsConcurrencyLimit(t *testing.T) {
	st := openTestStore(t)
	trust := startTestTrustee(t)
	cfg := &config.Config{}
	s := New(st, trust, clock.Real{}, logging.New(false), cfg, noProxies())

	if err := st.PutNode(model.NodeInfo{Name: "n1", State: model.NodeStateOnline, TotalRAM: 1 << 20}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	exp := model.Experiment{ID: model.NewID()}
	exp.Container.RAM = 1
	if err := st.PutExperiment(exp); err != nil {
		t.Fatalf("PutExperiment: %v", err)
	}

	// Seed BatchConcurrencyLimit already-active batches for this experiment.
	for i := 0; i < BatchConcurrencyLimit; i++ {
		active := model.Batch{ID: model.NewID(), ExperimentID: exp.ID, State: model.StateProcessing, Node: "n1", Registered: time.Unix(1, 0)}
		if err := st.PutBatch(active); err != nil {
			t.Fatalf("PutBatch active: %v", err)
		}
	}
	extra := model.Batch{ID: model.NewID(), ExperimentID: exp.ID, State: model.StateRegistered, Registered: time.Unix(2, 0)}
	if err := st.PutBatch(extra); err != nil {
		t.Fatalf("PutBatch extra: %v", err)
	}

	s.scheduleBatches(context.Background())

	got, err := st.GetBatch(extra.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.State != model.StateRegistered {
		t.Errorf("state = %v, want still registered (concurrency cap hit)", got.State)
	}
}

func TestScheduleBatchesFailsWhenStructurallyUnschedulable(t *testing.T) {
	st := openTestStore(t)
	trust := startTestTrustee(t)
	cfg := &config.Config{}
	s := New(st, trust, clock.Real{}, logging.New(false), cfg, noProxies())

	if err := st.PutNode(model.NodeInfo{Name: "n1", State: model.NodeStateOnline, TotalRAM: 512}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	exp := model.Experiment{ID: model.NewID()}
	exp.Container.RAM = 1 << 30 // no node will ever have this much RAM
	if err := st.PutExperiment(exp); err != nil {
		t.Fatalf("PutExperiment: %v", err)
	}
	b := model.Batch{ID: model.NewID(), ExperimentID: exp.ID, State: model.StateRegistered, Registered: time.Unix(1, 0)}
	if err := st.PutBatch(b); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	s.scheduleBatches(context.Background())

	got, err := st.GetBatch(b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.State != model.StateFailed {
		t.Errorf("state = %v, want failed (structurally unschedulable)", got.State)
	}
}

func TestScheduleBatchesRejectsMountWithoutInsecureCapabilities(t *testing.T) {
	st := openTestStore(t)
	trust := startTestTrustee(t)
	cfg := &config.Config{} // AllowInsecureCapabilities defaults false
	s := New(st, trust, clock.Real{}, logging.New(false), cfg, noProxies())

	if err := st.PutNode(model.NodeInfo{Name: "n1", State: model.NodeStateOnline, TotalRAM: 8192}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	exp := model.Experiment{ID: model.NewID()}
	exp.Container.RAM = 1024
	if err := st.PutExperiment(exp); err != nil {
		t.Fatalf("PutExperiment: %v", err)
	}
	b := model.Batch{
		ID: model.NewID(), ExperimentID: exp.ID, State: model.StateRegistered, Registered: time.Unix(1, 0),
		Input: map[string]model.ConnectorValue{"in": {Connector: "sshfs", Access: map[string]any{"mount": true}}},
	}
	if err := st.PutBatch(b); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	s.scheduleBatches(context.Background())

	got, err := st.GetBatch(b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.State != model.StateFailed {
		t.Errorf("state = %v, want failed (mount requires insecure capabilities)", got.State)
	}
}

func TestBuildSnapshotSubtractsActiveLoad(t *testing.T) {
	st := openTestStore(t)
	trust := startTestTrustee(t)
	s := New(st, trust, clock.Real{}, logging.New(false), &config.Config{}, noProxies())

	if err := st.PutNode(model.NodeInfo{Name: "n1", State: model.NodeStateOnline, TotalRAM: 8192}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	if err := st.PutNode(model.NodeInfo{Name: "n2", State: model.NodeStateOffline, TotalRAM: 8192}); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	exp := model.Experiment{ID: model.NewID()}
	exp.Container.RAM = 2048
	if err := st.PutExperiment(exp); err != nil {
		t.Fatalf("PutExperiment: %v", err)
	}
	active := model.Batch{ID: model.NewID(), ExperimentID: exp.ID, State: model.StateProcessing, Node: "n1", Registered: time.Unix(1, 0)}
	if err := st.PutBatch(active); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	snap, err := s.buildSnapshot()
	if err != nil {
		t.Fatalf("buildSnapshot: %v", err)
	}
	if _, ok := snap["n2"]; ok {
		t.Error("offline node must not appear in the snapshot")
	}
	ns, ok := snap["n1"]
	if !ok {
		t.Fatal("online node missing from snapshot")
	}
	if ns.ramAvailable != 8192-2048 {
		t.Errorf("ramAvailable = %d, want %d", ns.ramAvailable, 8192-2048)
	}
	if ns.numRunning != 1 {
		t.Errorf("numRunning = %d, want 1", ns.numRunning)
	}
}
