package scheduler

import (
	"context"
	"sort"

	"github.com/cc-agency/agency/internal/batchfail"
	"github.com/cc-agency/agency/internal/clientproxy"
	"github.com/cc-agency/agency/internal/metrics"
	"github.com/cc-agency/agency/internal/model"
	"github.com/cc-agency/agency/internal/secrets"
)

// nodeSnapshot is the scheduler's point-in-time view of one node's
// resource envelope, mutated locally as the FIFO pass commits placements
// (spec §4.5 step 1).
type nodeSnapshot struct {
	info          model.NodeInfo
	ramAvailable  int64
	gpusAvailable []model.GPUDevice
	numRunning    int
}

// InsufficientGPU reports that no subset of available devices satisfies the
// requested VRAM minima.
type InsufficientGPU struct{}

func (InsufficientGPU) Error() string { return "scheduler: insufficient GPU capacity" }

// matchGPUs returns a subset of available of equal cardinality to
// requirements such that each requirement is satisfied by a distinct
// device with at least the required VRAM, matching greedily by descending
// VRAM (spec §4.5).
func matchGPUs(available []model.GPUDevice, requirements []int64) ([]model.GPUDevice, error) {
	if len(requirements) == 0 {
		return nil, nil
	}
	pool := make([]model.GPUDevice, len(available))
	copy(pool, available)
	sort.Slice(pool, func(i, j int) bool { return pool[i].VRAM > pool[j].VRAM })

	reqs := make([]int64, len(requirements))
	copy(reqs, requirements)
	sort.Slice(reqs, func(i, j int) bool { return reqs[i] > reqs[j] })

	used := make([]bool, len(pool))
	var matched []model.GPUDevice
	for _, req := range reqs {
		found := -1
		for i, dev := range pool {
			if used[i] || dev.VRAM < req {
				continue
			}
			found = i
			break
		}
		if found == -1 {
			return nil, InsufficientGPU{}
		}
		used[found] = true
		matched = append(matched, pool[found])
	}
	return matched, nil
}

// nodePossiblySufficient reports whether node could ever host the
// experiment's container, ignoring current load (spec §4.5 step 5).
func nodePossiblySufficient(n model.NodeInfo, required model.Container) bool {
	if n.TotalRAM < required.RAM {
		return false
	}
	if _, err := matchGPUs(n.GPUs, required.GPUs); err != nil {
		return false
	}
	return true
}

// buildSnapshot computes the cluster-wide resource snapshot (spec §4.5
// step 1): only online nodes count for scheduling.
func (s *Scheduler) buildSnapshot() (map[string]*nodeSnapshot, error) {
	nodes, err := s.st.ListNodes()
	if err != nil {
		return nil, err
	}
	snap := make(map[string]*nodeSnapshot, len(nodes))
	for _, n := range nodes {
		if n.State != model.NodeStateOnline {
			continue
		}
		snap[n.Name] = &nodeSnapshot{info: n, ramAvailable: n.TotalRAM, gpusAvailable: append([]model.GPUDevice(nil), n.GPUs...)}
	}

	active, err := s.st.ListByState(model.StateScheduled, model.StateProcessing)
	if err != nil {
		return nil, err
	}
	experimentRAM := make(map[model.ID]int64)
	for _, b := range active {
		if b.Node == "" {
			continue
		}
		ns, ok := snap[b.Node]
		if !ok {
			continue
		}
		exp, err := s.st.GetExperiment(b.ExperimentID)
		ram := exp.Container.RAM
		if err == nil {
			experimentRAM[b.ExperimentID] = ram
		} else {
			ram = experimentRAM[b.ExperimentID]
		}
		ns.ramAvailable -= ram
		ns.numRunning++
		ns.gpusAvailable = removeGPUs(ns.gpusAvailable, b.UsedGPUs)
	}
	return snap, nil
}

func removeGPUs(available []model.GPUDevice, used []string) []model.GPUDevice {
	if len(used) == 0 {
		return available
	}
	busy := make(map[string]bool, len(used))
	for _, id := range used {
		busy[id] = true
	}
	out := available[:0:0]
	for _, g := range available {
		if !busy[g.ID] {
			out = append(out, g)
		}
	}
	return out
}

// experimentConcurrency counts active (scheduled/processing) batches per
// experiment, for the per-experiment concurrency cap (spec §4.5 step 4).
func (s *Scheduler) experimentConcurrency() (map[model.ID]int, error) {
	active, err := s.st.ListByState(model.StateScheduled, model.StateProcessing)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.ID]int)
	for _, b := range active {
		counts[b.ExperimentID]++
	}
	return counts, nil
}

// scheduleBatches runs one FIFO placement pass (spec §4.5 `_schedule_batches`).
func (s *Scheduler) scheduleBatches(ctx context.Context) {
	start := s.clk.Now()
	metrics.SchedulingPassesTotal.Inc()
	defer func() {
		metrics.SchedulingPassDuration.Observe(s.clk.Since(start).Seconds())
	}()

	snap, err := s.buildSnapshot()
	if err != nil {
		s.log.Error("scheduleBatches: build snapshot failed", "error", err.Error())
		return
	}
	metrics.NodesOnline.Set(float64(len(snap)))
	concurrency, err := s.experimentConcurrency()
	if err != nil {
		s.log.Error("scheduleBatches: concurrency count failed", "error", err.Error())
		return
	}

	candidates, err := s.st.ListRegisteredFIFO()
	if err != nil {
		s.log.Error("scheduleBatches: list registered failed", "error", err.Error())
		return
	}

	touched := make(map[string]bool)
	for _, b := range candidates {
		if ctx.Err() != nil {
			return
		}
		if s.placeOne(b, snap, concurrency, touched) {
			s.log.Warn("scheduleBatches: trustee unavailable, ending pass early")
			break
		}
	}

	s.fanOutActions(touched)
	s.recordStateGauges()
}

// recordStateGauges refreshes the per-state batch count gauge after a
// placement pass, giving operators a near-real-time view of queue depth.
func (s *Scheduler) recordStateGauges() {
	for _, state := range []model.State{
		model.StateRegistered, model.StateScheduled, model.StateProcessing,
		model.StateSucceeded, model.StateFailed, model.StateCancelled,
	} {
		batches, err := s.st.ListByState(state)
		if err != nil {
			continue
		}
		metrics.BatchesByState.WithLabelValues(string(state)).Set(float64(len(batches)))
	}
}

// placeOne attempts to place a single candidate batch, mutating snap and
// concurrency in place on success. Returns true only when the trustee is
// confirmed down (a failed collect followed by a failed inspect), telling
// scheduleBatches to abandon the rest of this FIFO pass rather than burn
// through every remaining candidate against a dead trustee.
func (s *Scheduler) placeOne(b model.Batch, snap map[string]*nodeSnapshot, concurrency map[model.ID]int, touched map[string]bool) bool {
	exp, err := s.st.GetExperiment(b.ExperimentID)
	if err != nil {
		batchfail.Fail(s.st, s.clk, b.ID, b.State, batchfail.Outcome{
			Kind: "missing experiment", DebugInfo: err.Error(), DisableRetry: true,
		})
		return false
	}

	if needsSecrets(exp, b) {
		keys := secrets.ExperimentSecretKeys(exp)
		keyStrs := make([]string, len(keys))
		for i, k := range keys {
			keyStrs[i] = string(k)
		}
		reply := s.trust.Collect(keyStrs)
		if reply.State != "success" {
			// The batch always fails on a collect failure, same as a
			// permanent one; Inspect only decides whether this pass
			// gives up entirely or moves on to the next candidate.
			batchfail.Fail(s.st, s.clk, b.ID, b.State, batchfail.Outcome{
				Kind: "secret collect failed", DebugInfo: reply.DebugInfo, DisableRetry: reply.DisableRetry,
			})
			if reply.Inspect && s.trust.Inspect().State != "success" {
				return true
			}
			return false
		}
		collected := make(map[model.ID]any, len(reply.Collected))
		for k, v := range reply.Collected {
			collected[model.ID(k)] = v
		}
		secrets.FillExperiment(&exp, collected)
	}

	limit := BatchConcurrencyLimit
	if concurrency[b.ExperimentID] >= limit {
		return false
	}

	if !anyNodePossiblySufficient(snap, exp.Container) {
		batchfail.Fail(s.st, s.clk, b.ID, b.State, batchfail.Outcome{
			Kind: "no node possibly sufficient", DebugInfo: "structurally unschedulable", DisableRetry: true,
		})
		return false
	}

	mount := batchNeedsMount(b)
	if mount && !s.cfg.Controller.Docker.AllowInsecureCapabilities {
		batchfail.Fail(s.st, s.clk, b.ID, b.State, batchfail.Outcome{
			Kind: "fuse mount requires insecure capabilities", DebugInfo: "allow_insecure_capabilities=false", DisableRetry: true,
		})
		return false
	}

	best, gpus := pickBestNode(snap, exp.Container, s.strategy)
	if best == "" {
		return false
	}

	ns := snap[best]
	ns.ramAvailable -= exp.Container.RAM
	ns.numRunning++
	ns.gpusAvailable = removeGPUs(ns.gpusAvailable, gpuIDs(gpus))
	concurrency[b.ExperimentID]++

	now := s.clk.Now()
	usedGPUIDs := gpuIDs(gpus)
	err = s.st.ConditionalUpdateBatch(b.ID, model.StateRegistered, func(bb *model.Batch) {
		bb.State = model.StateScheduled
		bb.Node = best
		bb.UsedGPUs = usedGPUIDs
		bb.Mount = mount
		bb.Attempts++
		bb.History = model.AppendHistory(bb.History, model.StateScheduled, "", best, now)
	})
	if err != nil {
		s.log.Warn("scheduleBatches: commit placement failed", "batch", b.ID, "error", err.Error())
		return false
	}
	metrics.BatchesPlacedTotal.Inc()
	touched[best] = true
	return false
}

func gpuIDs(devs []model.GPUDevice) []string {
	if len(devs) == 0 {
		return nil
	}
	ids := make([]string, len(devs))
	for i, d := range devs {
		ids[i] = d.ID
	}
	return ids
}

func anyNodePossiblySufficient(snap map[string]*nodeSnapshot, required model.Container) bool {
	for _, ns := range snap {
		if nodePossiblySufficient(ns.info, required) {
			return true
		}
	}
	return false
}

// pickBestNode implements the sufficiency filter and tie-breaking order
// from spec §4.5 steps 6-7: prefer GPU-less nodes, then fewest running
// batches, then least RAM available (binpack, the default) or most RAM
// available (spread).
func pickBestNode(snap map[string]*nodeSnapshot, required model.Container, strategy string) (string, []model.GPUDevice) {
	type candidate struct {
		name string
		gpus []model.GPUDevice
		ns   *nodeSnapshot
	}
	var candidates []candidate
	for name, ns := range snap {
		if ns.ramAvailable < required.RAM {
			continue
		}
		gpus, err := matchGPUs(ns.gpusAvailable, required.GPUs)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: name, gpus: gpus, ns: ns})
	}
	if len(candidates) == 0 {
		return "", nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aHasGPU := len(a.ns.info.GPUs) > 0
		bHasGPU := len(b.ns.info.GPUs) > 0
		if aHasGPU != bHasGPU {
			return !aHasGPU // no-GPU nodes sort first
		}
		if a.ns.numRunning != b.ns.numRunning {
			return a.ns.numRunning < b.ns.numRunning
		}
		if strategy == "spread" {
			return a.ns.ramAvailable > b.ns.ramAvailable // prefer emptier nodes
		}
		return a.ns.ramAvailable < b.ns.ramAvailable // binpack: prefer fuller nodes
	})
	best := candidates[0]
	return best.name, best.gpus
}

func batchNeedsMount(b model.Batch) bool {
	for _, cv := range b.Input {
		if mountRequired(cv) {
			return true
		}
	}
	for _, cv := range b.Output {
		if mountRequired(cv) {
			return true
		}
	}
	return false
}

func mountRequired(cv model.ConnectorValue) bool {
	v, ok := cv.Access["mount"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func needsSecrets(exp model.Experiment, b model.Batch) bool {
	return len(secrets.ExperimentSecretKeys(exp)) > 0 || len(secrets.BatchSecretKeys(b)) > 0
}

// fanOutActions sends clean_up to every node and check_for_batches to
// every node that received at least one placement this pass (spec §4.5
// step 9). If put_action fails on a touched node (its proxy has torn
// down its queue), every batch still scheduled on that node is failed
// through batchfail.
func (s *Scheduler) fanOutActions(touched map[string]bool) {
	for name, proxy := range s.proxies() {
		proxy.PutAction(clientproxy.Action{Kind: "clean_up"})
		if !touched[name] || proxy.PutAction(clientproxy.Action{Kind: "check_for_batches"}) {
			continue
		}
		placed, err := s.st.ListByNode(name)
		if err != nil {
			s.log.Warn("fanOutActions: list node batches failed", "node", name, "error", err.Error())
			continue
		}
		for _, b := range placed {
			if b.State == model.StateScheduled {
				batchfail.Fail(s.st, s.clk, b.ID, b.State, batchfail.Outcome{
					Kind: "node action queue unavailable", DebugInfo: "put_action failed on node " + name,
				})
			}
		}
	}
}
