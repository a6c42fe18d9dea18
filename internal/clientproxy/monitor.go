package clientproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/cc-agency/agency/internal/batchfail"
	"github.com/cc-agency/agency/internal/docker"
	"github.com/cc-agency/agency/internal/metrics"
	"github.com/cc-agency/agency/internal/model"
)

// monitorLoop drains started containers into an in-memory set and polls
// their status every checkRunningContainersInterval, reconciling any
// non-running container's outcome back into batch state (spec §4.4).
func (p *Proxy) monitorLoop(ctx context.Context) {
	tracked := make(map[string]model.ID) // container id -> batch id
	ticker := p.clk.After(checkRunningContainersInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case entry := <-p.monitor:
			tracked[entry.containerID] = entry.batchID
		case <-ticker:
			ticker = p.clk.After(checkRunningContainersInterval)
			p.pollTracked(ctx, tracked)
		}
	}
}

func (p *Proxy) pollTracked(ctx context.Context, tracked map[string]model.ID) {
	if len(tracked) == 0 {
		return
	}
	running, err := p.driver.List(ctx, docker.StatusRunning)
	if err != nil {
		p.log.Warn("list running containers failed", "error", err.Error())
		return
	}
	stillRunning := make(map[string]bool, len(running))
	for _, c := range running {
		stillRunning[c.ID] = true
	}
	metrics.ContainersRunning.WithLabelValues(p.name).Set(float64(len(running)))

	for containerID, batchID := range tracked {
		if stillRunning[containerID] {
			continue
		}
		p.reconcileExited(ctx, containerID, batchID)
		delete(tracked, containerID)
	}
}

// reconcileExited reads a finished container's logs, validates the agent's
// callback payload, and transitions the batch accordingly (spec §4.4). Any
// failure to retrieve or parse logs is itself treated as a batch failure.
func (p *Proxy) reconcileExited(ctx context.Context, containerID string, batchID model.ID) {
	stdout, stderr, err := p.driver.Logs(ctx, containerID)
	if err != nil {
		batchfail.Fail(p.st, p.clk, batchID, model.StateProcessing, batchfail.Outcome{
			Kind: "log retrieval failed", DebugInfo: err.Error(), DisableRetry: true,
		})
		p.driver.Remove(ctx, containerID, true)
		return
	}

	var cb agentCallback
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &cb); err != nil || (cb.State != "succeeded" && cb.State != "failed") {
		batchfail.Fail(p.st, p.clk, batchID, model.StateProcessing, batchfail.Outcome{
			Kind:      "invalid agent callback",
			DebugInfo: fmt.Sprintf("stdout=%q stderr=%q err=%v", stdout, stderr, err),
		})
		p.driver.Remove(ctx, containerID, true)
		return
	}

	if cb.State == "failed" {
		debug := cb.DebugInfo
		if debug == "" {
			debug = string(stderr)
		}
		batchfail.Fail(p.st, p.clk, batchID, model.StateProcessing, batchfail.Outcome{
			Kind: "batch reported failure", DebugInfo: debug,
		})
	} else {
		now := p.clk.Now()
		p.st.ConditionalUpdateBatch(batchID, model.StateProcessing, func(b *model.Batch) {
			b.State = model.StateSucceeded
			b.History = model.AppendHistory(b.History, model.StateSucceeded, "", p.name, now)
		})
	}
	p.driver.Remove(ctx, containerID, true)
}

// cleanUp removes cancelled containers and reconciles any already-exited
// container whose batch is still processing (spec §4.4).
func (p *Proxy) cleanUp(ctx context.Context) error {
	cancelled, err := p.st.ListByState(model.StateCancelled)
	if err != nil {
		return fmt.Errorf("clientproxy: list cancelled batches: %w", err)
	}
	for _, b := range cancelled {
		if b.Node != p.name {
			continue
		}
		p.driver.Remove(ctx, string(b.ID), true)
	}

	exited, err := p.driver.List(ctx, docker.StatusExited)
	if err != nil {
		return fmt.Errorf("clientproxy: list exited containers: %w", err)
	}
	for _, c := range exited {
		b, err := p.st.GetBatch(model.ID(c.Name))
		if err != nil {
			continue
		}
		if b.State == model.StateProcessing {
			p.reconcileExited(ctx, c.ID, b.ID)
		}
	}
	return nil
}

// failBatchesWithoutAssignedContainer repairs batches left dangling by a
// prior controller crash: any batch in scheduled/processing on this node
// whose container no longer exists is failed via the shared helper (spec
// §4.4). Run once at proxy startup.
func (p *Proxy) failBatchesWithoutAssignedContainer(ctx context.Context) error {
	all, err := p.driver.List(ctx, docker.StatusAny)
	if err != nil {
		return fmt.Errorf("clientproxy: list all containers: %w", err)
	}
	present := make(map[string]bool, len(all))
	for _, c := range all {
		present[c.Name] = true
	}

	batches, err := p.st.ListByNode(p.name)
	if err != nil {
		return fmt.Errorf("clientproxy: list node batches: %w", err)
	}
	for _, b := range batches {
		if b.State != model.StateScheduled && b.State != model.StateProcessing {
			continue
		}
		if present[string(b.ID)] {
			continue
		}
		batchfail.Fail(p.st, p.clk, b.ID, b.State, batchfail.Outcome{
			Kind: "no assigned container after restart", DebugInfo: "container not found on node",
		})
	}
	return nil
}
