package scheduler

import (
	"context"

	"github.com/cc-agency/agency/internal/metrics"
	"github.com/cc-agency/agency/internal/model"
	"github.com/cc-agency/agency/internal/secrets"
)

// inspectionLoop re-probes every node currently mirrored as offline,
// giving a node that recovered on its own (or was fixed by an operator) a
// path back to online without restarting the controller (spec §4.5).
func (s *Scheduler) inspectionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.inspection:
			s.inspectOffline(ctx)
		}
	}
}

func (s *Scheduler) inspectOffline(ctx context.Context) {
	nodes, err := s.st.ListNodes()
	if err != nil {
		s.log.Warn("inspectOffline: list nodes failed", "error", err.Error())
		return
	}
	proxies := s.proxies()
	for _, n := range nodes {
		if n.State != model.NodeStateOffline {
			continue
		}
		proxy, ok := proxies[n.Name]
		if !ok {
			continue
		}
		proxy.InspectOfflineNode(ctx)
	}
}

// voidingLoop deletes the protected-key secrets of every terminal
// experiment/batch that has not yet had its keys voided, then marks the
// void as done (spec §4.5, §6). Voiding an experiment's keys only happens
// once every batch of that experiment is terminal.
func (s *Scheduler) voidingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.voiding:
			s.voidProtectedKeys()
		}
	}
}

func (s *Scheduler) voidProtectedKeys() {
	terminal, err := s.st.ListByState(model.StateSucceeded, model.StateFailed, model.StateCancelled)
	if err != nil {
		s.log.Warn("voidProtectedKeys: list terminal batches failed", "error", err.Error())
		return
	}

	byExperiment := make(map[model.ID][]model.Batch)
	for _, b := range terminal {
		if b.ProtectedKeysVoided {
			continue
		}
		byExperiment[b.ExperimentID] = append(byExperiment[b.ExperimentID], b)
	}

	for expID, batches := range byExperiment {
		for _, b := range batches {
			keys := secretKeyStrings(b)
			if len(keys) > 0 {
				reply := s.trust.Delete(keys)
				if reply.State != "success" {
					s.log.Warn("voidProtectedKeys: batch key delete failed", "batch", b.ID, "debug_info", reply.DebugInfo)
					continue
				}
			}
			if err := s.st.ConditionalUpdateBatch(b.ID, b.State, func(bb *model.Batch) {
				bb.ProtectedKeysVoided = true
			}); err != nil {
				s.log.Warn("voidProtectedKeys: commit failed", "batch", b.ID, "error", err.Error())
			}
		}

		if s.allBatchesTerminalAndVoided(expID) {
			s.voidExperimentKeys(expID)
		}
	}
}

func (s *Scheduler) allBatchesTerminalAndVoided(expID model.ID) bool {
	all, err := s.st.ListByExperiment(expID)
	if err != nil {
		return false
	}
	for _, b := range all {
		if !b.State.Terminal() || !b.ProtectedKeysVoided {
			return false
		}
	}
	return true
}

func (s *Scheduler) voidExperimentKeys(expID model.ID) {
	exp, err := s.st.GetExperiment(expID)
	if err != nil || exp.ProtectedKeysVoided {
		return
	}
	keys := experimentSecretKeyStrings(exp)
	if len(keys) > 0 {
		reply := s.trust.Delete(keys)
		if reply.State != "success" {
			s.log.Warn("voidExperimentKeys: delete failed", "experiment", expID, "debug_info", reply.DebugInfo)
			return
		}
	}
	exp.ProtectedKeysVoided = true
	if err := s.st.PutExperiment(exp); err != nil {
		s.log.Warn("voidExperimentKeys: commit failed", "experiment", expID, "error", err.Error())
	}
}

// notificationLoop dispatches every configured notification hook for
// terminal batches that have not yet been notified, flipping
// notificationsSent before the send so a hook that panics a receiver
// never causes a duplicate delivery on the next pass (spec §4.5, §6).
func (s *Scheduler) notificationLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notification:
			s.notifyTerminal(ctx)
		}
	}
}

func (s *Scheduler) notifyTerminal(ctx context.Context) {
	if len(s.hooks) == 0 {
		return
	}
	terminal, err := s.st.ListByState(model.StateSucceeded, model.StateFailed, model.StateCancelled)
	if err != nil {
		s.log.Warn("notifyTerminal: list terminal batches failed", "error", err.Error())
		return
	}
	var pending []model.Batch
	for _, b := range terminal {
		if !b.NotificationsSent {
			pending = append(pending, b)
		}
	}
	if len(pending) == 0 {
		return
	}

	var flipped []model.Batch
	for _, b := range pending {
		if err := s.st.ConditionalUpdateBatch(b.ID, b.State, func(bb *model.Batch) {
			bb.NotificationsSent = true
		}); err != nil {
			s.log.Warn("notifyTerminal: commit failed", "batch", b.ID, "error", err.Error())
			continue
		}
		flipped = append(flipped, b)
	}
	if len(flipped) == 0 {
		return
	}

	for _, hook := range s.hooks {
		if err := hook.Notify(ctx, flipped); err != nil {
			s.log.Warn("notifyTerminal: hook delivery failed", "error", err.Error())
			metrics.NotificationHookFailuresTotal.Inc()
		}
	}
}

func secretKeyStrings(b model.Batch) []string {
	ids := secrets.BatchSecretKeys(b)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func experimentSecretKeyStrings(e model.Experiment) []string {
	ids := secrets.ExperimentSecretKeys(e)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
