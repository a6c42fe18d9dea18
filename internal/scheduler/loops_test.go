package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cc-agency/agency/internal/clock"
	"github.com/cc-agency/agency/internal/config"
	"github.com/cc-agency/agency/internal/logging"
	"github.com/cc-agency/agency/internal/model"
	"github.com/cc-agency/agency/internal/notifyhook"
)

func TestVoidProtectedKeysVoidsBatchThenExperiment(t *testing.T) {
	st := openTestStore(t)
	trust := startTestTrustee(t)
	s := New(st, trust, clock.Real{}, logging.New(false), &config.Config{}, noProxies())

	exp := model.Experiment{ID: model.NewID()}
	if err := st.PutExperiment(exp); err != nil {
		t.Fatalf("PutExperiment: %v", err)
	}
	b := model.Batch{
		ID: model.NewID(), ExperimentID: exp.ID, State: model.StateSucceeded, Registered: time.Unix(1, 0),
		Input: map[string]model.ConnectorValue{"in": {Connector: "s3", Access: map[string]any{"secret": "aaaaaaaaaaaaaaaaaaaaaaaa"}}},
	}
	if err := st.PutBatch(b); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	s.voidProtectedKeys()

	gotBatch, err := st.GetBatch(b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !gotBatch.ProtectedKeysVoided {
		t.Error("batch ProtectedKeysVoided should be true")
	}

	gotExp, err := st.GetExperiment(exp.ID)
	if err != nil {
		t.Fatalf("GetExperiment: %v", err)
	}
	if !gotExp.ProtectedKeysVoided {
		t.Error("experiment ProtectedKeysVoided should be true once all its batches are terminal and voided")
	}
}

func TestVoidProtectedKeysSkipsExperimentWithNonTerminalBatch(t *testing.T) {
	st := openTestStore(t)
	trust := startTestTrustee(t)
	s := New(st, trust, clock.Real{}, logging.New(false), &config.Config{}, noProxies())

	exp := model.Experiment{ID: model.NewID()}
	if err := st.PutExperiment(exp); err != nil {
		t.Fatalf("PutExperiment: %v", err)
	}
	done := model.Batch{ID: model.NewID(), ExperimentID: exp.ID, State: model.StateSucceeded, Registered: time.Unix(1, 0)}
	pending := model.Batch{ID: model.NewID(), ExperimentID: exp.ID, State: model.StateProcessing, Registered: time.Unix(2, 0)}
	if err := st.PutBatch(done); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if err := st.PutBatch(pending); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	s.voidProtectedKeys()

	gotExp, err := st.GetExperiment(exp.ID)
	if err != nil {
		t.Fatalf("GetExperiment: %v", err)
	}
	if gotExp.ProtectedKeysVoided {
		t.Error("experiment keys must stay voided=false while a batch is still non-terminal")
	}
}

type recordingHook struct {
	calls [][]model.Batch
	err   error
}

func (h *recordingHook) Notify(ctx context.Context, batches []model.Batch) error {
	h.calls = append(h.calls, batches)
	return h.err
}

func TestNotifyTerminalFlipsFlagBeforeDispatch(t *testing.T) {
	st := openTestStore(t)
	trust := startTestTrustee(t)
	s := New(st, trust, clock.Real{}, logging.New(false), &config.Config{}, noProxies())
	hook := &recordingHook{}
	s.hooks = []notifyhook.Hook{hook}

	exp := model.Experiment{ID: model.NewID()}
	if err := st.PutExperiment(exp); err != nil {
		t.Fatalf("PutExperiment: %v", err)
	}
	b := model.Batch{ID: model.NewID(), ExperimentID: exp.ID, State: model.StateSucceeded, Registered: time.Unix(1, 0)}
	if err := st.PutBatch(b); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	s.notifyTerminal(context.Background())

	got, err := st.GetBatch(b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !got.NotificationsSent {
		t.Error("NotificationsSent should be true after dispatch")
	}
	if len(hook.calls) != 1 || len(hook.calls[0]) != 1 || hook.calls[0][0].ID != b.ID {
		t.Errorf("hook.calls = %+v, want one call with the terminal batch", hook.calls)
	}
}

func TestNotifyTerminalSkipsAlreadyNotified(t *testing.T) {
	st := openTestStore(t)
	trust := startTestTrustee(t)
	s := New(st, trust, clock.Real{}, logging.New(false), &config.Config{}, noProxies())
	hook := &recordingHook{}
	s.hooks = []notifyhook.Hook{hook}

	exp := model.Experiment{ID: model.NewID()}
	if err := st.PutExperiment(exp); err != nil {
		t.Fatalf("PutExperiment: %v", err)
	}
	b := model.Batch{ID: model.NewID(), ExperimentID: exp.ID, State: model.StateSucceeded, NotificationsSent: true, Registered: time.Unix(1, 0)}
	if err := st.PutBatch(b); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	s.notifyTerminal(context.Background())

	if len(hook.calls) != 0 {
		t.Errorf("hook should not fire for an already-notified batch, got %d calls", len(hook.calls))
	}
}

func TestHasPendingWorkTrueForNonTerminalBatch(t *testing.T) {
	st := openTestStore(t)
	trust := startTestTrustee(t)
	s := New(st, trust, clock.Real{}, logging.New(false), &config.Config{}, noProxies())

	exp := model.Experiment{ID: model.NewID()}
	st.PutExperiment(exp)
	b := model.Batch{ID: model.NewID(), ExperimentID: exp.ID, State: model.StateRegistered, Registered: time.Unix(1, 0)}
	st.PutBatch(b)

	if !s.hasPendingWork() {
		t.Error("hasPendingWork should be true with a registered batch present")
	}
}

func TestHasPendingWorkFalseWhenFullyConverged(t *testing.T) {
	st := openTestStore(t)
	trust := startTestTrustee(t)
	s := New(st, trust, clock.Real{}, logging.New(false), &config.Config{}, noProxies())

	exp := model.Experiment{ID: model.NewID()}
	st.PutExperiment(exp)
	b := model.Batch{
		ID: model.NewID(), ExperimentID: exp.ID, State: model.StateSucceeded,
		ProtectedKeysVoided: true, NotificationsSent: true, Registered: time.Unix(1, 0),
	}
	st.PutBatch(b)

	if s.hasPendingWork() {
		t.Error("hasPendingWork should be false once every terminal batch is voided and notified")
	}
}
