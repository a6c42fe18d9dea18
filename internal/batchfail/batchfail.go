// Package batchfail implements the single entry point every producer of a
// batch failure consults, grounded on commons/helper.py's batch_failure.
package batchfail

import (
	"errors"
	"fmt"

	"github.com/cc-agency/agency/internal/clock"
	"github.com/cc-agency/agency/internal/metrics"
	"github.com/cc-agency/agency/internal/model"
	"github.com/cc-agency/agency/internal/store"
)

// MaxAttempts is the total number of attempts a batch may make before it
// fails terminally, regardless of retryIfFailed. The source's classification
// checks attempts>=2 at failure time, but attempts increments at scheduling
// time (not at failure time), so the effective ceiling is 3 total attempts.
const MaxAttempts = 3

// Outcome is the explicit result type standing in for the broad exception
// classification the source performs ad hoc at every failure site.
type Outcome struct {
	Kind         string // free-form description of what failed, for logs
	DebugInfo    string
	DisableRetry bool
	NeedsInspect bool // transient node/trustee failure — caller should re-inspect before retrying
}

func (o Outcome) Error() string {
	return fmt.Sprintf("%s: %s", o.Kind, o.DebugInfo)
}

// Fail applies the batch failure classification and optimistic-concurrency
// update for batchID, currently believed to be in currentState. No-op if the
// batch has already reached a terminal state, or if another writer raced
// this one to the transition (ErrOptimisticLock, swallowed as benign).
func Fail(st *store.Store, clk clock.Clock, batchID model.ID, currentState model.State, outcome Outcome) error {
	if currentState.Terminal() {
		return nil
	}

	batch, err := st.GetBatch(batchID)
	if err != nil {
		return fmt.Errorf("batchfail: load batch %s: %w", batchID, err)
	}

	exp, err := st.GetExperiment(batch.ExperimentID)
	retryIfFailed := err == nil && exp.Execution.Settings.RetryIfFailed

	newState := model.StateRegistered
	newNode := ""
	if batch.Attempts >= 2 || outcome.DisableRetry {
		newState = model.StateFailed
		newNode = batch.Node
	} else if retryIfFailed {
		newState = model.StateRegistered
		newNode = ""
	} else {
		newState = model.StateFailed
		newNode = batch.Node
	}

	now := clk.Now()
	updateErr := st.ConditionalUpdateBatch(batchID, currentState, func(b *model.Batch) {
		b.State = newState
		b.Node = newNode
		b.History = model.AppendHistory(b.History, newState, outcome.DebugInfo, newNode, now)
	})
	if errors.Is(updateErr, store.ErrOptimisticLock) {
		return nil
	}
	if updateErr == nil {
		metrics.BatchesFailedTotal.WithLabelValues(outcome.Kind).Inc()
	}
	return updateErr
}
