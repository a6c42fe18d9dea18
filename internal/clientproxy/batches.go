package clientproxy

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/cc-agency/agency/internal/batchfail"
	"github.com/cc-agency/agency/internal/blue"
	"github.com/cc-agency/agency/internal/docker"
	"github.com/cc-agency/agency/internal/model"
	"github.com/cc-agency/agency/internal/secrets"
	"github.com/cc-agency/agency/internal/store"
)

// pullKey groups batches by the image-authentication tuple they need pulled,
// so identical (url, credentials) pairs are pulled once (spec §4.4).
type pullKey struct {
	url      string
	username string
	password string
}

// checkForBatches lists this node's scheduled batches, pulls their images
// (deduplicated and bounded), and starts every batch whose image pulled
// successfully (spec §4.4).
func (p *Proxy) checkForBatches(ctx context.Context) error {
	batches, err := p.st.ListByState(model.StateScheduled)
	if err != nil {
		return fmt.Errorf("clientproxy: list scheduled batches: %w", err)
	}

	groups := make(map[pullKey][]model.Batch)
	for _, b := range batches {
		if b.Node != p.name {
			continue
		}
		exp, err := p.st.GetExperiment(b.ExperimentID)
		if err != nil {
			batchfail.Fail(p.st, p.clk, b.ID, b.State, batchfail.Outcome{
				Kind: "missing experiment", DebugInfo: err.Error(), DisableRetry: true,
			})
			continue
		}
		key := pullKey{url: exp.Container.Image.URL}
		if exp.Container.Image.Auth != nil {
			key.username = exp.Container.Image.Auth.Username
			key.password = exp.Container.Image.Auth.Password
		}
		groups[key] = append(groups[key], b)
	}

	sem := make(chan struct{}, pullPoolSize)
	var wg sync.WaitGroup
	for key, group := range groups {
		wg.Add(1)
		go func(key pullKey, group []model.Batch) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			p.pullAndStart(ctx, key, group)
		}(key, group)
	}
	wg.Wait()
	return nil
}

func (p *Proxy) pullAndStart(ctx context.Context, key pullKey, group []model.Batch) {
	var auth *docker.Auth
	if key.username != "" {
		auth = &docker.Auth{Username: key.username, Password: key.password}
	}
	if err := p.driver.Pull(ctx, key.url, auth); err != nil {
		for _, b := range group {
			batchfail.Fail(p.st, p.clk, b.ID, b.State, batchfail.Outcome{
				Kind: "image pull failed", DebugInfo: err.Error(),
			})
		}
		return
	}

	startSem := make(chan struct{}, startPoolSize)
	var wg sync.WaitGroup
	for _, b := range group {
		wg.Add(1)
		go func(b model.Batch) {
			defer wg.Done()
			startSem <- struct{}{}
			defer func() { <-startSem }()
			if err := p.startBatch(ctx, b); err != nil {
				// startBatch already recorded a non-retryable failure itself
				// for permanent causes (missing secrets, bad translation);
				// anything it returns here is a transient/mechanical error
				// still eligible for retry on the next schedule pass. The
				// state to race against depends on whether the error fired
				// before or after startBatch's own processing transition.
				state := model.StateScheduled
				var se startError
				if errors.As(err, &se) {
					state = se.state
				}
				batchfail.Fail(p.st, p.clk, b.ID, state, batchfail.Outcome{
					Kind: "container start failed", DebugInfo: err.Error(),
				})
			}
		}(b)
	}
	wg.Wait()
}

// startError wraps an error from startBatch with the batch state it raced
// against, so the caller's batchfail.Fail call uses the right optimistic-lock
// condition regardless of which step failed.
type startError struct {
	state model.State
	err   error
}

func (e startError) Error() string { return e.err.Error() }
func (e startError) Unwrap() error { return e.err }

// startBatch runs the nine-step container-start sequence (spec §4.4).
func (p *Proxy) startBatch(ctx context.Context, b model.Batch) error {
	exp, err := p.st.GetExperiment(b.ExperimentID)
	if err != nil {
		return fmt.Errorf("load experiment: %w", err)
	}

	// 1. Runtime translation.
	runtime := blue.EngineToRuntime(exp.Execution.Engine)

	// 2. Environment assembly.
	env := make(map[string]string, len(p.cfg.Environment)+2)
	for k, v := range p.cfg.Environment {
		env[k] = v
	}
	if len(b.UsedGPUs) > 0 {
		ids := ""
		for i, id := range b.UsedGPUs {
			if i > 0 {
				ids += ","
			}
			ids += id
		}
		env["NVIDIA_VISIBLE_DEVICES"] = ids
		env["NVIDIA_DRIVER_CAPABILITIES"] = "compute,utility"
	}

	// 3. FUSE mount admission.
	var devices, capAdd, securityOpt []string
	if b.Mount {
		devices = append(devices, "/dev/fuse")
		capAdd = append(capAdd, "SYS_ADMIN")
		securityOpt = append(securityOpt, "apparmor:unconfined")
	}

	// 4. Memory limits: swap == ram disables swap.
	ram := exp.Container.RAM

	// 5. Callback token: minted and stored hashed so the broker can later
	// authenticate an inbound callback from this container; the plaintext
	// is handed to the container itself, never persisted.
	token, err := p.mintCallbackToken(b.ID)
	if err != nil {
		return fmt.Errorf("mint callback token: %w", err)
	}
	env["AGENCY_CALLBACK_URL"] = p.broker
	env["AGENCY_CALLBACK_TOKEN"] = token
	env["AGENCY_BATCH_ID"] = string(b.ID)

	// 6 and the secret collection it depends on: gather the batch's secret
	// handles, collect them from the trustee, fill them back in, translate
	// RED+batch into a Blue descriptor (spec §4.6).
	keys := secrets.BatchSecretKeys(b)
	keyStrs := make([]string, len(keys))
	for i, k := range keys {
		keyStrs[i] = string(k)
	}
	reply := p.trust.Collect(keyStrs)
	if reply.State != "success" {
		if reply.Inspect {
			return fmt.Errorf("trustee transient failure: %s", reply.DebugInfo)
		}
		batchfail.Fail(p.st, p.clk, b.ID, model.StateScheduled, batchfail.Outcome{
			Kind: "secret collect failed", DebugInfo: reply.DebugInfo, DisableRetry: reply.DisableRetry,
		})
		return nil
	}
	collected := make(map[model.ID]any, len(reply.Collected))
	for k, v := range reply.Collected {
		collected[model.ID(k)] = v
	}
	secrets.FillBatch(&b, collected)

	desc, err := blue.TranslateOne(p.translator, exp, b)
	if err != nil {
		// A translator producing anything but one result is a programmer
		// error, not a transient condition — never retryable (spec §4.6).
		batchfail.Fail(p.st, p.clk, b.ID, model.StateScheduled, batchfail.Outcome{
			Kind: "blue translation failed", DebugInfo: err.Error(), DisableRetry: true,
		})
		return nil
	}
	archive, err := blue.Archive(p.agentBin, desc)
	if err != nil {
		return fmt.Errorf("blue archive: %w", err)
	}

	// 7. Record the processing transition atomically before touching the
	// engine, so a crash between here and container start is recovered by
	// fail_batches_without_assigned_container on the next proxy startup.
	now := p.clk.Now()
	if err := p.st.ConditionalUpdateBatch(b.ID, model.StateScheduled, func(bb *model.Batch) {
		bb.State = model.StateProcessing
		bb.History = model.AppendHistory(bb.History, model.StateProcessing, "", p.name, now)
	}); err != nil {
		if err == store.ErrOptimisticLock {
			return nil // another writer already moved this batch; nothing to do
		}
		return fmt.Errorf("transition to processing: %w", err)
	}

	// 8. Force-remove any stale container from a prior attempt.
	_ = p.driver.Remove(ctx, string(b.ID), true)

	// 9. Create, deliver the archive, start, and hand off to the monitor.
	// Every error from here on races against the StateProcessing this
	// startBatch call just wrote, not the StateScheduled it started from.
	spec := containerSpecFor(b, exp, runtime, env, devices, capAdd, securityOpt, ram, p.cfg.Network)
	id, err := p.driver.Create(ctx, spec)
	if err != nil {
		return startError{model.StateProcessing, fmt.Errorf("create container: %w", err)}
	}
	if err := p.driver.PutArchive(ctx, id, "/cc", archive); err != nil {
		return startError{model.StateProcessing, fmt.Errorf("put archive: %w", err)}
	}
	if err := p.driver.Start(ctx, id); err != nil {
		return startError{model.StateProcessing, fmt.Errorf("start container: %w", err)}
	}

	select {
	case p.monitor <- monitorEntry{containerID: id, batchID: b.ID}:
	default:
		p.log.Warn("monitor queue full, container started without tracking", "batch", b.ID)
	}
	return nil
}

func (p *Proxy) mintCallbackToken(batchID model.ID) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	derived := pbkdf2.Key([]byte(token), salt, 100000, 32, sha256.New)
	if err := p.st.PutCallbackToken(model.CallbackToken{
		BatchID: batchID,
		Token:   hex.EncodeToString(derived),
		Salt:    hex.EncodeToString(salt),
	}); err != nil {
		return "", err
	}
	return token, nil
}
