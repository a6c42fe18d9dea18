package notifyhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cc-agency/agency/internal/config"
	"github.com/cc-agency/agency/internal/model"
)

func TestToPayloadUsesLastHistoryEntryAsTerminalTime(t *testing.T) {
	now := time.Unix(1000, 0)
	b := model.Batch{
		ID: model.NewID(), State: model.StateSucceeded,
		History: []model.HistoryEntry{
			{State: model.StateRegistered, Time: now.Add(-time.Minute)},
			{State: model.StateSucceeded, Time: now},
		},
	}
	p := toPayload([]model.Batch{b})
	if len(p.Batches) != 1 {
		t.Fatalf("len(p.Batches) = %d, want 1", len(p.Batches))
	}
	if !p.Batches[0].Time.Equal(now) {
		t.Errorf("Time = %v, want %v", p.Batches[0].Time, now)
	}
	if p.Batches[0].BatchID != string(b.ID) || p.Batches[0].State != "succeeded" {
		t.Errorf("payload = %+v", p.Batches[0])
	}
}

func TestTerminalTimeZeroWithoutHistory(t *testing.T) {
	if got := terminalTime(model.Batch{}); !got.IsZero() {
		t.Errorf("terminalTime = %v, want zero", got)
	}
}

func TestFromConfigDefaultsToWebhook(t *testing.T) {
	h := FromConfig(config.NotificationHook{URL: "http://example.invalid/hook"})
	if _, ok := h.(*webhookHook); !ok {
		t.Errorf("FromConfig with no transport = %T, want *webhookHook", h)
	}
}

func TestFromConfigMQTT(t *testing.T) {
	h := FromConfig(config.NotificationHook{Transport: "mqtt", Broker: "tcp://broker:1883", Topic: "agency/batches"})
	if _, ok := h.(*mqttHook); !ok {
		t.Errorf("FromConfig with mqtt transport = %T, want *mqttHook", h)
	}
}

func TestWebhookNotifyDeliversPayloadWithBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	var gotBody Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newWebhookHook(config.NotificationHook{
		URL:  srv.URL,
		Auth: &struct {
			Username string `yaml:"username"`
			Password string `yaml:"password"`
		}{Username: "u", Password: "p"},
	})

	b := model.Batch{ID: model.NewID(), State: model.StateSucceeded, History: []model.HistoryEntry{{State: model.StateSucceeded, Time: time.Unix(1, 0)}}}
	if err := h.Notify(context.Background(), []model.Batch{b}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotUser != "u" || gotPass != "p" {
		t.Errorf("basic auth = %q/%q, want u/p", gotUser, gotPass)
	}
	if len(gotBody.Batches) != 1 || gotBody.Batches[0].BatchID != string(b.ID) {
		t.Errorf("gotBody = %+v", gotBody)
	}
}

func TestWebhookNotifyRetriesThenSucceeds(t *testing.T) {
	orig := webhookRetryDelays
	webhookRetryDelays = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { webhookRetryDelays = orig }()

	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newWebhookHook(config.NotificationHook{URL: srv.URL})
	if err := h.Notify(context.Background(), []model.Batch{{ID: model.NewID(), State: model.StateFailed}}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestWebhookNotifyGivesUpAfterExhaustingRetries(t *testing.T) {
	orig := webhookRetryDelays
	webhookRetryDelays = []time.Duration{time.Millisecond}
	defer func() { webhookRetryDelays = orig }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newWebhookHook(config.NotificationHook{URL: srv.URL})
	err := h.Notify(context.Background(), []model.Batch{{ID: model.NewID(), State: model.StateFailed}})
	if err == nil {
		t.Fatal("Notify should fail once every attempt returns 500")
	}
}
