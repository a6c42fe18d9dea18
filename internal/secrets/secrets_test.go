package secrets

import (
	"reflect"
	"testing"

	"github.com/cc-agency/agency/internal/model"
)

func allSecret(connector, key string) bool { return true }

func TestSeparateFillRoundTrip(t *testing.T) {
	b := model.Batch{
		Input: map[string]model.ConnectorValue{
			"in": {Connector: "red-connector-http", Access: map[string]any{"url": "https://example.org/data"}},
		},
	}
	original := "https://example.org/data"

	extracted := SeparateBatch(&b, allSecret)
	if len(extracted) != 1 {
		t.Fatalf("extracted len = %d, want 1", len(extracted))
	}

	handle, ok := b.Input["in"].Access["url"].(string)
	if !ok || !looksLikeHandle(handle) {
		t.Fatalf("access value after separate = %v, want a handle", b.Input["in"].Access["url"])
	}

	FillBatch(&b, extracted)
	if got := b.Input["in"].Access["url"]; got != original {
		t.Errorf("after fill = %v, want %v", got, original)
	}
}

func TestSeparateDeduplicatesIdenticalValues(t *testing.T) {
	b := model.Batch{
		Input: map[string]model.ConnectorValue{
			"a": {Connector: "c", Access: map[string]any{"token": "shared-secret"}},
			"b": {Connector: "c", Access: map[string]any{"token": "shared-secret"}},
		},
	}
	extracted := SeparateBatch(&b, allSecret)
	if len(extracted) != 1 {
		t.Fatalf("extracted len = %d, want 1 (dedup)", len(extracted))
	}
	if b.Input["a"].Access["token"] != b.Input["b"].Access["token"] {
		t.Error("identical secret values should map to the same handle")
	}
}

func TestBatchSecretKeysMatchesSeparatedHandles(t *testing.T) {
	b := model.Batch{
		Input: map[string]model.ConnectorValue{
			"a": {Connector: "c", Access: map[string]any{"token": "x"}},
		},
	}
	extracted := SeparateBatch(&b, allSecret)
	keys := BatchSecretKeys(b)
	if len(keys) != 1 {
		t.Fatalf("keys len = %d, want 1", len(keys))
	}
	if _, ok := extracted[keys[0]]; !ok {
		t.Errorf("key %s not found among extracted secrets", keys[0])
	}
}

func TestNonSecretValuesAreUntouched(t *testing.T) {
	b := model.Batch{
		Input: map[string]model.ConnectorValue{
			"a": {Connector: "c", Access: map[string]any{"path": "/data/file.csv"}},
		},
	}
	noSecrets := func(connector, key string) bool { return false }
	extracted := SeparateBatch(&b, noSecrets)
	if len(extracted) != 0 {
		t.Fatalf("extracted len = %d, want 0", len(extracted))
	}
	if !reflect.DeepEqual(b.Input["a"].Access["path"], "/data/file.csv") {
		t.Errorf("non-secret value was modified: %v", b.Input["a"].Access["path"])
	}
}
