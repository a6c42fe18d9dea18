// Package secrets implements the RED submission's secret separation and
// refill helpers, grounded on commons/secrets.py.
package secrets

import (
	"encoding/json"
	"sort"

	"github.com/cc-agency/agency/internal/model"
)

// SeparateBatch replaces any sensitive connector access values in a batch's
// input/output maps with uuid handles, returning the extracted secrets
// keyed by those handles. Identical values are deduplicated to the same
// handle (matching the source's json.dumps(sort_keys=True) reverse lookup).
func SeparateBatch(b *model.Batch, isSecret func(connector, key string) bool) map[model.ID]any {
	return separateConnectors(b.Input, b.Output, isSecret, isSecret)
}

// SeparateExperiment does the same for an experiment's container/image auth
// and static input/output templates.
func SeparateExperiment(e *model.Experiment, isSecret func(connector, key string) bool) map[model.ID]any {
	out := separateConnectors(e.Input, e.Output, isSecret, isSecret)
	if e.Container.Image.Auth != nil {
		handle := model.NewID()
		out[handle] = *e.Container.Image.Auth
		e.Container.Image.Auth = &model.ImageAuth{Username: string(handle)}
	}
	return out
}

func separateConnectors(in, out map[string]model.ConnectorValue, isSecretIn, isSecretOut func(connector, key string) bool) map[model.ID]any {
	extracted := make(map[model.ID]any)
	reverse := make(map[string]model.ID) // canonical JSON of value -> handle, for dedup

	separate := func(m map[string]model.ConnectorValue, isSecret func(connector, key string) bool) {
		for name, cv := range m {
			for key, val := range cv.Access {
				if isSecret == nil || !isSecret(cv.Connector, key) {
					continue
				}
				canon := canonicalJSON(val)
				handle, ok := reverse[canon]
				if !ok {
					handle = model.NewID()
					reverse[canon] = handle
					extracted[handle] = val
				}
				cv.Access[key] = string(handle)
			}
			m[name] = cv
		}
	}
	separate(in, isSecretIn)
	separate(out, isSecretOut)
	return extracted
}

// canonicalJSON renders v as JSON with sorted map keys, mirroring Python's
// json.dumps(sort_keys=True) used by the source to dedup secret values.
func canonicalJSON(v any) string {
	data, err := json.Marshal(sortedValue(v))
	if err != nil {
		return ""
	}
	return string(data)
}

// sortedValue recursively converts maps into a form that encoding/json
// serializes with deterministic key order isn't guaranteed by default, so
// we pre-sort into a slice of key/value pairs for map[string]any inputs.
func sortedValue(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, k, sortedValue(m[k]))
	}
	return pairs
}

// BatchSecretKeys returns every secret uuid handle referenced by a batch's
// connector descriptors.
func BatchSecretKeys(b model.Batch) []model.ID {
	return connectorKeys(b.Input, b.Output)
}

// ExperimentSecretKeys returns every secret uuid handle referenced by an
// experiment's static connector templates and image auth.
func ExperimentSecretKeys(e model.Experiment) []model.ID {
	keys := connectorKeys(e.Input, e.Output)
	if e.Container.Image.Auth != nil && e.Container.Image.Auth.Username != "" {
		keys = append(keys, model.ID(e.Container.Image.Auth.Username))
	}
	return keys
}

func connectorKeys(maps ...map[string]model.ConnectorValue) []model.ID {
	seen := make(map[model.ID]bool)
	var keys []model.ID
	for _, m := range maps {
		for _, cv := range m {
			for _, v := range cv.Access {
				s, ok := v.(string)
				if !ok || !looksLikeHandle(s) {
					continue
				}
				id := model.ID(s)
				if !seen[id] {
					seen[id] = true
					keys = append(keys, id)
				}
			}
		}
	}
	return keys
}

// looksLikeHandle reports whether s has the shape of a secret uuid handle
// (a 24-hex-character model.ID), as opposed to a literal access value.
func looksLikeHandle(s string) bool {
	if len(s) != 24 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// FillBatch substitutes collected secret values back into a batch's
// connector access maps, replacing each handle with its collected value.
func FillBatch(b *model.Batch, collected map[model.ID]any) {
	fillConnectors(b.Input, collected)
	fillConnectors(b.Output, collected)
}

// FillExperiment substitutes collected secret values back into an
// experiment's connector templates and image auth.
func FillExperiment(e *model.Experiment, collected map[model.ID]any) {
	fillConnectors(e.Input, collected)
	fillConnectors(e.Output, collected)
	if e.Container.Image.Auth != nil {
		if v, ok := collected[model.ID(e.Container.Image.Auth.Username)]; ok {
			switch auth := v.(type) {
			case model.ImageAuth:
				e.Container.Image.Auth = &auth
			case map[string]any: // decoded from a trustee reply
				username, _ := auth["username"].(string)
				password, _ := auth["password"].(string)
				e.Container.Image.Auth = &model.ImageAuth{Username: username, Password: password}
			}
		}
	}
}

func fillConnectors(m map[string]model.ConnectorValue, collected map[model.ID]any) {
	for name, cv := range m {
		for key, val := range cv.Access {
			s, ok := val.(string)
			if !ok || !looksLikeHandle(s) {
				continue
			}
			if v, found := collected[model.ID(s)]; found {
				cv.Access[key] = v
			}
		}
		m[name] = cv
	}
}
