// Package local implements a deterministic reference IaC executor.
//
// Desired resources are parameters named resource.<id>; the value is the
// resource's desired configuration. A parameter fail.<id> set to true makes
// apply leave that resource unresolved, which exercises partial-apply
// handling without real infrastructure.
//
// State is a JSON document:
//
//	{"resources": {"<id>": <value>, ...}}
package local

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	resourcePrefix = "resource."
	failPrefix     = "fail."
)

// State is the executor's view of deployed resources.
type State struct {
	Resources map[string]interface{} `json:"resources"`
}

// DecodeState parses a state blob. An empty blob is an empty state.
func DecodeState(blob []byte) (*State, error) {
	s := &State{Resources: map[string]interface{}{}}
	if len(bytes.TrimSpace(blob)) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(blob, s); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if s.Resources == nil {
		s.Resources = map[string]interface{}{}
	}
	return s, nil
}

// Encode serializes the state. Keys are emitted in sorted order so identical
// states produce identical blobs.
func (s *State) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// IDs returns the resource ids in sorted order.
func (s *State) IDs() []string {
	return sortedKeys(s.Resources)
}

// DesiredResources extracts resource.<id> parameters.
func DesiredResources(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, value := range params {
		if id, ok := strings.CutPrefix(key, resourcePrefix); ok && id != "" {
			out[id] = value
		}
	}
	return out
}

// shouldFail reports whether fail.<id> is set.
func shouldFail(params map[string]interface{}, id string) bool {
	switch v := params[failPrefix+id].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// sameValue compares two values by their canonical JSON encoding.
func sameValue(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
