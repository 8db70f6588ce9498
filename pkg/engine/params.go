package engine

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const redacted = "<redacted>"

// Parameter is a resolved value together with the layer that supplied it.
type Parameter struct {
	Value      interface{} `json:"value"`
	Provenance Provenance  `json:"provenance"`
}

// ParameterSet is an immutable mapping from parameter name to value.
// It is built fresh per run and shared unchanged by plan and apply.
type ParameterSet struct {
	region Region
	params map[string]Parameter
	hash   string
}

// NewParameterSet freezes the given parameters into a set.
// The map is copied; later changes to it are not observed.
func NewParameterSet(region Region, params map[string]Parameter) *ParameterSet {
	frozen := make(map[string]Parameter, len(params))
	for k, v := range params {
		frozen[k] = v
	}
	ps := &ParameterSet{region: region, params: frozen}
	ps.hash = ps.computeHash()
	return ps
}

// Region returns the region the set was resolved for.
func (p *ParameterSet) Region() Region {
	return p.region
}

// Get returns the value for a key.
func (p *ParameterSet) Get(key string) (interface{}, bool) {
	v, ok := p.params[key]
	return v.Value, ok
}

// Provenance returns the layer that supplied a key.
func (p *ParameterSet) Provenance(key string) (Provenance, bool) {
	v, ok := p.params[key]
	return v.Provenance, ok
}

// Keys returns the parameter names in sorted order.
func (p *ParameterSet) Keys() []string {
	return sortedKeys(p.params)
}

// Len returns the number of parameters.
func (p *ParameterSet) Len() int {
	return len(p.params)
}

// Values returns a plain copy of all values, secrets included.
// Only the IaC executor should receive this map.
func (p *ParameterSet) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(p.params))
	for k, v := range p.params {
		out[k] = v.Value
	}
	return out
}

// Redacted returns all values with secret-tier values masked.
func (p *ParameterSet) Redacted() map[string]interface{} {
	out := make(map[string]interface{}, len(p.params))
	for k, v := range p.params {
		if v.Provenance == ProvenanceSecret {
			out[k] = redacted
			continue
		}
		out[k] = v.Value
	}
	return out
}

// Hash returns the content hash of the set.
func (p *ParameterSet) Hash() string {
	return p.hash
}

// String renders the set with secrets masked.
func (p *ParameterSet) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i, k := range p.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		v := p.params[k]
		if v.Provenance == ProvenanceSecret {
			fmt.Fprintf(&b, "%s: %s", k, redacted)
			continue
		}
		fmt.Fprintf(&b, "%s: %v", k, v.Value)
	}
	b.WriteString("}")
	return b.String()
}

// MarshalJSON renders the set with secrets masked so that it can never be
// persisted in plaintext by accident.
func (p *ParameterSet) MarshalJSON() ([]byte, error) {
	out := make(map[string]Parameter, len(p.params))
	for k, v := range p.params {
		if v.Provenance == ProvenanceSecret {
			v.Value = redacted
		}
		out[k] = v
	}
	return json.Marshal(struct {
		Region Region               `json:"region"`
		Hash   string               `json:"hash"`
		Params map[string]Parameter `json:"params"`
	}{Region: p.region, Hash: p.hash, Params: out})
}

// computeHash hashes the canonical encoding of sorted keys, values and provenance.
// Secret values take part in the hash so that a rotated token forces a re-plan.
func (p *ParameterSet) computeHash() string {
	h := blake3.New()
	for _, k := range p.Keys() {
		v := p.params[k]
		enc, err := json.Marshal(v.Value)
		if err != nil {
			enc = []byte(fmt.Sprintf("%v", v.Value))
		}
		fmt.Fprintf(h, "%s\x00%s\x00%s\x01", k, v.Provenance, enc)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// hashChanges computes the change set hash over the normalized actions and
// the parameter set hash.
func hashChanges(changes []ResourceChange, paramsHash string, destroy bool) string {
	h := blake3.New()
	for _, c := range changes {
		fmt.Fprintf(h, "%s\x00%s\x01", c.Resource, c.Action)
	}
	fmt.Fprintf(h, "params\x00%s\x01destroy\x00%t", paramsHash, destroy)
	return hex.EncodeToString(h.Sum(nil))
}
