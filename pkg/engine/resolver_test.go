package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestResolver(cfg ResolverConfig, values mapValues) *ParameterResolver {
	return NewParameterResolver(cfg, values, zerolog.Nop())
}

func TestParameterResolver_MergeOrder(t *testing.T) {
	resolver := newTestResolver(ResolverConfig{
		Defaults: map[string]interface{}{"instanceType": "t2.micro", "ebsEncrypted": true},
	}, mapValues{
		"eu-central-1": {"instanceType": "t3.micro"},
	})

	ps, err := resolver.Resolve(context.Background(), "eu-central-1", map[string]string{"botToken": "T1"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := map[string]interface{}{"instanceType": "t3.micro", "ebsEncrypted": true, "botToken": "T1"}
	got := ps.Values()
	if len(got) != len(want) {
		t.Fatalf("Expected %d parameters, got %d: %v", len(want), len(got), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Parameter %s = %v, want %v", k, got[k], v)
		}
	}

	provenance := map[string]Provenance{
		"instanceType": ProvenanceRegionFile,
		"ebsEncrypted": ProvenanceDefault,
		"botToken":     ProvenanceSecret,
	}
	for k, want := range provenance {
		if got, _ := ps.Provenance(k); got != want {
			t.Errorf("Provenance(%s) = %s, want %s", k, got, want)
		}
	}
}

func TestParameterResolver_MissingRequired(t *testing.T) {
	resolver := newTestResolver(ResolverConfig{
		Defaults: map[string]interface{}{"instanceType": "t2.micro"},
		Required: []string{"instanceType", "vpcCidr"},
	}, mapValues{
		"eu-central-1": {"vpcCidr": "10.0.0.0/16"},
	})

	_, err := resolver.Resolve(context.Background(), "ap-south-1", map[string]string{})
	if !errors.Is(err, ErrMissingRequiredParameter) {
		t.Fatalf("Expected ErrMissingRequiredParameter, got %v", err)
	}
	if !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("Expected ErrUnknownRegion for region without values document, got %v", err)
	}
	if !strings.Contains(err.Error(), "vpcCidr") {
		t.Errorf("Expected missing key in message, got %q", err.Error())
	}
}

func TestParameterResolver_MissingRequiredWithDocument(t *testing.T) {
	resolver := newTestResolver(ResolverConfig{
		Required: []string{"vpcCidr"},
	}, mapValues{
		"us-east-1": {"vpcCidr": ""},
	})

	_, err := resolver.Resolve(context.Background(), "us-east-1", nil)
	if !errors.Is(err, ErrMissingRequiredParameter) {
		t.Fatalf("Expected ErrMissingRequiredParameter, got %v", err)
	}
	if errors.Is(err, ErrUnknownRegion) {
		t.Error("Expected region with a values document not to be unknown")
	}
}

func TestParameterResolver_DefaultsCoverUnknownRegion(t *testing.T) {
	resolver := newTestResolver(ResolverConfig{
		Defaults: map[string]interface{}{"vpcCidr": "10.0.0.0/16"},
		Required: []string{"vpcCidr"},
	}, mapValues{})

	ps, err := resolver.Resolve(context.Background(), "sa-east-1", nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if v, _ := ps.Get("vpcCidr"); v != "10.0.0.0/16" {
		t.Errorf("Expected default vpcCidr, got %v", v)
	}
}

func TestParameterResolver_SecretCoversRequired(t *testing.T) {
	resolver := newTestResolver(ResolverConfig{
		Required: []string{"botToken"},
	}, mapValues{"eu-west-1": {}})

	if _, err := resolver.Resolve(context.Background(), "eu-west-1", map[string]string{"botToken": ""}); !errors.Is(err, ErrMissingRequiredParameter) {
		t.Fatalf("Expected empty secret to be ignored, got %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), "eu-west-1", map[string]string{"botToken": "T2"}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
}

func TestParameterResolver_NonOverridableConflict(t *testing.T) {
	resolver := newTestResolver(ResolverConfig{
		Defaults:       map[string]interface{}{"clusterName": "core"},
		NonOverridable: []string{"clusterName", "region"},
	}, mapValues{"us-east-1": {}})

	_, err := resolver.Resolve(context.Background(), "us-east-1", map[string]string{"clusterName": "evil"})
	if !errors.Is(err, ErrParameterConflict) {
		t.Fatalf("Expected ErrParameterConflict, got %v", err)
	}

	// A non-overridable key that no lower layer set may be supplied as a secret.
	if _, err := resolver.Resolve(context.Background(), "us-east-1", map[string]string{"region": "us-east-1"}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
}

func TestParameterResolver_InvalidRegion(t *testing.T) {
	resolver := newTestResolver(ResolverConfig{}, mapValues{})
	if _, err := resolver.Resolve(context.Background(), "Not A Region", nil); !IsConfiguration(err) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
}

func TestParameterSet_SecretsNeverRendered(t *testing.T) {
	resolver := newTestResolver(ResolverConfig{
		Defaults: map[string]interface{}{"instanceType": "t2.micro"},
	}, mapValues{"eu-central-1": {}})

	ps, err := resolver.Resolve(context.Background(), "eu-central-1", map[string]string{"botToken": "super-secret-T1"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if strings.Contains(ps.String(), "super-secret-T1") {
		t.Errorf("String() leaked secret: %s", ps.String())
	}
	data, err := json.Marshal(ps)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "super-secret-T1") {
		t.Errorf("MarshalJSON leaked secret: %s", data)
	}
	if ps.Redacted()["botToken"] != redacted {
		t.Errorf("Expected redacted botToken, got %v", ps.Redacted()["botToken"])
	}
	if ps.Values()["botToken"] != "super-secret-T1" {
		t.Error("Expected Values() to carry the secret for the executor")
	}
}

func TestParameterSet_HashStable(t *testing.T) {
	a := NewParameterSet("us-east-1", map[string]Parameter{
		"a": {Value: "1", Provenance: ProvenanceDefault},
		"b": {Value: 2, Provenance: ProvenanceRegionFile},
	})
	b := NewParameterSet("us-east-1", map[string]Parameter{
		"b": {Value: 2, Provenance: ProvenanceRegionFile},
		"a": {Value: "1", Provenance: ProvenanceDefault},
	})
	if a.Hash() != b.Hash() {
		t.Errorf("Expected identical hashes, got %s and %s", a.Hash(), b.Hash())
	}

	c := NewParameterSet("us-east-1", map[string]Parameter{
		"a": {Value: "1", Provenance: ProvenanceDefault},
		"b": {Value: 3, Provenance: ProvenanceRegionFile},
	})
	if a.Hash() == c.Hash() {
		t.Error("Expected different hashes for different values")
	}
}

func TestParameterSet_Immutable(t *testing.T) {
	src := map[string]Parameter{"a": {Value: "1", Provenance: ProvenanceDefault}}
	ps := NewParameterSet("us-east-1", src)
	hash := ps.Hash()

	src["a"] = Parameter{Value: "changed", Provenance: ProvenanceDefault}
	values := ps.Values()
	values["a"] = "changed"

	if v, _ := ps.Get("a"); v != "1" {
		t.Errorf("Expected parameter set to be unaffected, got %v", v)
	}
	if ps.Hash() != hash {
		t.Error("Expected hash to be unchanged")
	}
}
