package config

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/regionctl/pkg/engine"
)

func TestDirValuesSource_Values(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "eu-central-1.yaml", `
instanceType: t3.large
nodeCount: 4
ebsEncrypted: true
availabilityZones: [eu-central-1a, eu-central-1b]
`)
	writeFile(t, dir, "us-east-1.cue", `
_base: "10.1"
vpcCidr:      _base + ".0.0/16"
nodeCount:    2 + 1
spotFraction: 0.25
`)
	writeFile(t, dir, "eu-west-1.yml", "instanceType: m5.large\n")
	writeFile(t, dir, "ap-south-1.yaml", "")

	src := NewDirValuesSource(dir)
	ctx := context.Background()

	tests := []struct {
		name      string
		region    engine.Region
		wantFound bool
		check     func(*testing.T, map[string]interface{})
	}{
		{
			name:      "yaml document",
			region:    "eu-central-1",
			wantFound: true,
			check: func(t *testing.T, v map[string]interface{}) {
				if v["instanceType"] != "t3.large" || v["nodeCount"] != 4 || v["ebsEncrypted"] != true {
					t.Errorf("unexpected values %v", v)
				}
				zones, ok := v["availabilityZones"].([]interface{})
				if !ok || len(zones) != 2 {
					t.Errorf("expected 2 zones, got %v", v["availabilityZones"])
				}
			},
		},
		{
			name:      "cue document",
			region:    "us-east-1",
			wantFound: true,
			check: func(t *testing.T, v map[string]interface{}) {
				if v["vpcCidr"] != "10.1.0.0/16" {
					t.Errorf("expected evaluated vpcCidr, got %v", v["vpcCidr"])
				}
				if v["nodeCount"] != 3 {
					t.Errorf("expected nodeCount as int 3, got %#v", v["nodeCount"])
				}
				if v["spotFraction"] != 0.25 {
					t.Errorf("expected spotFraction 0.25, got %#v", v["spotFraction"])
				}
				if _, ok := v["_base"]; ok {
					t.Error("expected hidden fields to be dropped")
				}
			},
		},
		{
			name:      "yml extension",
			region:    "eu-west-1",
			wantFound: true,
			check: func(t *testing.T, v map[string]interface{}) {
				if v["instanceType"] != "m5.large" {
					t.Errorf("unexpected values %v", v)
				}
			},
		},
		{
			name:      "empty document",
			region:    "ap-south-1",
			wantFound: true,
			check: func(t *testing.T, v map[string]interface{}) {
				if len(v) != 0 {
					t.Errorf("expected no values, got %v", v)
				}
			},
		},
		{
			name:      "missing document",
			region:    "sa-east-1",
			wantFound: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, found, err := src.Values(ctx, tt.region)
			if err != nil {
				t.Fatalf("Values() error = %v", err)
			}
			if found != tt.wantFound {
				t.Fatalf("expected found=%v, got %v", tt.wantFound, found)
			}
			if tt.check != nil {
				tt.check(t, values)
			}
		})
	}
}

func TestDirValuesSource_Invalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "eu-central-1.yaml", "tags:\n  team: infra\n")
	writeFile(t, dir, "us-east-1.yaml", "instanceType: [unterminated\n")
	writeFile(t, dir, "eu-west-1.cue", "nodeCount: int\n")

	src := NewDirValuesSource(dir)
	ctx := context.Background()

	for _, region := range []engine.Region{"eu-central-1", "us-east-1", "eu-west-1"} {
		t.Run(string(region), func(t *testing.T) {
			_, _, err := src.Values(ctx, region)
			if !engine.IsConfiguration(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			var engErr *engine.EngineError
			if !errors.As(err, &engErr) || engErr.Region != string(region) {
				t.Errorf("expected region on error, got %v", err)
			}
		})
	}

	if _, _, err := src.Values(ctx, "../etc/passwd"); err == nil {
		t.Error("expected invalid region id to be rejected")
	}
}

func TestDirValuesSource_ResolverIntegration(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "eu-central-1.yaml", "instanceType: t3.micro\nvpcCidr: 10.0.0.0/16\n")

	resolver := engine.NewParameterResolver(engine.ResolverConfig{
		Defaults: map[string]interface{}{"instanceType": "t3.small", "ebsEncrypted": true},
		Required: []string{"vpcCidr", "instanceType"},
	}, NewDirValuesSource(dir), zerolog.Nop())

	ps, err := resolver.Resolve(context.Background(), "eu-central-1", map[string]string{"botToken": "T1"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if v, _ := ps.Get("instanceType"); v != "t3.micro" {
		t.Errorf("expected region file to win, got %v", v)
	}
	if p, _ := ps.Provenance("botToken"); p != engine.ProvenanceSecret {
		t.Errorf("expected secret provenance, got %s", p)
	}

	_, err = resolver.Resolve(context.Background(), "sa-east-1", nil)
	if !errors.Is(err, engine.ErrUnknownRegion) {
		t.Errorf("expected ErrUnknownRegion, got %v", err)
	}
}

func TestDirValuesSource_Regions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "us-east-1.yaml", "a: 1\n")
	writeFile(t, dir, "eu-central-1.cue", "a: 1\n")
	writeFile(t, dir, "eu-central-1.yml", "a: 2\n")
	writeFile(t, dir, "README.md", "not a region\n")
	writeFile(t, dir, "Bad_Name.yaml", "a: 1\n")

	regions, err := NewDirValuesSource(dir).Regions()
	if err != nil {
		t.Fatalf("Regions() error = %v", err)
	}
	want := []engine.Region{"eu-central-1", "us-east-1"}
	if len(regions) != len(want) {
		t.Fatalf("Regions() = %v, want %v", regions, want)
	}
	for i := range want {
		if regions[i] != want[i] {
			t.Errorf("Regions()[%d] = %s, want %s", i, regions[i], want[i])
		}
	}

	if _, err := NewDirValuesSource(dir + "/missing").Regions(); err == nil {
		t.Error("expected error for missing directory")
	}
}
