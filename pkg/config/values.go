package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/regionctl/pkg/engine"
)

// valuesExtensions are tried in order for each region.
var valuesExtensions = []string{".yaml", ".yml", ".cue"}

// DirValuesSource reads one values document per region from a directory,
// named <region>.yaml, <region>.yml or <region>.cue.
type DirValuesSource struct {
	dir     string
	schemas *SchemaRegistry

	mu  sync.Mutex
	ctx *cue.Context
}

// NewDirValuesSource creates a values source rooted at dir.
func NewDirValuesSource(dir string) *DirValuesSource {
	return &DirValuesSource{
		dir:     dir,
		schemas: NewSchemaRegistry(),
		ctx:     cuecontext.New(),
	}
}

// Values implements engine.ValuesSource. A missing document is reported as
// found=false, not as an error.
func (s *DirValuesSource) Values(ctx context.Context, region engine.Region) (map[string]interface{}, bool, error) {
	if err := region.Validate(); err != nil {
		return nil, false, err
	}

	for _, ext := range valuesExtensions {
		path := filepath.Join(s.dir, string(region)+ext)
		content, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to read values %s: %w", path, err)
		}

		var values map[string]interface{}
		if ext == ".cue" {
			values, err = s.decodeCUE(path, content)
		} else {
			values, err = decodeYAMLValues(content)
		}
		if err != nil {
			return nil, false, engine.NewConfigurationError(engine.ErrCodeValidation,
				fmt.Sprintf("invalid values document %s", path), err).WithRegion(string(region))
		}

		if err := s.schemas.ValidateValues(ctx, values); err != nil {
			return nil, false, engine.NewConfigurationError(engine.ErrCodeValidation,
				fmt.Sprintf("values document %s must be a flat mapping", path), err).WithRegion(string(region))
		}

		return values, true, nil
	}

	return nil, false, nil
}

// Regions lists the regions that have a values document, sorted. Files whose
// base name is not a valid region are ignored.
func (s *DirValuesSource) Regions() ([]engine.Region, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read values directory %s: %w", s.dir, err)
	}

	seen := make(map[engine.Region]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if !isValuesExtension(ext) {
			continue
		}
		region := engine.Region(strings.TrimSuffix(entry.Name(), ext))
		if region.Validate() != nil {
			continue
		}
		seen[region] = true
	}

	regions := make([]engine.Region, 0, len(seen))
	for r := range seen {
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })
	return regions, nil
}

func isValuesExtension(ext string) bool {
	for _, e := range valuesExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (s *DirValuesSource) decodeCUE(path string, content []byte) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, err
	}
	raw, err := val.MarshalJSON()
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var values map[string]interface{}
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	for k, v := range values {
		values[k] = normalizeNumber(v)
	}
	return values, nil
}

func decodeYAMLValues(content []byte) (map[string]interface{}, error) {
	var values map[string]interface{}
	if err := yaml.Unmarshal(content, &values); err != nil {
		return nil, err
	}
	if values == nil {
		values = map[string]interface{}{}
	}
	return values, nil
}

// normalizeNumber turns json.Number into int or float64 so CUE and YAML
// documents yield the same Go types.
func normalizeNumber(v interface{}) interface{} {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case []interface{}:
		for i := range n {
			n[i] = normalizeNumber(n[i])
		}
		return n
	default:
		return v
	}
}
