package config

import (
	"context"
	"os"
	"strings"

	"github.com/openfroyo/regionctl/pkg/engine"
)

// regionSeparator splits a region scope from the key in a secret variable
// name: REGIONCTL_SECRET_EU_CENTRAL_1__BOT_TOKEN.
const regionSeparator = "__"

// EnvSecretSource reads secret overrides from environment variables.
//
// REGIONCTL_SECRET_BOT_TOKEN sets botToken for every region, and
// REGIONCTL_SECRET_EU_CENTRAL_1__BOT_TOKEN sets it for eu-central-1 only.
// Region-scoped values win. Empty values are ignored.
type EnvSecretSource struct {
	prefix  string
	environ func() []string
}

// NewEnvSecretSource creates a secret source for variables starting with prefix.
func NewEnvSecretSource(prefix string) *EnvSecretSource {
	return &EnvSecretSource{prefix: prefix, environ: os.Environ}
}

// Secrets implements engine.SecretSource.
func (s *EnvSecretSource) Secrets(_ context.Context, region engine.Region) (map[string]string, error) {
	scope := regionScope(region) + regionSeparator
	global := make(map[string]string)
	scoped := make(map[string]string)

	for _, kv := range s.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(name, s.prefix) {
			continue
		}
		name = strings.TrimPrefix(name, s.prefix)

		if strings.Contains(name, regionSeparator) {
			if rest, ok := strings.CutPrefix(name, scope); ok && rest != "" {
				scoped[paramName(rest)] = value
			}
			continue
		}
		if name != "" {
			global[paramName(name)] = value
		}
	}

	for k, v := range scoped {
		global[k] = v
	}
	return global, nil
}

func regionScope(region engine.Region) string {
	return strings.ToUpper(strings.ReplaceAll(string(region), "-", "_"))
}

// paramName converts BOT_TOKEN to botToken.
func paramName(env string) string {
	parts := strings.Split(strings.ToLower(env), "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
