package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that selects the config file.
const EnvConfigPath = "REGIONCTL_CONFIG"

// DefaultConfigFiles are tried in order when no path is given.
var DefaultConfigFiles = []string{"regionctl.cue", "regionctl.yaml", "regionctl.yml"}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.File == "" {
		return e.Message
	}
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// LoadError reports every problem found in a configuration source.
type LoadError struct {
	Path   string
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("invalid configuration %s: %s", e.Path, strings.Join(msgs, "; "))
}

// Loader reads configuration files written in CUE or YAML.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		ctx:       cuecontext.New(),
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// ResolvePath picks the configuration file: the explicit path, then
// REGIONCTL_CONFIG, then the first default file that exists. It returns ""
// when none is found.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	for _, name := range DefaultConfigFiles {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Load reads path over Default() and validates the result. An empty path
// returns the validated defaults.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".cue":
			err = l.decodeCUE(path, content, cfg)
		case ".yaml", ".yml":
			err = decodeYAML(path, content, cfg)
		default:
			return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
		if err != nil {
			return nil, err
		}
	}

	if err := l.Validate(ctx, cfg); err != nil {
		return nil, &LoadError{Path: path, Errors: []ValidationError{{File: path, Message: err.Error()}}}
	}

	return cfg, nil
}

// LoadInline parses inline CUE content over Default().
func (l *Loader) LoadInline(ctx context.Context, content string) (*Config, error) {
	cfg := Default()
	if err := l.decodeCUE("inline", []byte(content), cfg); err != nil {
		return nil, err
	}
	if err := l.Validate(ctx, cfg); err != nil {
		return nil, &LoadError{Path: "inline", Errors: []ValidationError{{Message: err.Error()}}}
	}
	return cfg, nil
}

// Validate checks struct tags and the built-in CUE config schema.
func (l *Loader) Validate(ctx context.Context, cfg *Config) error {
	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := l.schemas.ValidateConfig(ctx, cfg); err != nil {
		return err
	}
	if cfg.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}
	if cfg.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive")
	}
	seen := make(map[string]string, len(cfg.Server.Tokens))
	for _, t := range cfg.Server.Tokens {
		if other, ok := seen[t.Token]; ok {
			return fmt.Errorf("server.tokens: %s and %s share a token", other, t.Actor)
		}
		seen[t.Token] = t.Actor
	}
	return nil
}

// decodeCUE evaluates a CUE document and overlays it on cfg.
func (l *Loader) decodeCUE(filename string, content []byte, cfg *Config) error {
	val := l.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return &LoadError{Path: filename, Errors: convertCUEErrors(err)}
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return &LoadError{Path: filename, Errors: convertCUEErrors(err)}
	}

	raw, err := val.MarshalJSON()
	if err != nil {
		return &LoadError{Path: filename, Errors: convertCUEErrors(err)}
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return &LoadError{Path: filename, Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}
	return nil
}

func decodeYAML(filename string, content []byte, cfg *Config) error {
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return &LoadError{Path: filename, Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	// Handle CUE error types
	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Message: errors.Details(e, nil),
		})
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}

	return validationErrors
}
