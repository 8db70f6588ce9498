package config

import (
	"fmt"
	"time"
)

// Config is the regionctl configuration file.
type Config struct {
	// Backend selects where per-region state and leases live.
	Backend BackendConfig `json:"backend" yaml:"backend" validate:"required"`

	// Database configures the SQLite store for workspaces, approvals and audit.
	Database DatabaseConfig `json:"database" yaml:"database" validate:"required"`

	// Executor configures the external IaC executor process.
	Executor ExecutorConfig `json:"executor" yaml:"executor" validate:"required"`

	// Approval configures the approval gate.
	Approval ApprovalConfig `json:"approval" yaml:"approval"`

	// Parameters configures parameter resolution.
	Parameters ParametersConfig `json:"parameters" yaml:"parameters" validate:"required"`

	// Lock configures workspace leases.
	Lock LockConfig `json:"lock" yaml:"lock"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Server configures the HTTP API.
	Server ServerConfig `json:"server" yaml:"server"`
}

// BackendConfig configures the state backend.
type BackendConfig struct {
	// Type is the backend type (sqlite, s3).
	Type string `json:"type" yaml:"type" validate:"required,oneof=sqlite s3"`

	// PartitionPrefix prefixes every region's state partition key.
	PartitionPrefix string `json:"partition_prefix" yaml:"partition_prefix" validate:"required"`

	// Bucket is the S3 bucket holding state objects.
	Bucket string `json:"bucket,omitempty" yaml:"bucket" validate:"required_if=Type s3"`

	// Prefix is the object key prefix inside the bucket.
	Prefix string `json:"prefix,omitempty" yaml:"prefix"`

	// Endpoint overrides the S3 endpoint for S3-compatible services.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint" validate:"omitempty,url"`

	// Region is the bucket's AWS region.
	Region string `json:"region,omitempty" yaml:"region"`

	// UsePathStyle forces path-style bucket addressing.
	UsePathStyle bool `json:"use_path_style,omitempty" yaml:"use_path_style"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file path.
	Path string `json:"path" yaml:"path" validate:"required"`
}

// ExecutorConfig configures the IaC executor process.
type ExecutorConfig struct {
	// Command is the executor binary.
	Command string `json:"command" yaml:"command" validate:"required"`

	// Args are extra arguments passed to the executor.
	Args []string `json:"args,omitempty" yaml:"args"`

	// WorkDir is the executor's working directory.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir"`

	// Timeout bounds a single plan, apply or destroy call.
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	// Timeout is how long a submitted change set waits for a decision.
	Timeout Duration `json:"timeout" yaml:"timeout"`

	// Approvers maps a region (or "*") to the actors allowed to decide.
	// An empty map allows any actor.
	Approvers map[string][]string `json:"approvers,omitempty" yaml:"approvers"`

	// PolicyDir holds additional .rego change set policies.
	PolicyDir string `json:"policy_dir,omitempty" yaml:"policy_dir"`

	// DisabledPolicies names built-in or PolicyDir policies to skip.
	DisabledPolicies []string `json:"disabled_policies,omitempty" yaml:"disabled_policies"`

	// AutoApprove records approvals as system:auto without waiting.
	AutoApprove bool `json:"auto_approve,omitempty" yaml:"auto_approve"`

	// MaxDeletes blocks rollouts deleting more resources than this; 0 disables
	// the check. Destroy operations are exempt.
	MaxDeletes int `json:"max_deletes,omitempty" yaml:"max_deletes" validate:"gte=0"`

	// ProtectedResources are resource id prefixes a rollout may not delete.
	ProtectedResources []string `json:"protected_resources,omitempty" yaml:"protected_resources"`
}

// ParametersConfig configures the parameter resolver.
type ParametersConfig struct {
	// Defaults apply to every region.
	Defaults map[string]interface{} `json:"defaults,omitempty" yaml:"defaults"`

	// Required keys must be present after merging.
	Required []string `json:"required,omitempty" yaml:"required"`

	// NonOverridable keys cannot be replaced by a secret override.
	NonOverridable []string `json:"non_overridable,omitempty" yaml:"non_overridable"`

	// ValuesDir holds one values document per region.
	ValuesDir string `json:"values_dir" yaml:"values_dir" validate:"required"`

	// SecretPrefix is the environment prefix of secret overrides.
	SecretPrefix string `json:"secret_prefix" yaml:"secret_prefix" validate:"required"`
}

// LockConfig configures workspace leases.
type LockConfig struct {
	// TTL is the lease duration; it is renewed while a mutation runs.
	TTL Duration `json:"ttl" yaml:"ttl"`

	// Holder identifies this orchestrator in lease records.
	Holder string `json:"holder,omitempty" yaml:"holder"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	// LogLevel sets the minimum log level.
	LogLevel string `json:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn error"`

	// LogFormat is console or json.
	LogFormat string `json:"log_format" yaml:"log_format" validate:"oneof=console json"`

	// MetricsEnabled exposes Prometheus metrics on the API server.
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled"`

	// MetricsListen serves /metrics on its own address, for runs without the
	// API server.
	MetricsListen string `json:"metrics_listen,omitempty" yaml:"metrics_listen"`

	// TracingExporter is none, stdout or otlp.
	TracingExporter string `json:"tracing_exporter" yaml:"tracing_exporter" validate:"oneof=none stdout otlp"`

	// TracingEndpoint is the OTLP collector address.
	TracingEndpoint string `json:"tracing_endpoint,omitempty" yaml:"tracing_endpoint" validate:"required_if=TracingExporter otlp"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Listen is the API listen address.
	Listen string `json:"listen" yaml:"listen" validate:"required"`

	// URL is where CLI commands reach a running server.
	URL string `json:"url" yaml:"url" validate:"required,url"`

	// Tokens authenticate API callers. Without tokens every route except
	// /healthz and /metrics is refused.
	Tokens []APIToken `json:"tokens,omitempty" yaml:"tokens,omitempty" validate:"dive"`
}

// APIToken is a bearer token for the HTTP API. Decisions made with the
// token are recorded under Actor.
type APIToken struct {
	Actor  string   `json:"actor" yaml:"actor" validate:"required"`
	Token  string   `json:"token" yaml:"token" validate:"required,min=16"`
	Scopes []string `json:"scopes,omitempty" yaml:"scopes,omitempty" validate:"dive,oneof=* regions:ro approvals:ro approvals:rw"`
}

// TokenFor returns the configured token of actor, or "".
func (s ServerConfig) TokenFor(actor string) string {
	for _, t := range s.Tokens {
		if t.Actor == actor {
			return t.Token
		}
	}
	return ""
}

// Duration is a time.Duration written as a Go duration string ("30m").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the configuration used when no file overrides a field.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Type:            "sqlite",
			PartitionPrefix: "regions",
		},
		Database: DatabaseConfig{
			Path: "./data/regionctl.db",
		},
		Executor: ExecutorConfig{
			Command: "regionctl-local-executor",
			Timeout: Duration(30 * time.Minute),
		},
		Approval: ApprovalConfig{
			Timeout: Duration(30 * time.Minute),
		},
		Parameters: ParametersConfig{
			ValuesDir:    "./regions",
			SecretPrefix: "REGIONCTL_SECRET_",
		},
		Lock: LockConfig{
			TTL: Duration(2 * time.Minute),
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  true,
			TracingExporter: "none",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8470",
			URL:    "http://127.0.0.1:8470",
		},
	}
}
