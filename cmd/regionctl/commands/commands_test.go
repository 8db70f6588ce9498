package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	fcolor "github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/regionctl/pkg/api"
	"github.com/openfroyo/regionctl/pkg/config"
	"github.com/openfroyo/regionctl/pkg/engine"
	"github.com/openfroyo/regionctl/pkg/executor/local"
	"github.com/openfroyo/regionctl/pkg/stores"
)

func init() {
	fcolor.NoColor = true
}

// runCommand executes the root command with args and returns stdout.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	configPath, jsonOutput, serverURL, apiToken = "", false, "", ""
	t.Cleanup(func() { configPath, jsonOutput, serverURL, apiToken = "", false, "", "" })

	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// TestHelperProcess is not a real test. It serves the local executor when
// the test binary is launched as the configured executor command.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("REGIONCTL_HELPER_EXECUTOR") != "1" {
		return
	}
	if err := local.NewRunner(os.Stdin, os.Stdout, 0, zerolog.Nop()).Serve(context.Background()); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestParseOverrides(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{name: "pairs", pairs: []string{"botToken=T1", "note=a=b"}, want: map[string]string{"botToken": "T1", "note": "a=b"}},
		{name: "empty value", pairs: []string{"flag="}, want: map[string]string{"flag": ""}},
		{name: "missing separator", pairs: []string{"botToken"}, wantErr: true},
		{name: "empty key", pairs: []string{"=x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOverrides(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseOverrides() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestPerRegion(t *testing.T) {
	regions := []engine.Region{"eu-central-1", "us-east-1"}
	assert.Nil(t, perRegion(regions, nil))

	got := perRegion(regions, map[string]string{"botToken": "T1"})
	require.Len(t, got, 2)
	assert.Equal(t, "T1", got["us-east-1"]["botToken"])
}

func TestPrintReport(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	report := &engine.RolloutReport{
		ID:        "run-1",
		Operation: engine.OperationRollout,
		StartedAt: started,
		Results: []engine.RunResult{
			{Region: "eu-central-1", Outcome: engine.OutcomeSucceeded, Status: engine.StatusApplied,
				Summary: &engine.ChangeSummary{ToCreate: 2, ToUpdate: 1}},
			{Region: "us-east-1", Outcome: engine.OutcomeFailed, Status: engine.StatusFailed,
				Error: "partial apply", Unresolved: []string{"aws_instance.node"}},
			{Region: "ap-south-1", Outcome: engine.OutcomeSkipped, Status: engine.StatusAbsent, Error: "approval rejected"},
		},
		FinishedAt: started.Add(1500 * time.Millisecond),
	}

	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, report))
	out := buf.String()

	assert.Contains(t, out, "eu-central-1     succeeded  applied     +2 ~1 -0")
	assert.Contains(t, out, "partial apply (unresolved: aws_instance.node)")
	assert.Contains(t, out, "rollout run-1: 1 succeeded, 1 failed, 1 skipped in 1.5s")

	err := reportError(report)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 regions failed")

	report.Results = report.Results[:1]
	assert.NoError(t, reportError(report))
}

func TestInit(t *testing.T) {
	dir := t.TempDir()

	out, err := runCommand(t, "init", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Created config file")

	path := filepath.Join(dir, "regionctl.yaml")
	cfg, err := config.NewLoader().Load(context.Background(), path)
	require.NoError(t, err, "generated config must load")
	assert.Equal(t, filepath.Join(dir, "regions"), cfg.Parameters.ValuesDir)
	assert.Equal(t, 30*time.Minute, cfg.Approval.Timeout.D())

	regions, err := config.NewDirValuesSource(cfg.Parameters.ValuesDir).Regions()
	require.NoError(t, err)
	assert.Equal(t, []engine.Region{"eu-central-1"}, regions)
	assert.FileExists(t, cfg.Database.Path)

	require.Len(t, cfg.Server.Tokens, 1, "init generates an API token")
	assert.Equal(t, []string{"*"}, cfg.Server.Tokens[0].Scopes)
	assert.GreaterOrEqual(t, len(cfg.Server.Tokens[0].Token), 32)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "config holds secrets")

	_, err = runCommand(t, "init", "--dir", dir)
	assert.Error(t, err, "existing config is not overwritten")

	_, err = runCommand(t, "init", "--dir", dir, "--force")
	assert.NoError(t, err)
}

func TestApproveCommands(t *testing.T) {
	const (
		aliceToken = "alice-token-0123456789"
		bobToken   = "bob-token-0123456789"
	)

	gate := engine.NewApprovalGate(time.Hour, zerolog.Nop())
	pendingID, err := gate.Submit(context.Background(), &engine.ChangeSet{
		ID:      "cs-1",
		Region:  "eu-central-1",
		Hash:    "0123456789abcdef",
		Changes: []engine.ResourceChange{{Resource: "aws_vpc.main", Action: engine.ActionCreate}},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(api.New(api.Config{Tokens: []api.TokenConfig{
		{Actor: "alice", Token: aliceToken},
		{Actor: "bob", Token: bobToken},
	}}, gate, emptyWorkspaces{}, zerolog.Nop()).Handler())
	defer srv.Close()

	_, err = runCommand(t, "approvals", "--server", srv.URL, "--token", "wrong-token-0123456789")
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.ErrCodeUnauthenticated, apiErr.Code)

	t.Setenv(envAPIToken, aliceToken)
	out, err := runCommand(t, "approvals", "--server", srv.URL, "--json")
	require.NoError(t, err)
	var pending []engine.PendingApproval
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, pendingID, pending[0].PendingID)

	// A token cannot decide on behalf of another actor.
	_, err = runCommand(t, "approve", pendingID, "--server", srv.URL, "--token", bobToken, "--actor", "alice")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, engine.ErrCodeUnauthorizedActor, apiErr.Code)
	assert.Len(t, gate.Pending(), 1)

	out, err = runCommand(t, "approve", pendingID, "--server", srv.URL, "--reject", "-m", "not today")
	require.NoError(t, err)
	assert.Contains(t, out, "rejected "+pendingID+" for eu-central-1 (change set 0123456789ab) by alice")

	out, err = runCommand(t, "approvals", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "No change sets awaiting approval")

	_, err = runCommand(t, "approve", pendingID, "--server", srv.URL, "--token", bobToken)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, engine.ErrCodeStaleApproval, apiErr.Code)
}

type emptyWorkspaces struct{}

func (emptyWorkspaces) List(context.Context) ([]engine.Region, error) { return nil, nil }

func (emptyWorkspaces) Get(_ context.Context, region engine.Region) (*engine.Workspace, error) {
	return nil, engine.NewConfigurationError(engine.ErrCodeNotFound, "workspace not found", engine.ErrNotFound)
}

// writeProject creates a config and two region values documents that drive
// the local executor through the test binary.
func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	valuesDir := filepath.Join(dir, "regions")
	require.NoError(t, os.MkdirAll(valuesDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(valuesDir, "eu-central-1.yaml"), []byte(
		"instanceType: t3.large\nresource.aws_vpc.main: 10.0.0.0/16\nresource.aws_instance.node: t3.large\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(valuesDir, "us-east-1.cue"), []byte(
		"instanceType: \"t3.small\"\n\"resource.aws_vpc.main\": \"10.1.0.0/16\"\n"), 0o644))

	cfg := fmt.Sprintf(`backend:
  type: sqlite
  partition_prefix: regions
database:
  path: %s
executor:
  command: %s
  args: ["-test.run=^TestHelperProcess$"]
  timeout: 1m
approval:
  timeout: 1m
parameters:
  defaults:
    ebsEncrypted: true
  required: [instanceType]
  values_dir: %s
  secret_prefix: REGIONCTL_TEST_SECRET_
telemetry:
  log_level: error
  log_format: json
  metrics_enabled: true
  tracing_exporter: none
`, filepath.Join(dir, "data", "regionctl.db"), os.Args[0], valuesDir)

	path := filepath.Join(dir, "regionctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestRolloutLifecycle(t *testing.T) {
	t.Setenv("REGIONCTL_HELPER_EXECUTOR", "1")
	path := writeProject(t)

	out, err := runCommand(t, "rollout", "--config", path, "--auto-approve", "--json")
	require.NoError(t, err)
	var report engine.RolloutReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Results, 2)
	for _, r := range report.Results {
		assert.Equal(t, engine.OutcomeSucceeded, r.Outcome, "region %s: %s", r.Region, r.Error)
		assert.Equal(t, engine.StatusApplied, r.Status)
	}
	assert.Equal(t, engine.Region("eu-central-1"), report.Results[0].Region)
	assert.Equal(t, 2, report.Results[0].Summary.ToCreate)

	out, err = runCommand(t, "status", "--config", path, "--json")
	require.NoError(t, err)
	var workspaces []*engine.Workspace
	require.NoError(t, json.Unmarshal([]byte(out), &workspaces))
	require.Len(t, workspaces, 2)
	for _, ws := range workspaces {
		assert.Equal(t, engine.StatusApplied, ws.Status)
		assert.Equal(t, int64(1), ws.StateVersion)
	}

	// A second plan against the applied state is all no-ops.
	out, err = runCommand(t, "plan", "--config", path, "--regions", "eu-central-1")
	require.NoError(t, err)
	assert.Contains(t, out, "+0 ~0 -0, 2 unchanged")

	out, err = runCommand(t, "audit", "--config", path, "--json", "--action", "approval.approved")
	require.NoError(t, err)
	var entries []*stores.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Len(t, entries, 2)

	out, err = runCommand(t, "destroy", "--config", path, "--auto-approve", "--regions", "us-east-1")
	require.NoError(t, err)
	assert.Contains(t, out, "destroy")
	assert.Contains(t, out, "1 succeeded, 0 failed, 0 skipped")

	out, err = runCommand(t, "status", "us-east-1", "--config", path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "us-east-1"))
	assert.Contains(t, out, "absent")
}

func TestRollout_UnknownRegion(t *testing.T) {
	t.Setenv("REGIONCTL_HELPER_EXECUTOR", "1")
	path := writeProject(t)

	out, err := runCommand(t, "rollout", "--config", path, "--auto-approve", "--regions", "eu-central-1,sa-east-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 regions failed")
	assert.Contains(t, out, "eu-central-1     succeeded")
	assert.Contains(t, out, "sa-east-1        failed")

	_, err = runCommand(t, "rollout", "--config", path, "--auto-approve", "--regions", "Bad_Region")
	assert.Error(t, err)
}

func TestRollout_EveryRegionFailsWithServer(t *testing.T) {
	t.Setenv("REGIONCTL_HELPER_EXECUTOR", "1")
	path := writeProject(t)

	// Without --auto-approve the run is served over the API while it waits.
	out, err := runCommand(t, "rollout", "--config", path, "--listen", "127.0.0.1:0", "--regions", "sa-east-1,ap-south-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrRolloutFailed)
	assert.Contains(t, out, "sa-east-1        failed")
	assert.Contains(t, out, "ap-south-1       failed")
	assert.Contains(t, out, "0 succeeded, 2 failed, 0 skipped")

	out, err = runCommand(t, "rollout", "--config", path, "--listen", "127.0.0.1:0", "--regions", "sa-east-1", "--json")
	require.Error(t, err)
	var report engine.RolloutReport
	require.NoError(t, json.Unmarshal([]byte(out), &report), "the report is written even when every region fails")
	require.Len(t, report.Results, 1)
	assert.Equal(t, engine.OutcomeFailed, report.Results[0].Outcome)
}

func TestRunWithServer_ReturnsReportOnFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.MetricsEnabled = false
	a := &app{
		cfg:    cfg,
		gate:   engine.NewApprovalGate(time.Minute, zerolog.Nop()),
		logger: zerolog.Nop(),
	}

	want := &engine.RolloutReport{ID: "run-1", Results: []engine.RunResult{
		{Region: "eu-central-1", Outcome: engine.OutcomeFailed, Status: engine.StatusFailed, Error: "boom"},
	}}
	report, err := runWithServer(context.Background(), a, "127.0.0.1:0", func(context.Context) (*engine.RolloutReport, error) {
		return want, engine.ErrRolloutFailed
	})
	require.ErrorIs(t, err, engine.ErrRolloutFailed)
	assert.Same(t, want, report)
}

func TestPoliciesCommand(t *testing.T) {
	dir := t.TempDir()
	policyDir := filepath.Join(dir, "policies")
	require.NoError(t, os.MkdirAll(policyDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "no-legacy.rego"), []byte(`# Legacy instance families are retired
# severity: warning
package regionctl.nolegacy

import rego.v1

deny contains violation if {
	some change in input.changes
	startswith(change.resource, "aws_instance.legacy")
	violation := {"message": "legacy instances are retired", "resource": change.resource}
}
`), 0o644))

	writeConfig := func(disabled string) string {
		path := filepath.Join(dir, "regionctl.yaml")
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`approval:
  timeout: 1m
  policy_dir: %s
  disabled_policies: [%s]
`, policyDir, disabled)), 0o600))
		return path
	}

	path := writeConfig("destructive-changes")
	out, err := runCommand(t, "policies", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "destructive-changes      warning  disabled")
	assert.Contains(t, out, "max-deletions            error    enabled")
	assert.Contains(t, out, "no-legacy                warning  enabled   Legacy instance families are retired")

	out, err = runCommand(t, "policies", "show", "no-legacy", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "package regionctl.nolegacy")

	_, err = runCommand(t, "policies", "show", "missing", "--config", path)
	assert.Error(t, err)

	path = writeConfig("no-such-policy")
	_, err = runCommand(t, "policies", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approval.disabled_policies")
}

func TestTelemetryConfig(t *testing.T) {
	tc := telemetryConfig(config.TelemetryConfig{LogLevel: "debug", LogFormat: "json", TracingExporter: "none"})
	assert.True(t, tc.Logging.EnableCaller, "debug logging adds caller locations")
	assert.Equal(t, "debug", tc.Logging.Level)
	assert.Equal(t, "json", tc.Logging.Format)

	tc = telemetryConfig(config.TelemetryConfig{LogLevel: "info", LogFormat: "console", TracingExporter: "none"})
	assert.False(t, tc.Logging.EnableCaller)
	assert.False(t, tc.Tracing.Enabled)
}
