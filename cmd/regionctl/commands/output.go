package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	fcolor "github.com/fatih/color"

	"github.com/openfroyo/regionctl/pkg/engine"
)

var (
	successColor = fcolor.New(fcolor.FgGreen)
	failureColor = fcolor.New(fcolor.FgRed)
	warningColor = fcolor.New(fcolor.FgYellow)
	headerColor  = fcolor.New(fcolor.Bold)
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outcomeColor(outcome engine.RunOutcome) *fcolor.Color {
	switch outcome {
	case engine.OutcomeSucceeded:
		return successColor
	case engine.OutcomeFailed:
		return failureColor
	default:
		return warningColor
	}
}

func statusColor(status engine.WorkspaceStatus) *fcolor.Color {
	switch status {
	case engine.StatusApplied:
		return successColor
	case engine.StatusFailed:
		return failureColor
	case engine.StatusApplying, engine.StatusDestroying:
		return warningColor
	default:
		return fcolor.New(fcolor.Reset)
	}
}

// formatSummary renders a change summary as "+2 ~1 -0".
func formatSummary(s *engine.ChangeSummary) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprintf("+%d ~%d -%d", s.ToCreate, s.ToUpdate, s.ToDelete)
}

// printReport writes one line per region followed by the totals. Colors are
// applied to padded cells so columns stay aligned.
func printReport(w io.Writer, report *engine.RolloutReport) error {
	if jsonOutput {
		return printJSON(w, report)
	}

	headerColor.Fprintf(w, "%-16s %-10s %-11s %-12s %s\n", "REGION", "OUTCOME", "STATUS", "CHANGES", "DETAIL")
	for i := range report.Results {
		r := &report.Results[i]
		detail := r.Error
		if len(r.Unresolved) > 0 {
			detail = fmt.Sprintf("%s (unresolved: %s)", detail, strings.Join(r.Unresolved, ", "))
		}
		fmt.Fprintf(w, "%-16s %s %s %-12s %s\n",
			r.Region,
			outcomeColor(r.Outcome).Sprintf("%-10s", r.Outcome),
			statusColor(r.Status).Sprintf("%-11s", r.Status),
			formatSummary(r.Summary),
			detail,
		)
	}

	fmt.Fprintf(w, "\n%s %s: %s succeeded, %s failed, %s skipped in %s\n",
		report.Operation, report.ID,
		successColor.Sprint(report.Count(engine.OutcomeSucceeded)),
		failureColor.Sprint(report.Count(engine.OutcomeFailed)),
		warningColor.Sprint(report.Count(engine.OutcomeSkipped)),
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	)
	return nil
}

// reportError turns failed regions into a command error so the process
// exits non-zero.
func reportError(report *engine.RolloutReport) error {
	failed := report.Count(engine.OutcomeFailed)
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%s %s: %d of %d regions failed", report.Operation, report.ID, failed, len(report.Results))
}

func actionSymbol(action engine.Action) string {
	switch action {
	case engine.ActionCreate:
		return successColor.Sprint("+")
	case engine.ActionUpdate:
		return warningColor.Sprint("~")
	case engine.ActionDelete:
		return failureColor.Sprint("-")
	default:
		return " "
	}
}

// printChangeSet writes a change set as a resource list.
func printChangeSet(w io.Writer, cs *engine.ChangeSet) error {
	if jsonOutput {
		return printJSON(w, cs)
	}

	summary := cs.Summary()
	headerColor.Fprintf(w, "%s (state v%d, hash %s)\n", cs.Region, cs.StateVersion, shortHash(cs.Hash))
	for _, ch := range cs.Changes {
		if ch.Action == engine.ActionNoop {
			continue
		}
		fmt.Fprintf(w, "  %s %s\n", actionSymbol(ch.Action), ch.Resource)
	}
	fmt.Fprintf(w, "  %s, %d unchanged\n", formatSummary(&summary), summary.NoChange)
	return nil
}

// printWorkspaces writes one line per workspace.
func printWorkspaces(w io.Writer, workspaces []*engine.Workspace) error {
	if jsonOutput {
		return printJSON(w, workspaces)
	}

	headerColor.Fprintf(w, "%-16s %-11s %-8s %-24s %s\n", "REGION", "STATUS", "VERSION", "PARTITION", "UPDATED")
	for _, ws := range workspaces {
		fmt.Fprintf(w, "%-16s %s %-8d %-24s %s\n",
			ws.Region,
			statusColor(ws.Status).Sprintf("%-11s", ws.Status),
			ws.StateVersion,
			ws.PartitionKey,
			ws.UpdatedAt.Format(time.RFC3339),
		)
	}
	return nil
}

// printPending writes the pending approvals.
func printPending(w io.Writer, pending []engine.PendingApproval) error {
	if jsonOutput {
		return printJSON(w, pending)
	}
	if len(pending) == 0 {
		fmt.Fprintln(w, "No change sets awaiting approval")
		return nil
	}

	headerColor.Fprintf(w, "%-36s %-16s %-8s %-12s %s\n", "ID", "REGION", "KIND", "CHANGES", "EXPIRES")
	for _, p := range pending {
		kind := "rollout"
		if p.Destroy {
			kind = "destroy"
		}
		summary := p.Summary
		fmt.Fprintf(w, "%-36s %-16s %-8s %-12s %s\n",
			p.PendingID, p.Region, kind, formatSummary(&summary), p.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// printDecision writes a recorded approval decision.
func printDecision(w io.Writer, rec *engine.ApprovalRecord) error {
	if jsonOutput {
		return printJSON(w, rec)
	}
	c := successColor
	if rec.Decision != engine.DecisionApproved {
		c = failureColor
	}
	fmt.Fprintf(w, "%s %s for %s (change set %s) by %s\n",
		c.Sprint(rec.Decision), rec.PendingID, rec.Region, shortHash(rec.ChangeSetHash), rec.Actor)
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
