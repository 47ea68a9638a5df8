// Package verify computes PASS/FAIL verdicts over a task set and its
// evidence. A FAIL verdict is a normal outcome, not an error; errors are
// reserved for the verifier itself misbehaving (e.g. the build command
// failing to launch), which callers retry or report separately.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"waveline/internal/config"
	"waveline/internal/domain"
)

// Match is one blocked-pattern hit in evidence text.
type Match struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
}

// Scan checks text against the pattern table, case-insensitively.
func Scan(patterns []config.Pattern, text string) []Match {
	lower := strings.ToLower(text)
	var out []Match
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p.Match)) {
			out = append(out, Match{Pattern: p.Match, Severity: p.Severity})
		}
	}
	return out
}

// BuildRunner runs the configured build/test command. Exit status is part
// of the verdict; a non-nil error means the command could not be run at
// all, which is an operational fault rather than a FAIL.
type BuildRunner interface {
	Run(ctx context.Context, command string) (exitCode int, output string, err error)
}

// ShellRunner executes commands through the shell.
type ShellRunner struct {
	Dir string
}

func (r ShellRunner) Run(ctx context.Context, command string) (int, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), string(out), nil
		}
		return -1, string(out), fmt.Errorf("run build command: %w", err)
	}
	return 0, string(out), nil
}

// Checker applies the verification policy.
type Checker struct {
	Config *config.Config
	Build  BuildRunner
}

// Check evaluates tasks against the full verdict rule set:
// every task resolved, evidence count at or above the floor, no
// error-severity blocked pattern, no two tasks recording a modified
// file-evidence entry for the same path, and the build command (if any)
// exiting 0. Issues come out in a fixed order so repeated runs over the
// same input produce identical results.
func (c Checker) Check(ctx context.Context, tasks []domain.Task) (string, []domain.Issue, error) {
	sorted := make([]domain.Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var issues []domain.Issue
	for _, t := range sorted {
		if t.Status != domain.StatusResolved {
			issues = append(issues, domain.Issue{
				Kind:    domain.IssueUnresolvedTask,
				TaskIDs: []string{t.ID},
				Detail:  fmt.Sprintf("task %s is %s, expected resolved", t.ID, t.Status),
			})
		}
	}
	for _, t := range sorted {
		if len(t.Evidence) < c.Config.Verification.MinEvidence {
			issues = append(issues, domain.Issue{
				Kind:    domain.IssueMissingEvidence,
				TaskIDs: []string{t.ID},
				Detail:  fmt.Sprintf("task %s has %d evidence entries, need %d", t.ID, len(t.Evidence), c.Config.Verification.MinEvidence),
			})
		}
	}
	for _, t := range sorted {
		for _, ev := range t.Evidence {
			for _, m := range Scan(c.Config.Verification.Patterns, ev.Text()) {
				if m.Severity != config.SeverityError {
					continue
				}
				issues = append(issues, domain.Issue{
					Kind:    domain.IssueBlockedPattern,
					TaskIDs: []string{t.ID},
					Detail:  fmt.Sprintf("evidence on task %s matches blocked pattern %q", t.ID, m.Pattern),
				})
			}
		}
	}
	issues = append(issues, fileConflicts(sorted)...)

	if cmd := c.Config.Verification.BuildCommand; cmd != "" && c.Build != nil {
		code, out, err := c.Build.Run(ctx, cmd)
		if err != nil {
			return "", nil, err
		}
		if code != 0 {
			issues = append(issues, domain.Issue{
				Kind:   domain.IssueBuildFailed,
				Detail: fmt.Sprintf("build command exited %d: %s", code, truncate(out, 500)),
			})
		}
	}

	if len(issues) > 0 {
		return domain.VerdictFail, issues, nil
	}
	return domain.VerdictPass, nil, nil
}

// fileConflicts flags paths with modified file-evidence from more than one
// task. The tasks slice must already be sorted by id.
func fileConflicts(tasks []domain.Task) []domain.Issue {
	byPath := make(map[string][]string)
	var paths []string
	for _, t := range tasks {
		seen := make(map[string]bool)
		for _, ev := range t.Evidence {
			if ev.Type != domain.EvidenceFile || ev.Action != "modified" || seen[ev.Path] {
				continue
			}
			seen[ev.Path] = true
			if len(byPath[ev.Path]) == 0 {
				paths = append(paths, ev.Path)
			}
			byPath[ev.Path] = append(byPath[ev.Path], t.ID)
		}
	}
	sort.Strings(paths)
	var issues []domain.Issue
	for _, p := range paths {
		if ids := byPath[p]; len(ids) > 1 {
			issues = append(issues, domain.Issue{
				Kind:    domain.IssueFileConflict,
				TaskIDs: ids,
				Detail:  fmt.Sprintf("tasks %s all modified %s", strings.Join(ids, ", "), p),
			})
		}
	}
	return issues
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
