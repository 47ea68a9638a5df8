package domain

import "slices"

// Task statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
	StatusBlocked    = "blocked"
)

// Project phases.
const (
	PhasePlanning     = "PLANNING"
	PhaseExecution    = "EXECUTION"
	PhaseVerification = "VERIFICATION"
	PhaseComplete     = "COMPLETE"
	PhaseCancelled    = "CANCELLED"
	PhaseFailed       = "FAILED"
)

// Wave statuses.
const (
	WavePending    = "pending"
	WaveInProgress = "in_progress"
	WaveVerifying  = "verifying"
	WaveVerified   = "verified"
	WaveFailed     = "failed"
)

// Roles valid for a task.
var Roles = []string{"frontend", "backend", "devops", "test", "docs", "security", "review", "worker", "general"}

// ValidRole reports whether role is one of the fixed role enumeration.
func ValidRole(role string) bool {
	return slices.Contains(Roles, role)
}

type Project struct {
	Project   string  `json:"project"`
	Team      string  `json:"team"`
	Goal      string  `json:"goal,omitempty"`
	Phase     string  `json:"phase" enum:"PLANNING,EXECUTION,VERIFICATION,COMPLETE,CANCELLED,FAILED"`
	Stats     Stats   `json:"stats"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
	CleanedAt *string `json:"cleaned_at,omitempty" format:"date-time"`
}

// Stats are derived counts over the project's task set. They are recomputed
// from task files after every status change, never hand-edited.
type Stats struct {
	Total      int `json:"total"`
	Open       int `json:"open"`
	InProgress int `json:"in_progress"`
	Resolved   int `json:"resolved"`
}

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Role        string     `json:"role" enum:"frontend,backend,devops,test,docs,security,review,worker,general"`
	Status      string     `json:"status" enum:"open,in_progress,resolved,blocked"`
	Wave        *int       `json:"wave,omitempty"`
	ClaimedBy   *string    `json:"claimed_by,omitempty"`
	ClaimedAt   *string    `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt *string    `json:"completed_at,omitempty" format:"date-time"`
	BlockedBy   []string   `json:"blocked_by,omitempty"`
	Evidence    []Evidence `json:"evidence,omitempty"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

// Evidence types.
const (
	EvidenceCommand = "command"
	EvidenceTest    = "test"
	EvidenceFile    = "file"
	EvidenceNote    = "note"
)

// Evidence is an append-only proof entry attached to a task. Entries are
// never mutated or reordered once written.
type Evidence struct {
	Type      string `json:"type" enum:"command,test,file,note"`
	Timestamp string `json:"timestamp" format:"date-time" required:"false"`
	Command   string `json:"command,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Output    string `json:"output,omitempty"`
	Action    string `json:"action,omitempty"`
	Path      string `json:"path,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Text returns the scannable free text of an evidence entry.
func (ev Evidence) Text() string {
	switch ev.Type {
	case EvidenceCommand, EvidenceTest:
		return ev.Command + "\n" + ev.Output
	case EvidenceFile:
		return ev.Action + " " + ev.Path
	default:
		return ev.Note
	}
}

type Wave struct {
	ID         int      `json:"id"`
	Status     string   `json:"status" enum:"pending,in_progress,verifying,verified,failed"`
	Tasks      []string `json:"tasks"`
	StartedAt  *string  `json:"started_at,omitempty" format:"date-time"`
	VerifiedAt *string  `json:"verified_at,omitempty" format:"date-time"`
}

// WaveSet is the persisted waves.json document.
type WaveSet struct {
	Waves     []Wave `json:"waves"`
	Current   int    `json:"current"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// CurrentWave returns the wave with id == Current, or nil.
func (ws *WaveSet) CurrentWave() *Wave {
	return ws.Wave(ws.Current)
}

// Wave returns the wave with the given id, or nil.
func (ws *WaveSet) Wave(id int) *Wave {
	for i := range ws.Waves {
		if ws.Waves[i].ID == id {
			return &ws.Waves[i]
		}
	}
	return nil
}

// Verdict outcomes.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

// Issue kinds produced by verification.
const (
	IssueUnresolvedTask  = "unresolved_task"
	IssueMissingEvidence = "missing_evidence"
	IssueBlockedPattern  = "blocked_pattern"
	IssueFileConflict    = "file_conflict"
	IssueBuildFailed     = "build_failed"
)

// Issue is one failing verification condition. Its shape is stable because
// it is the direct input to fix-task synthesis.
type Issue struct {
	Kind    string   `json:"kind" enum:"unresolved_task,missing_evidence,blocked_pattern,file_conflict,build_failed"`
	TaskIDs []string `json:"task_ids,omitempty"`
	Detail  string   `json:"detail"`
}

// Verification is the persisted record of one verification run, either for a
// single wave (Wave > 0) or the final whole-project pass (Wave == 0).
type Verification struct {
	Wave      int     `json:"wave"`
	Verdict   string  `json:"verdict" enum:"PASS,FAIL"`
	Issues    []Issue `json:"issues,omitempty"`
	CheckedAt string  `json:"checked_at" format:"date-time"`
}

// LoopState is a worker's persisted loop-state document.
type LoopState struct {
	WorkerID   string  `json:"worker_id"`
	Project    string  `json:"project"`
	Team       string  `json:"team"`
	Iteration  int     `json:"iteration"`
	Phase      string  `json:"phase"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
	LastResult *Result `json:"last_result,omitempty"`
}

// Result is the explicit continuation outcome of one loop iteration.
// A worker loop keeps going while Continue is true; Reason says why it
// stopped or must keep going.
type Result struct {
	Continue bool   `json:"continue"`
	Reason   string `json:"reason"`
}
