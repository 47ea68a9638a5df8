// Package engine implements the Waveline operation surface: project and
// task lifecycle, the atomic claim state machine, wave computation over the
// persisted task set, and project cleaning. It is the only code path that
// mutates task status, claim fields, or project phase; CLI, server and loop
// callers all go through it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"waveline/internal/config"
	"waveline/internal/domain"
	"waveline/internal/events"
	"waveline/internal/flock"
	"waveline/internal/store"
	"waveline/internal/waves"
)

type Engine struct {
	Store  store.Store
	Locks  flock.Locker
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(st store.Store, cfg *config.Config) Engine {
	return Engine{
		Store:  st,
		Locks:  flock.DirLock{},
		Events: events.Writer{Path: st.EventsPath},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) lockTimeout() time.Duration {
	if e.Config != nil && e.Config.Lock.TimeoutSeconds > 0 {
		return e.Config.LockTimeout()
	}
	return flock.DefaultTimeout
}

// appendEvent records the audit event for a mutation that already
// persisted. The ledger is advisory: a failed append is logged rather than
// surfaced, so callers never get an error for work that committed.
func (e Engine) appendEvent(evtType, project, team, entityKind, entityID, actorID string, payload events.EventPayload) {
	if err := e.Events.Append(evtType, project, team, entityKind, entityID, actorID, payload); err != nil {
		log.Printf("events: append %s for %s/%s: %v", evtType, project, team, err)
	}
}

// CreateProject creates the (project, team) namespace. Creating an existing
// project is a validation error; identity is created once.
func (e Engine) CreateProject(ctx context.Context, project, team, goal, actorID string) (domain.Project, error) {
	if project == "" || team == "" {
		return domain.Project{}, validationf("project and team are required")
	}
	if _, err := e.Store.ReadProject(project, team); err == nil {
		return domain.Project{}, validationf("project %s/%s already exists", project, team)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Project{}, err
	}
	now := e.stamp()
	p := domain.Project{
		Project:   project,
		Team:      team,
		Goal:      goal,
		Phase:     domain.PhasePlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Store.WriteProject(p); err != nil {
		return domain.Project{}, err
	}
	e.appendEvent("project.created", project, team, "project", project, actorID, events.EventPayload{"goal": goal})
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, project, team string) (domain.Project, error) {
	return e.Store.ReadProject(project, team)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Project     string
	Team        string
	ID          string
	Title       string
	Description string
	Role        string
	BlockedBy   []string
	ActorID     string
	// Fix marks a corrective task synthesized during FAIL recovery; it is
	// the only way to add tasks after the project leaves PLANNING.
	Fix bool
}

// CreateTask validates and persists a new open task. Dependencies must
// reference existing tasks and the resulting graph must stay acyclic.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, validationf("title is required")
	}
	if opts.Role == "" {
		opts.Role = "general"
	}
	if !domain.ValidRole(opts.Role) {
		return domain.Task{}, validationf("unknown role %q", opts.Role)
	}
	p, err := e.Store.ReadProject(opts.Project, opts.Team)
	if err != nil {
		return domain.Task{}, err
	}
	if p.Phase != domain.PhasePlanning && !opts.Fix {
		return domain.Task{}, validationf("project %s/%s is in phase %s; tasks may only be added during PLANNING", opts.Project, opts.Team, p.Phase)
	}
	id := opts.ID
	now := e.stamp()
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Project+"|"+opts.Team+"|"+opts.Title+"|"+now)).String()
	}
	if _, err := e.Store.ReadTask(opts.Project, opts.Team, id); err == nil {
		return domain.Task{}, validationf("task %s already exists", id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Task{}, err
	}
	for _, dep := range opts.BlockedBy {
		if dep == id {
			return domain.Task{}, validationf("task %s cannot depend on itself", id)
		}
		if _, err := e.Store.ReadTask(opts.Project, opts.Team, dep); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Task{}, validationf("dependency %s does not exist", dep)
			}
			return domain.Task{}, err
		}
	}
	t := domain.Task{
		ID:          id,
		Title:       opts.Title,
		Description: opts.Description,
		Role:        opts.Role,
		Status:      domain.StatusOpen,
		BlockedBy:   opts.BlockedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// Guard acyclicity over the prospective set before writing anything.
	existing, err := e.Store.ListTasks(opts.Project, opts.Team)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := waves.Calculate(append(existing, t)); err != nil {
		var cyc *waves.CycleError
		if errors.As(err, &cyc) {
			return domain.Task{}, validationf("dependencies of task %s form a cycle: %v", id, cyc.Remaining)
		}
		return domain.Task{}, err
	}
	if err := e.Store.WriteTask(opts.Project, opts.Team, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.reconcileStats(opts.Project, opts.Team); err != nil {
		return domain.Task{}, err
	}
	e.appendEvent("task.created", opts.Project, opts.Team, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "role": t.Role, "fix": opts.Fix})
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, project, team, taskID string) (domain.Task, error) {
	return e.Store.ReadTask(project, team, taskID)
}

// ListTasks returns tasks filtered by status and role; empty filters match
// everything.
func (e Engine) ListTasks(ctx context.Context, project, team, statusFilter, roleFilter string) ([]domain.Task, error) {
	if _, err := e.Store.ReadProject(project, team); err != nil {
		return nil, err
	}
	tasks, err := e.Store.ListTasks(project, team)
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, t := range tasks {
		if statusFilter != "" && t.Status != statusFilter {
			continue
		}
		if roleFilter != "" && t.Role != roleFilter {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ClaimTask atomically transitions an open, unblocked task to in_progress
// owned by ownerID. The whole check-and-mutate sequence runs inside the
// per-task file lock; the task is re-read under the lock so a pre-lock
// snapshot can never win a check-then-act race.
func (e Engine) ClaimTask(ctx context.Context, project, team, taskID, ownerID string) (domain.Task, error) {
	if ownerID == "" {
		return domain.Task{}, validationf("owner is required")
	}
	path := e.Store.TaskPath(project, team, taskID)
	var claimed domain.Task
	err := flock.WithLock(e.Locks, path, e.lockTimeout(), func() error {
		t, err := e.Store.ReadTask(project, team, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusOpen {
			by := ""
			if t.ClaimedBy != nil {
				by = *t.ClaimedBy
			}
			return &ConflictError{TaskID: taskID, ClaimedBy: by}
		}
		var unresolved []string
		for _, dep := range t.BlockedBy {
			d, err := e.Store.ReadTask(project, team, dep)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					// Dangling reference to a deleted task does not block,
					// matching the scheduler's in-degree rule.
					continue
				}
				return err
			}
			if d.Status != domain.StatusResolved {
				unresolved = append(unresolved, dep)
			}
		}
		if len(unresolved) > 0 {
			return &BlockedError{TaskID: taskID, Unresolved: unresolved}
		}
		now := e.stamp()
		t.Status = domain.StatusInProgress
		t.ClaimedBy = &ownerID
		t.ClaimedAt = &now
		if err := e.Store.WriteTask(project, team, t); err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.reconcileStats(project, team); err != nil {
		return domain.Task{}, err
	}
	e.appendEvent("task.claimed", project, team, "task", taskID, ownerID, nil)
	return claimed, nil
}

// ResolveTask marks a claimed task done. The caller must hold the claim;
// claimed_by stays populated as the historical record of who did the work.
func (e Engine) ResolveTask(ctx context.Context, project, team, taskID, ownerID string, evidence []domain.Evidence) (domain.Task, error) {
	if err := validateEvidence(evidence); err != nil {
		return domain.Task{}, err
	}
	path := e.Store.TaskPath(project, team, taskID)
	var resolved domain.Task
	err := flock.WithLock(e.Locks, path, e.lockTimeout(), func() error {
		t, err := e.Store.ReadTask(project, team, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusInProgress {
			return &TransitionError{Entity: "task", From: t.Status, To: domain.StatusResolved}
		}
		if t.ClaimedBy == nil || *t.ClaimedBy != ownerID {
			by := ""
			if t.ClaimedBy != nil {
				by = *t.ClaimedBy
			}
			return &OwnershipError{TaskID: taskID, ClaimedBy: by, Caller: ownerID}
		}
		now := e.stamp()
		t.Evidence = append(t.Evidence, stampEvidence(evidence, now)...)
		t.Status = domain.StatusResolved
		t.CompletedAt = &now
		if err := e.Store.WriteTask(project, team, t); err != nil {
			return err
		}
		resolved = t
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.reconcileStats(project, team); err != nil {
		return domain.Task{}, err
	}
	e.appendEvent("task.resolved", project, team, "task", taskID, ownerID, events.EventPayload{"evidence": len(evidence)})
	return resolved, nil
}

// ReleaseTask is the failure-recovery path: it returns an in_progress task
// to open, clearing the claim but preserving evidence already appended.
// Releasing an already-open task is a no-op apart from the timestamp.
func (e Engine) ReleaseTask(ctx context.Context, project, team, taskID, actorID string) (domain.Task, error) {
	path := e.Store.TaskPath(project, team, taskID)
	var released domain.Task
	err := flock.WithLock(e.Locks, path, e.lockTimeout(), func() error {
		t, err := e.Store.ReadTask(project, team, taskID)
		if err != nil {
			return err
		}
		if t.Status == domain.StatusOpen {
			released = t
			return nil
		}
		if t.Status != domain.StatusInProgress {
			return &TransitionError{Entity: "task", From: t.Status, To: domain.StatusOpen}
		}
		t.Status = domain.StatusOpen
		t.ClaimedBy = nil
		t.ClaimedAt = nil
		if err := e.Store.WriteTask(project, team, t); err != nil {
			return err
		}
		released = t
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.reconcileStats(project, team); err != nil {
		return domain.Task{}, err
	}
	e.appendEvent("task.released", project, team, "task", taskID, actorID, nil)
	return released, nil
}

// AddEvidence appends proof entries to a task. Evidence appension is legal
// in every status, including resolved.
func (e Engine) AddEvidence(ctx context.Context, project, team, taskID, actorID string, evidence []domain.Evidence) (domain.Task, error) {
	if len(evidence) == 0 {
		return domain.Task{}, validationf("at least one evidence entry is required")
	}
	if err := validateEvidence(evidence); err != nil {
		return domain.Task{}, err
	}
	path := e.Store.TaskPath(project, team, taskID)
	var updated domain.Task
	err := flock.WithLock(e.Locks, path, e.lockTimeout(), func() error {
		t, err := e.Store.ReadTask(project, team, taskID)
		if err != nil {
			return err
		}
		t.Evidence = append(t.Evidence, stampEvidence(evidence, e.stamp())...)
		if err := e.Store.WriteTask(project, team, t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.appendEvent("task.evidence", project, team, "task", taskID, actorID, events.EventPayload{"entries": len(evidence)})
	return updated, nil
}

// validateEvidence checks the type enum and the fields each type requires.
// A file entry without action and path would silently defeat the
// file-conflict verification rule, so incomplete entries are rejected at
// the door.
func validateEvidence(entries []domain.Evidence) error {
	for i, ev := range entries {
		switch ev.Type {
		case domain.EvidenceCommand, domain.EvidenceTest:
			if ev.Command == "" {
				return validationf("evidence[%d]: command is required for type %s", i, ev.Type)
			}
		case domain.EvidenceFile:
			if ev.Action == "" || ev.Path == "" {
				return validationf("evidence[%d]: action and path are required for file evidence", i)
			}
			switch ev.Action {
			case "created", "modified", "deleted":
			default:
				return validationf("evidence[%d]: unknown file action %q", i, ev.Action)
			}
		case domain.EvidenceNote:
			if ev.Note == "" {
				return validationf("evidence[%d]: note text is required", i)
			}
		default:
			return validationf("unknown evidence type %q", ev.Type)
		}
	}
	return nil
}

func stampEvidence(in []domain.Evidence, ts string) []domain.Evidence {
	out := make([]domain.Evidence, len(in))
	for i, ev := range in {
		if ev.Timestamp == "" {
			ev.Timestamp = ts
		}
		out[i] = ev
	}
	return out
}

// TaskUpdateOptions is the updateTask surface consumed by CLI and server
// wrappers: an optional status transition, optional evidence appension, or
// an explicit release.
type TaskUpdateOptions struct {
	Project     string
	Team        string
	ID          string
	Status      string
	AddEvidence []domain.Evidence
	Release     bool
	ActorID     string
}

// UpdateTask routes to the specific lifecycle operation. Status changes go
// through the same guarded transitions as the dedicated methods; there is
// no freeform status write.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.Release {
		if opts.Status != "" {
			return domain.Task{}, validationf("release and status are mutually exclusive")
		}
		if len(opts.AddEvidence) > 0 {
			if _, err := e.AddEvidence(ctx, opts.Project, opts.Team, opts.ID, opts.ActorID, opts.AddEvidence); err != nil {
				return domain.Task{}, err
			}
		}
		return e.ReleaseTask(ctx, opts.Project, opts.Team, opts.ID, opts.ActorID)
	}
	switch opts.Status {
	case "":
		if len(opts.AddEvidence) == 0 {
			return domain.Task{}, validationf("nothing to update")
		}
		return e.AddEvidence(ctx, opts.Project, opts.Team, opts.ID, opts.ActorID, opts.AddEvidence)
	case domain.StatusInProgress:
		return e.ClaimTask(ctx, opts.Project, opts.Team, opts.ID, opts.ActorID)
	case domain.StatusResolved:
		return e.ResolveTask(ctx, opts.Project, opts.Team, opts.ID, opts.ActorID, opts.AddEvidence)
	case domain.StatusOpen:
		return e.ReleaseTask(ctx, opts.Project, opts.Team, opts.ID, opts.ActorID)
	default:
		return domain.Task{}, validationf("unknown status %q", opts.Status)
	}
}

// reconcileStats recomputes project stats from a fresh scan of task files
// and persists them, under the project file lock. Stats are derived state;
// they are never hand-edited.
func (e Engine) reconcileStats(project, team string) error {
	path := e.Store.ProjectPath(project, team)
	return flock.WithLock(e.Locks, path, e.lockTimeout(), func() error {
		p, err := e.Store.ReadProject(project, team)
		if err != nil {
			return err
		}
		tasks, err := e.Store.ListTasks(project, team)
		if err != nil {
			return err
		}
		p.Stats = countStats(tasks)
		return e.Store.WriteProject(p)
	})
}

func countStats(tasks []domain.Task) domain.Stats {
	var s domain.Stats
	for _, t := range tasks {
		s.Total++
		switch t.Status {
		case domain.StatusOpen, domain.StatusBlocked:
			s.Open++
		case domain.StatusInProgress:
			s.InProgress++
		case domain.StatusResolved:
			s.Resolved++
		}
	}
	return s
}

// phaseTransitions is the project phase machine: monotonic except the single
// backward edge VERIFICATION -> EXECUTION taken on a FAIL verdict.
var phaseTransitions = map[string][]string{
	domain.PhasePlanning:     {domain.PhaseExecution, domain.PhaseCancelled, domain.PhaseFailed},
	domain.PhaseExecution:    {domain.PhaseVerification, domain.PhaseCancelled, domain.PhaseFailed},
	domain.PhaseVerification: {domain.PhaseExecution, domain.PhaseComplete, domain.PhaseCancelled, domain.PhaseFailed},
}

// SetPhase advances the project phase through the guarded transition table.
func (e Engine) SetPhase(ctx context.Context, project, team, phase, actorID string) (domain.Project, error) {
	path := e.Store.ProjectPath(project, team)
	var out domain.Project
	err := flock.WithLock(e.Locks, path, e.lockTimeout(), func() error {
		p, err := e.Store.ReadProject(project, team)
		if err != nil {
			return err
		}
		if p.Phase == phase {
			out = p
			return nil
		}
		allowed := false
		for _, next := range phaseTransitions[p.Phase] {
			if next == phase {
				allowed = true
				break
			}
		}
		if !allowed {
			return &TransitionError{Entity: "project", From: p.Phase, To: phase}
		}
		p.Phase = phase
		if err := e.Store.WriteProject(p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.appendEvent("project.phase", project, team, "project", project, actorID, events.EventPayload{"phase": phase})
	return out, nil
}

// CalculateWaves (re)computes the wave partition for the current task set
// and persists it. History is preserved: verified and failed waves keep
// their recorded id, membership and status, and new layers are appended
// after them. The waves file lock serializes recomputation so a concurrent
// recompute cannot interleave with this one.
func (e Engine) CalculateWaves(ctx context.Context, project, team, actorID string) ([]domain.Wave, error) {
	if _, err := e.Store.ReadProject(project, team); err != nil {
		return nil, err
	}
	path := e.Store.WavesPath(project, team)
	var out []domain.Wave
	err := flock.WithLock(e.Locks, path, e.lockTimeout(), func() error {
		tasks, err := e.Store.ListTasks(project, team)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return validationf("project %s/%s has no tasks", project, team)
		}
		existing, err := e.Store.ReadWaves(project, team)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		var ws []domain.Wave
		if len(existing.Waves) == 0 {
			ws, err = waves.Calculate(tasks)
		} else {
			ws, err = waves.Recalculate(existing.Waves, tasks)
		}
		if err != nil {
			return err
		}
		current := 0
		for _, w := range ws {
			if w.Status == domain.WaveInProgress {
				current = w.ID
				break
			}
		}
		if err := e.Store.WriteWaves(project, team, domain.WaveSet{Waves: ws, Current: current}); err != nil {
			return err
		}
		waveOf := make(map[string]int)
		for _, w := range ws {
			for _, id := range w.Tasks {
				waveOf[id] = w.ID
			}
		}
		for _, t := range tasks {
			n, ok := waveOf[t.ID]
			if !ok {
				continue
			}
			if err := e.stampWave(project, team, t.ID, n); err != nil {
				return err
			}
		}
		out = ws
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.appendEvent("waves.calculated", project, team, "waves", "", actorID, events.EventPayload{"count": len(out)})
	return out, nil
}

// stampWave records one task's wave assignment through the task's own file
// lock. The document is re-read under the lock and only the wave field
// changes, so a claim or resolve landing after the scheduler's snapshot is
// never clobbered with stale status fields.
func (e Engine) stampWave(project, team, taskID string, wave int) error {
	path := e.Store.TaskPath(project, team, taskID)
	return flock.WithLock(e.Locks, path, e.lockTimeout(), func() error {
		t, err := e.Store.ReadTask(project, team, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if t.Wave != nil && *t.Wave == wave {
			return nil
		}
		t.Wave = &wave
		return e.Store.WriteTask(project, team, t)
	})
}

// WaveStatus is the aggregate view of one wave.
type WaveStatus struct {
	Wave     domain.Wave `json:"wave"`
	Total    int         `json:"total"`
	Open     int         `json:"open"`
	Claimed  int         `json:"claimed"`
	Resolved int         `json:"resolved"`
	Complete bool        `json:"complete"`
}

// GetWaveStatus reports wave membership counts from fresh task state.
// waveID 0 means the current wave.
func (e Engine) GetWaveStatus(ctx context.Context, project, team string, waveID int) (WaveStatus, error) {
	ws, err := e.Store.ReadWaves(project, team)
	if err != nil {
		return WaveStatus{}, err
	}
	if waveID == 0 {
		waveID = ws.Current
	}
	w := ws.Wave(waveID)
	if w == nil {
		return WaveStatus{}, fmt.Errorf("%w: wave %d", store.ErrNotFound, waveID)
	}
	status := WaveStatus{Wave: *w, Total: len(w.Tasks)}
	for _, id := range w.Tasks {
		t, err := e.Store.ReadTask(project, team, id)
		if err != nil {
			return WaveStatus{}, err
		}
		switch t.Status {
		case domain.StatusInProgress:
			status.Claimed++
		case domain.StatusResolved:
			status.Resolved++
		default:
			status.Open++
		}
	}
	status.Complete = status.Total > 0 && status.Resolved == status.Total
	return status, nil
}

// waveTransitions guards wave status updates.
var waveTransitions = map[string][]string{
	domain.WavePending:    {domain.WaveInProgress},
	domain.WaveInProgress: {domain.WaveVerifying},
	domain.WaveVerifying:  {domain.WaveVerified, domain.WaveFailed},
	domain.WaveFailed:     {},
	domain.WaveVerified:   {},
}

// UpdateWaveStatus moves one wave through its lifecycle and persists the
// wave set, stamping started_at / verified_at at the matching edges.
func (e Engine) UpdateWaveStatus(ctx context.Context, project, team string, waveID int, status, actorID string) error {
	switch status {
	case domain.WavePending, domain.WaveInProgress, domain.WaveVerifying, domain.WaveVerified, domain.WaveFailed:
	default:
		return validationf("unknown wave status %q", status)
	}
	path := e.Store.WavesPath(project, team)
	err := flock.WithLock(e.Locks, path, e.lockTimeout(), func() error {
		ws, err := e.Store.ReadWaves(project, team)
		if err != nil {
			return err
		}
		w := ws.Wave(waveID)
		if w == nil {
			return fmt.Errorf("%w: wave %d", store.ErrNotFound, waveID)
		}
		if w.Status == status {
			return nil
		}
		allowed := false
		for _, next := range waveTransitions[w.Status] {
			if next == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return &TransitionError{Entity: "wave", From: w.Status, To: status}
		}
		now := e.stamp()
		w.Status = status
		switch status {
		case domain.WaveInProgress:
			w.StartedAt = &now
			ws.Current = w.ID
		case domain.WaveVerified, domain.WaveFailed:
			w.VerifiedAt = &now
		}
		return e.Store.WriteWaves(project, team, ws)
	})
	if err != nil {
		return err
	}
	e.appendEvent("wave.status", project, team, "wave", fmt.Sprintf("%d", waveID), actorID, events.EventPayload{"status": status})
	return nil
}

// CleanProject deletes tasks, verification artifacts, waves and worker loop
// state, resets stats to zero and stamps cleaned_at. Identity, goal and
// created_at survive, so the project can restart without re-creating
// itself. A second clean is a no-op; the returned flag reports it.
func (e Engine) CleanProject(ctx context.Context, project, team, actorID string) (domain.Project, bool, error) {
	path := e.Store.ProjectPath(project, team)
	var out domain.Project
	already := false
	err := flock.WithLock(e.Locks, path, e.lockTimeout(), func() error {
		p, err := e.Store.ReadProject(project, team)
		if err != nil {
			return err
		}
		tasks, err := e.Store.ListTasks(project, team)
		if err != nil {
			return err
		}
		if p.CleanedAt != nil && len(tasks) == 0 {
			out, already = p, true
			return nil
		}
		if err := e.Store.RemoveWorkArtifacts(project, team); err != nil {
			return err
		}
		now := e.stamp()
		p.Stats = domain.Stats{}
		p.Phase = domain.PhasePlanning
		p.CleanedAt = &now
		if err := e.Store.WriteProject(p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Project{}, false, err
	}
	if !already {
		e.appendEvent("project.cleaned", project, team, "project", project, actorID, nil)
	}
	return out, already, nil
}
