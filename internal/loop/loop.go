// Package loop drives a project through its phases: it opens waves, detects
// wave completion, runs verification, and on a FAIL verdict synthesizes
// corrective tasks and re-enters execution. Failure is never terminal by
// itself; the loop keeps turning FAIL verdicts into scoped fix work until
// the project completes or the iteration ceiling is hit, at which point it
// reports stuck instead of spinning.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"waveline/internal/domain"
	"waveline/internal/engine"
	"waveline/internal/store"
	"waveline/internal/verify"
)

type Controller struct {
	Engine  engine.Engine
	Checker verify.Checker
	Now     func() time.Time
}

func New(e engine.Engine) Controller {
	return Controller{
		Engine:  e,
		Checker: verify.Checker{Config: e.Config, Build: verify.ShellRunner{}},
		Now:     time.Now,
	}
}

func (c Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// StartExecution fires the one-way PLANNING -> EXECUTION edge: waves are
// calculated from the task graph and the project enters execution. After
// this point only fix tasks may be added.
func (c Controller) StartExecution(ctx context.Context, project, team, actorID string) ([]domain.Wave, error) {
	p, err := c.Engine.GetProject(ctx, project, team)
	if err != nil {
		return nil, err
	}
	if p.Phase != domain.PhasePlanning {
		return nil, fmt.Errorf("project %s/%s is in phase %s, expected PLANNING", project, team, p.Phase)
	}
	ws, err := c.Engine.CalculateWaves(ctx, project, team, actorID)
	if err != nil {
		return nil, err
	}
	if _, err := c.Engine.SetPhase(ctx, project, team, domain.PhaseExecution, actorID); err != nil {
		return nil, err
	}
	return ws, nil
}

// Advance performs one controller step against fresh state and reports
// whether the loop should continue. It is safe to call repeatedly from any
// worker; every decision re-reads the task files rather than trusting
// cached counts.
func (c Controller) Advance(ctx context.Context, project, team, actorID string) (domain.Result, error) {
	p, err := c.Engine.GetProject(ctx, project, team)
	if err != nil {
		return domain.Result{}, err
	}
	switch p.Phase {
	case domain.PhasePlanning:
		return domain.Result{Continue: false, Reason: "planning: task graph not yet frozen"}, nil
	case domain.PhaseComplete:
		return domain.Result{Continue: false, Reason: "project complete"}, nil
	case domain.PhaseCancelled, domain.PhaseFailed:
		return domain.Result{Continue: false, Reason: "project is " + p.Phase}, nil
	}

	ws, err := c.Engine.Store.ReadWaves(project, team)
	if err != nil {
		return domain.Result{}, err
	}
	cur := ws.CurrentWave()
	if cur == nil {
		return domain.Result{}, fmt.Errorf("%w: current wave", store.ErrNotFound)
	}

	if p.Phase == domain.PhaseExecution {
		status, err := c.Engine.GetWaveStatus(ctx, project, team, cur.ID)
		if err != nil {
			return domain.Result{}, err
		}
		if !status.Complete {
			return domain.Result{
				Continue: true,
				Reason:   fmt.Sprintf("wave %d: %d/%d tasks resolved", cur.ID, status.Resolved, status.Total),
			}, nil
		}
		if err := c.Engine.UpdateWaveStatus(ctx, project, team, cur.ID, domain.WaveVerifying, actorID); err != nil {
			return domain.Result{}, err
		}
		if _, err := c.Engine.SetPhase(ctx, project, team, domain.PhaseVerification, actorID); err != nil {
			return domain.Result{}, err
		}
	}

	return c.runVerification(ctx, project, team, cur.ID, actorID)
}

// runVerification verifies the given wave and acts on the verdict: PASS
// advances to the next wave or to the final whole-project check; FAIL marks
// the wave failed and synthesizes fix tasks.
func (c Controller) runVerification(ctx context.Context, project, team string, waveID int, actorID string) (domain.Result, error) {
	v, err := c.VerifyWave(ctx, project, team, waveID, actorID)
	if err != nil {
		return domain.Result{}, err
	}
	if v.Verdict == domain.VerdictFail {
		return c.recover(ctx, project, team, waveID, v.Issues, actorID)
	}

	if err := c.Engine.UpdateWaveStatus(ctx, project, team, waveID, domain.WaveVerified, actorID); err != nil {
		return domain.Result{}, err
	}
	ws, err := c.Engine.Store.ReadWaves(project, team)
	if err != nil {
		return domain.Result{}, err
	}
	if next := nextWave(ws, waveID); next != nil {
		if err := c.Engine.UpdateWaveStatus(ctx, project, team, next.ID, domain.WaveInProgress, actorID); err != nil {
			return domain.Result{}, err
		}
		if _, err := c.Engine.SetPhase(ctx, project, team, domain.PhaseExecution, actorID); err != nil {
			return domain.Result{}, err
		}
		return domain.Result{Continue: true, Reason: fmt.Sprintf("wave %d verified, wave %d open", waveID, next.ID)}, nil
	}

	// Last wave: the final pass re-checks every task across all waves and
	// runs the repository-wide build before COMPLETE.
	final, err := c.VerifyFinal(ctx, project, team, actorID)
	if err != nil {
		return domain.Result{}, err
	}
	if final.Verdict == domain.VerdictFail {
		// The closing wave already passed its own verification and stays
		// verified; only the final pass failed, so recovery marks no wave.
		return c.recover(ctx, project, team, 0, final.Issues, actorID)
	}
	if _, err := c.Engine.SetPhase(ctx, project, team, domain.PhaseComplete, actorID); err != nil {
		return domain.Result{}, err
	}
	return domain.Result{Continue: false, Reason: "all waves verified, project complete"}, nil
}

// VerifyWave runs the verdict rules over one wave's member tasks and
// persists the verification record.
func (c Controller) VerifyWave(ctx context.Context, project, team string, waveID int, actorID string) (domain.Verification, error) {
	ws, err := c.Engine.Store.ReadWaves(project, team)
	if err != nil {
		return domain.Verification{}, err
	}
	w := ws.Wave(waveID)
	if w == nil {
		return domain.Verification{}, fmt.Errorf("%w: wave %d", store.ErrNotFound, waveID)
	}
	tasks := make([]domain.Task, 0, len(w.Tasks))
	for _, id := range w.Tasks {
		t, err := c.Engine.Store.ReadTask(project, team, id)
		if err != nil {
			return domain.Verification{}, err
		}
		tasks = append(tasks, t)
	}
	return c.record(ctx, project, team, waveID, tasks, actorID)
}

// VerifyFinal runs the whole-project pass: every task in every wave, plus
// the build command.
func (c Controller) VerifyFinal(ctx context.Context, project, team, actorID string) (domain.Verification, error) {
	tasks, err := c.Engine.Store.ListTasks(project, team)
	if err != nil {
		return domain.Verification{}, err
	}
	return c.record(ctx, project, team, 0, tasks, actorID)
}

func (c Controller) record(ctx context.Context, project, team string, waveID int, tasks []domain.Task, actorID string) (domain.Verification, error) {
	verdict, issues, err := c.Checker.Check(ctx, tasks)
	if err != nil {
		// The verifier itself failed (e.g. build command would not
		// launch). That is an operational error, not a FAIL verdict.
		return domain.Verification{}, err
	}
	v := domain.Verification{
		Wave:      waveID,
		Verdict:   verdict,
		Issues:    issues,
		CheckedAt: c.now().UTC().Format(time.RFC3339),
	}
	if err := c.Engine.Store.WriteVerification(project, team, v); err != nil {
		return domain.Verification{}, err
	}
	scope := fmt.Sprintf("%d", waveID)
	if waveID == 0 {
		scope = "final"
	}
	if err := c.Engine.Events.Append("verification."+scope, project, team, "verification", scope, actorID, map[string]any{
		"verdict": verdict,
		"issues":  len(issues),
	}); err != nil {
		log.Printf("events: append verification.%s for %s/%s: %v", scope, project, team, err)
	}
	return v, nil
}

// recover is the FAIL edge: mark the wave failed, synthesize one fix task
// per issue blocked by the implicated tasks, recompute waves with history
// preserved, and resume execution. The ceiling on fail cycles keeps a
// pathological project from looping forever.
func (c Controller) recover(ctx context.Context, project, team string, waveID int, issues []domain.Issue, actorID string) (domain.Result, error) {
	if waveID > 0 {
		if err := c.Engine.UpdateWaveStatus(ctx, project, team, waveID, domain.WaveFailed, actorID); err != nil {
			return domain.Result{}, err
		}
	}
	cycles, err := c.failCycles(project, team)
	if err != nil {
		return domain.Result{}, err
	}
	if cycles >= c.Engine.Config.Loop.MaxIterations {
		return domain.Result{
			Continue: false,
			Reason:   fmt.Sprintf("stuck: %d failed verification cycles reached the ceiling of %d", cycles, c.Engine.Config.Loop.MaxIterations),
		}, nil
	}
	scope := fmt.Sprintf("wave %d", waveID)
	if waveID == 0 {
		scope = "final check"
	}
	fixes, err := c.SynthesizeFixTasks(ctx, project, team, issues, actorID)
	if err != nil {
		return domain.Result{}, err
	}
	if len(fixes) == 0 {
		// Every issue mapped to a fix task that already exists, so there is
		// no new work to schedule. Recomputing waves here would leave no
		// current wave at all; the project stays in VERIFICATION and the
		// loop reports stuck rather than pretending progress was made.
		return domain.Result{
			Continue: false,
			Reason:   fmt.Sprintf("stuck: %s failed verification again and no new fix tasks could be created", scope),
		}, nil
	}
	if _, err := c.Engine.CalculateWaves(ctx, project, team, actorID); err != nil {
		return domain.Result{}, err
	}
	if _, err := c.Engine.SetPhase(ctx, project, team, domain.PhaseExecution, actorID); err != nil {
		return domain.Result{}, err
	}
	return domain.Result{
		Continue: true,
		Reason:   fmt.Sprintf("%s failed verification with %d issues, %d fix tasks created", scope, len(issues), len(fixes)),
	}, nil
}

// SynthesizeFixTasks creates exactly one corrective task per issue, each
// blocked by the tasks the issue implicates.
func (c Controller) SynthesizeFixTasks(ctx context.Context, project, team string, issues []domain.Issue, actorID string) ([]domain.Task, error) {
	fixes := make([]domain.Task, 0, len(issues))
	for _, issue := range issues {
		id := "fix-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(project+"|"+team+"|"+issue.Kind+"|"+issue.Detail)).String()[:8]
		t, err := c.Engine.CreateTask(ctx, engine.TaskCreateOptions{
			Project:     project,
			Team:        team,
			ID:          id,
			Title:       fmt.Sprintf("Fix %s: %s", issue.Kind, issue.Detail),
			Description: issue.Detail,
			Role:        "general",
			BlockedBy:   issue.TaskIDs,
			ActorID:     actorID,
			Fix:         true,
		})
		if err != nil {
			// A repeat of the same issue in a later cycle maps to the same
			// id; an existing fix task is left in place.
			var ve *engine.ValidationError
			if errors.As(err, &ve) {
				continue
			}
			return nil, err
		}
		fixes = append(fixes, t)
	}
	return fixes, nil
}

// failCycles counts failed verification cycles so far: waves marked failed
// plus FAIL verdicts from the final whole-project pass. Final failures leave
// no wave marker behind, so they are counted from the event ledger; without
// them a project that only ever fails the final check would never reach the
// ceiling.
func (c Controller) failCycles(project, team string) (int, error) {
	ws, err := c.Engine.Store.ReadWaves(project, team)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, w := range ws.Waves {
		if w.Status == domain.WaveFailed {
			n++
		}
	}
	evs, err := c.Engine.Events.Tail(project, team, 0)
	if err != nil {
		return 0, err
	}
	for _, ev := range evs {
		if ev.Type == "verification.final" && ev.Payload["verdict"] == domain.VerdictFail {
			n++
		}
	}
	return n, nil
}

// Iterate runs one worker loop iteration and persists the worker's loop
// state. The returned Result is the only continuation signal.
func (c Controller) Iterate(ctx context.Context, project, team, workerID string) (domain.Result, error) {
	ls, err := c.Engine.Store.ReadLoopState(workerID)
	if errors.Is(err, store.ErrNotFound) {
		ls = domain.LoopState{
			WorkerID:  workerID,
			Project:   project,
			Team:      team,
			StartedAt: c.now().UTC().Format(time.RFC3339),
		}
	} else if err != nil {
		return domain.Result{}, err
	}
	res, err := c.Advance(ctx, project, team, workerID)
	if err != nil {
		return domain.Result{}, err
	}
	p, err := c.Engine.GetProject(ctx, project, team)
	if err != nil {
		return domain.Result{}, err
	}
	ls.Iteration++
	ls.Phase = p.Phase
	ls.LastResult = &res
	if err := c.Engine.Store.WriteLoopState(ls); err != nil {
		return domain.Result{}, err
	}
	return res, nil
}

func nextWave(ws domain.WaveSet, after int) *domain.Wave {
	var best *domain.Wave
	for i := range ws.Waves {
		w := &ws.Waves[i]
		if w.ID <= after || w.Status == domain.WaveVerified || w.Status == domain.WaveFailed {
			continue
		}
		if best == nil || w.ID < best.ID {
			best = w
		}
	}
	return best
}
