package loop_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"waveline/internal/config"
	"waveline/internal/domain"
	"waveline/internal/engine"
	"waveline/internal/loop"
	"waveline/internal/store"
)

const (
	proj = "shop"
	team = "alpha"
)

func newController(t *testing.T, cfg *config.Config) loop.Controller {
	t.Helper()
	st := store.New(t.TempDir())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st.Now = func() time.Time { return now }
	e := engine.New(st, cfg)
	e.Now = st.Now
	c := loop.New(e)
	c.Now = st.Now
	return c
}

func seedProject(t *testing.T, c loop.Controller, taskDeps map[string][]string) {
	t.Helper()
	ctx := context.Background()
	if _, err := c.Engine.CreateProject(ctx, proj, team, "ship it", "tester"); err != nil {
		t.Fatal(err)
	}
	// Create roots before dependents.
	created := map[string]bool{}
	for len(created) < len(taskDeps) {
		progressed := false
		for id, deps := range taskDeps {
			if created[id] {
				continue
			}
			ready := true
			for _, d := range deps {
				if !created[d] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			_, err := c.Engine.CreateTask(ctx, engine.TaskCreateOptions{
				Project: proj, Team: team, ID: id, Title: "task " + id, BlockedBy: deps, ActorID: "tester",
			})
			if err != nil {
				t.Fatal(err)
			}
			created[id] = true
			progressed = true
		}
		if !progressed {
			t.Fatal("seed graph has a cycle")
		}
	}
}

func cleanEvidence() []domain.Evidence {
	return []domain.Evidence{
		{Type: domain.EvidenceCommand, Command: "make test", Output: "all green"},
		{Type: domain.EvidenceNote, Note: "implemented and reviewed"},
	}
}

func resolveClean(t *testing.T, c loop.Controller, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		if _, err := c.Engine.ClaimTask(ctx, proj, team, id, "w1"); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Engine.ResolveTask(ctx, proj, team, id, "w1", cleanEvidence()); err != nil {
			t.Fatal(err)
		}
	}
}

func phase(t *testing.T, c loop.Controller) string {
	t.Helper()
	p, err := c.Engine.GetProject(context.Background(), proj, team)
	if err != nil {
		t.Fatal(err)
	}
	return p.Phase
}

func TestStartExecution(t *testing.T) {
	c := newController(t, config.Default())
	seedProject(t, c, map[string][]string{"a": nil, "b": {"a"}})
	ctx := context.Background()

	ws, err := c.StartExecution(ctx, proj, team, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 2 {
		t.Fatalf("waves = %v", ws)
	}
	if got := phase(t, c); got != domain.PhaseExecution {
		t.Fatalf("phase = %s", got)
	}
	// Starting twice is rejected; the project already left PLANNING.
	if _, err := c.StartExecution(ctx, proj, team, "tester"); err == nil {
		t.Fatal("second start must fail")
	}
}

func TestAdvanceHappyPath(t *testing.T) {
	c := newController(t, config.Default())
	seedProject(t, c, map[string][]string{"a": nil, "b": nil, "c": {"a", "b"}})
	ctx := context.Background()
	if _, err := c.StartExecution(ctx, proj, team, "tester"); err != nil {
		t.Fatal(err)
	}

	// Wave 1 incomplete: the loop keeps going, nothing changes.
	res, err := c.Advance(ctx, proj, team, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Continue || !strings.Contains(res.Reason, "wave 1") {
		t.Fatalf("result = %+v", res)
	}

	// Wave 1 done and clean: verified, wave 2 opens, back to execution.
	resolveClean(t, c, "a", "b")
	res, err = c.Advance(ctx, proj, team, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Continue || !strings.Contains(res.Reason, "wave 2 open") {
		t.Fatalf("result = %+v", res)
	}
	if got := phase(t, c); got != domain.PhaseExecution {
		t.Fatalf("phase = %s", got)
	}
	v, err := c.Engine.Store.ReadVerification(proj, team, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Verdict != domain.VerdictPass {
		t.Fatalf("wave 1 record = %+v", v)
	}

	// Wave 2 done: final pass runs and the project completes.
	resolveClean(t, c, "c")
	res, err = c.Advance(ctx, proj, team, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Continue {
		t.Fatalf("result = %+v", res)
	}
	if got := phase(t, c); got != domain.PhaseComplete {
		t.Fatalf("phase = %s", got)
	}
	final, err := c.Engine.Store.ReadVerification(proj, team, 0)
	if err != nil {
		t.Fatal(err)
	}
	if final.Wave != 0 || final.Verdict != domain.VerdictPass {
		t.Fatalf("final record = %+v", final)
	}

	// Advancing a complete project is a terminal no-op.
	res, err = c.Advance(ctx, proj, team, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Continue || !strings.Contains(res.Reason, "complete") {
		t.Fatalf("result = %+v", res)
	}
}

func TestAdvanceFailSynthesizesFixTasks(t *testing.T) {
	c := newController(t, config.Default())
	seedProject(t, c, map[string][]string{"a": nil})
	ctx := context.Background()
	if _, err := c.StartExecution(ctx, proj, team, "tester"); err != nil {
		t.Fatal(err)
	}

	// Two evidence entries so the floor is met and the blocked pattern is
	// the single issue.
	if _, err := c.Engine.ClaimTask(ctx, proj, team, "a", "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Engine.ResolveTask(ctx, proj, team, "a", "w1", []domain.Evidence{
		{Type: domain.EvidenceNote, Note: "did the thing, should work"},
		{Type: domain.EvidenceNote, Note: "pushed"},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := c.Advance(ctx, proj, team, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Continue || !strings.Contains(res.Reason, "failed verification") {
		t.Fatalf("result = %+v", res)
	}
	if got := phase(t, c); got != domain.PhaseExecution {
		t.Fatalf("phase after fail = %s", got)
	}

	// The failed wave is anchored as history.
	ws, err := c.Engine.Store.ReadWaves(proj, team)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Waves[0].Status != domain.WaveFailed {
		t.Fatalf("wave 1 status = %s", ws.Waves[0].Status)
	}
	if len(ws.Waves) != 2 || ws.Waves[1].Status != domain.WaveInProgress {
		t.Fatalf("fix wave not opened: %+v", ws.Waves)
	}

	// Exactly one fix task, blocked by the offender, created past PLANNING.
	tasks, err := c.Engine.ListTasks(ctx, proj, team, domain.StatusOpen, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("open tasks = %v", tasks)
	}
	fix := tasks[0]
	if !strings.HasPrefix(fix.ID, "fix-") {
		t.Fatalf("fix id = %s", fix.ID)
	}
	if len(fix.BlockedBy) != 1 || fix.BlockedBy[0] != "a" {
		t.Fatalf("fix blocked_by = %v", fix.BlockedBy)
	}

	// Same issue on a later cycle maps to the same id and is not duplicated.
	v, err := c.Engine.Store.ReadVerification(proj, team, 1)
	if err != nil {
		t.Fatal(err)
	}
	if again, err := c.SynthesizeFixTasks(ctx, proj, team, v.Issues, "tester"); err != nil {
		t.Fatal(err)
	} else if len(again) != 0 {
		t.Fatalf("duplicate synthesis created %v", again)
	}
}

func TestAdvanceFinalFailRecovery(t *testing.T) {
	c := newController(t, config.Default())
	seedProject(t, c, map[string][]string{"a": nil, "b": {"a"}})
	ctx := context.Background()
	if _, err := c.StartExecution(ctx, proj, team, "tester"); err != nil {
		t.Fatal(err)
	}

	resolveClean(t, c, "a")
	if _, err := c.Advance(ctx, proj, team, "tester"); err != nil {
		t.Fatal(err)
	}

	// Poison the already-verified wave 1 task, then finish wave 2 cleanly:
	// wave 2's own check passes, the final whole-project pass does not.
	if _, err := c.Engine.AddEvidence(ctx, proj, team, "a", "ci", []domain.Evidence{
		{Type: domain.EvidenceNote, Note: "FIXME left in handler"},
	}); err != nil {
		t.Fatal(err)
	}
	resolveClean(t, c, "b")
	res, err := c.Advance(ctx, proj, team, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Continue || !strings.Contains(res.Reason, "final check") {
		t.Fatalf("result = %+v", res)
	}
	if got := phase(t, c); got != domain.PhaseExecution {
		t.Fatalf("phase = %s", got)
	}

	// Wave 2 keeps its verified status; only the final pass failed.
	ws, err := c.Engine.Store.ReadWaves(proj, team)
	if err != nil {
		t.Fatal(err)
	}
	if w := ws.Wave(2); w == nil || w.Status != domain.WaveVerified {
		t.Fatalf("wave 2 = %+v", w)
	}
	final, err := c.Engine.Store.ReadVerification(proj, team, 0)
	if err != nil {
		t.Fatal(err)
	}
	if final.Verdict != domain.VerdictFail {
		t.Fatalf("final record = %+v", final)
	}
}

func TestAdvanceRepeatedFinalFailureReportsStuck(t *testing.T) {
	c := newController(t, config.Default())
	seedProject(t, c, map[string][]string{"a": nil, "b": {"a"}})
	ctx := context.Background()
	if _, err := c.StartExecution(ctx, proj, team, "tester"); err != nil {
		t.Fatal(err)
	}

	resolveClean(t, c, "a")
	if _, err := c.Advance(ctx, proj, team, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Engine.AddEvidence(ctx, proj, team, "a", "ci", []domain.Evidence{
		{Type: domain.EvidenceNote, Note: "FIXME left in handler"},
	}); err != nil {
		t.Fatal(err)
	}
	resolveClean(t, c, "b")
	if _, err := c.Advance(ctx, proj, team, "tester"); err != nil {
		t.Fatal(err)
	}

	// Resolving the fix task does not cure the poisoned task, so the final
	// pass fails again with the same issue and the same deterministic fix
	// id. No new fix work can be created; the loop must say stuck instead
	// of claiming fix tasks were made and stranding the wave pointer.
	fixes, err := c.Engine.ListTasks(ctx, proj, team, domain.StatusOpen, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(fixes) != 1 {
		t.Fatalf("open fix tasks = %v", fixes)
	}
	resolveClean(t, c, fixes[0].ID)

	res, err := c.Advance(ctx, proj, team, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Continue || !strings.Contains(res.Reason, "stuck") {
		t.Fatalf("result = %+v", res)
	}

	// The loop stays callable: a further step reports stuck again rather
	// than erroring on a missing current wave.
	res, err = c.Advance(ctx, proj, team, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Continue {
		t.Fatalf("result = %+v", res)
	}
}

func TestFinalFailureCountsTowardCeiling(t *testing.T) {
	cfg := config.Default()
	cfg.Loop.MaxIterations = 1
	c := newController(t, cfg)
	seedProject(t, c, map[string][]string{"a": nil, "b": {"a"}})
	ctx := context.Background()
	if _, err := c.StartExecution(ctx, proj, team, "tester"); err != nil {
		t.Fatal(err)
	}

	resolveClean(t, c, "a")
	if _, err := c.Advance(ctx, proj, team, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Engine.AddEvidence(ctx, proj, team, "a", "ci", []domain.Evidence{
		{Type: domain.EvidenceNote, Note: "FIXME left in handler"},
	}); err != nil {
		t.Fatal(err)
	}
	resolveClean(t, c, "b")

	// No wave ever fails on this path; the final FAIL alone must trip the
	// ceiling.
	res, err := c.Advance(ctx, proj, team, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Continue || !strings.Contains(res.Reason, "stuck") {
		t.Fatalf("result = %+v", res)
	}
	tasks, err := c.Engine.ListTasks(ctx, proj, team, domain.StatusOpen, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("fix tasks created past the ceiling: %v", tasks)
	}
}

func TestAdvanceStuckCeiling(t *testing.T) {
	cfg := config.Default()
	cfg.Loop.MaxIterations = 1
	c := newController(t, cfg)
	seedProject(t, c, map[string][]string{"a": nil})
	ctx := context.Background()
	if _, err := c.StartExecution(ctx, proj, team, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Engine.ClaimTask(ctx, proj, team, "a", "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Engine.ResolveTask(ctx, proj, team, "a", "w1", []domain.Evidence{
		{Type: domain.EvidenceNote, Note: "placeholder impl"},
		{Type: domain.EvidenceNote, Note: "pushed"},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := c.Advance(ctx, proj, team, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Continue || !strings.Contains(res.Reason, "stuck") {
		t.Fatalf("result = %+v", res)
	}
	// No fix tasks once the ceiling is hit.
	tasks, err := c.Engine.ListTasks(ctx, proj, team, domain.StatusOpen, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("fix tasks created past the ceiling: %v", tasks)
	}
}

func TestAdvanceBeforeStartDoesNotContinue(t *testing.T) {
	c := newController(t, config.Default())
	seedProject(t, c, map[string][]string{"a": nil})
	res, err := c.Advance(context.Background(), proj, team, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Continue {
		t.Fatalf("planning project must not continue: %+v", res)
	}
}

func TestIteratePersistsLoopState(t *testing.T) {
	c := newController(t, config.Default())
	seedProject(t, c, map[string][]string{"a": nil})
	ctx := context.Background()
	if _, err := c.StartExecution(ctx, proj, team, "tester"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Iterate(ctx, proj, team, "worker-7"); err != nil {
			t.Fatal(err)
		}
	}
	ls, err := c.Engine.Store.ReadLoopState("worker-7")
	if err != nil {
		t.Fatal(err)
	}
	if ls.Iteration != 2 || ls.WorkerID != "worker-7" {
		t.Fatalf("loop state = %+v", ls)
	}
	if ls.LastResult == nil || !ls.LastResult.Continue {
		t.Fatalf("last result = %+v", ls.LastResult)
	}
	if ls.Phase != domain.PhaseExecution {
		t.Fatalf("phase = %s", ls.Phase)
	}

	// An unknown worker has no state yet.
	if _, err := c.Engine.Store.ReadLoopState("nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
