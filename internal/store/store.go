// Package store persists Waveline entities as one JSON document per file
// under a fixed base directory:
//
//	{base}/{project}/{team}/project.json
//	{base}/{project}/{team}/tasks/{task_id}.json
//	{base}/{project}/{team}/waves.json
//	{base}/{project}/{team}/verification/wave-{n}.json
//	{base}/{project}/{team}/verification/final.json
//	{base}/.loop-state/{worker_id}.json
//
// Writes are atomic: marshal to a sibling temp file, then rename over the
// target, so readers never observe a partial document. The store itself does
// no locking; callers needing read-modify-write atomicity wrap the sequence
// in a flock keyed on the target path.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"waveline/internal/domain"
)

// ErrNotFound distinguishes "never existed" from "exists but empty".
var ErrNotFound = errors.New("not found")

type Store struct {
	Base string
	Now  func() time.Time
}

func New(base string) Store {
	return Store{Base: base, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// TeamDir returns the namespace directory for (project, team).
func (s Store) TeamDir(project, team string) string {
	return filepath.Join(s.Base, project, team)
}

func (s Store) ProjectPath(project, team string) string {
	return filepath.Join(s.TeamDir(project, team), "project.json")
}

func (s Store) TasksDir(project, team string) string {
	return filepath.Join(s.TeamDir(project, team), "tasks")
}

func (s Store) TaskPath(project, team, taskID string) string {
	return filepath.Join(s.TasksDir(project, team), taskID+".json")
}

func (s Store) WavesPath(project, team string) string {
	return filepath.Join(s.TeamDir(project, team), "waves.json")
}

func (s Store) VerificationDir(project, team string) string {
	return filepath.Join(s.TeamDir(project, team), "verification")
}

// VerificationPath returns the record path for wave n; n == 0 is the final
// whole-project pass.
func (s Store) VerificationPath(project, team string, wave int) string {
	name := "final.json"
	if wave > 0 {
		name = fmt.Sprintf("wave-%d.json", wave)
	}
	return filepath.Join(s.VerificationDir(project, team), name)
}

func (s Store) EventsPath(project, team string) string {
	return filepath.Join(s.TeamDir(project, team), "events.log")
}

func (s Store) LoopStateDir() string {
	return filepath.Join(s.Base, ".loop-state")
}

func (s Store) LoopStatePath(workerID string) string {
	return filepath.Join(s.LoopStateDir(), workerID+".json")
}

// writeJSON atomically replaces path with the serialized entity.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (s Store) ReadProject(project, team string) (domain.Project, error) {
	var p domain.Project
	if err := readJSON(s.ProjectPath(project, team), &p); err != nil {
		return p, err
	}
	// Default-fill so documents written before a field existed still load.
	if p.Project == "" {
		p.Project = project
	}
	if p.Team == "" {
		p.Team = team
	}
	if p.Phase == "" {
		p.Phase = domain.PhasePlanning
	}
	return p, nil
}

// WriteProject persists p, always refreshing updated_at.
func (s Store) WriteProject(p domain.Project) error {
	p.UpdatedAt = s.stamp()
	return writeJSON(s.ProjectPath(p.Project, p.Team), p)
}

func (s Store) ReadTask(project, team, taskID string) (domain.Task, error) {
	var t domain.Task
	if err := readJSON(s.TaskPath(project, team, taskID), &t); err != nil {
		return t, err
	}
	if t.ID == "" {
		t.ID = taskID
	}
	if t.Status == "" {
		t.Status = domain.StatusOpen
	}
	if t.Role == "" {
		t.Role = "general"
	}
	return t, nil
}

func (s Store) WriteTask(project, team string, t domain.Task) error {
	t.UpdatedAt = s.stamp()
	return writeJSON(s.TaskPath(project, team, t.ID), t)
}

// ListTasks reads every task document for (project, team), sorted by id.
// A missing tasks directory yields an empty list, not an error: a project
// with no tasks yet is a normal state.
func (s Store) ListTasks(project, team string) ([]domain.Task, error) {
	entries, err := os.ReadDir(s.TasksDir(project, team))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var tasks []domain.Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		t, err := s.ReadTask(project, team, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (s Store) ReadWaves(project, team string) (domain.WaveSet, error) {
	var ws domain.WaveSet
	err := readJSON(s.WavesPath(project, team), &ws)
	return ws, err
}

func (s Store) WriteWaves(project, team string, ws domain.WaveSet) error {
	ws.UpdatedAt = s.stamp()
	return writeJSON(s.WavesPath(project, team), ws)
}

func (s Store) ReadVerification(project, team string, wave int) (domain.Verification, error) {
	var v domain.Verification
	err := readJSON(s.VerificationPath(project, team, wave), &v)
	return v, err
}

func (s Store) WriteVerification(project, team string, v domain.Verification) error {
	return writeJSON(s.VerificationPath(project, team, v.Wave), v)
}

func (s Store) ReadLoopState(workerID string) (domain.LoopState, error) {
	var ls domain.LoopState
	err := readJSON(s.LoopStatePath(workerID), &ls)
	return ls, err
}

func (s Store) WriteLoopState(ls domain.LoopState) error {
	ls.UpdatedAt = s.stamp()
	return writeJSON(s.LoopStatePath(ls.WorkerID), ls)
}

// RemoveWorkArtifacts deletes the tasks, verification and waves documents
// for (project, team) plus any worker loop state, leaving project.json in
// place. Used by project clean.
func (s Store) RemoveWorkArtifacts(project, team string) error {
	for _, dir := range []string{s.TasksDir(project, team), s.VerificationDir(project, team), s.LoopStateDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	for _, f := range []string{s.WavesPath(project, team), s.EventsPath(project, team)} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
