// Package events appends an audit trail of mutations to a per-team
// events.log, one JSON object per line.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Writer struct {
	Path func(project, team string) string
	Now  func() time.Time
}

type EventPayload map[string]any

// Event is one ledger line.
type Event struct {
	TS         string       `json:"ts"`
	Type       string       `json:"type"`
	Project    string       `json:"project"`
	Team       string       `json:"team"`
	EntityKind string       `json:"entity_kind"`
	EntityID   string       `json:"entity_id,omitempty"`
	ActorID    string       `json:"actor_id"`
	Payload    EventPayload `json:"payload"`
}

// Append writes one event line. The write is a single O_APPEND syscall of
// one line, which is atomic for the line sizes involved; high-contention
// deployments serialize callers with the task or project lock they already
// hold.
func (w Writer) Append(evtType, project, team, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	ev := Event{
		TS:         now().UTC().Format(time.RFC3339),
		Type:       evtType,
		Project:    project,
		Team:       team,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	path := w.Path(project, team)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Tail returns up to limit most recent events, oldest first.
func (w Writer) Tail(project, team string, limit int) ([]Event, error) {
	data, err := os.ReadFile(w.Path(project, team))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Event
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				var ev Event
				if err := json.Unmarshal(data[start:i], &ev); err != nil {
					return nil, fmt.Errorf("parse events.log: %w", err)
				}
				out = append(out, ev)
			}
			start = i + 1
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
