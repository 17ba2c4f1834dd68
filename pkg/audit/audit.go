// Package audit appends before/after snapshots for every write the
// gateway or lifecycle performs. The log is append-only; nothing in this
// package mutates or prunes it.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Entry is one audit row. Before is nil for creations.
type Entry struct {
	ActorID    string         `json:"actor_id"`
	ActorName  string         `json:"actor_name,omitempty"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Before     map[string]any `json:"before_state,omitempty"`
	After      map[string]any `json:"after_state,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Recorder struct {
	DB auditDB
}

func (r *Recorder) Append(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	before, err := marshalState(e.Before)
	if err != nil {
		return err
	}
	after, err := marshalState(e.After)
	if err != nil {
		return err
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO audit_logs
		(actor_id, actor_name, entity_type, entity_id, action, before_state, after_state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ActorID, nullable(e.ActorName), e.EntityType, e.EntityID, e.Action, before, after, e.CreatedAt)
	return err
}

// List returns the newest entries first, optionally filtered by entity.
func (r *Recorder) List(ctx context.Context, entityType, entityID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `
		SELECT actor_id, COALESCE(actor_name, ''), entity_type, entity_id, action, before_state, after_state, created_at
		FROM audit_logs
	`
	args := []any{}
	switch {
	case entityType != "" && entityID != "":
		query += ` WHERE entity_type=$1 AND entity_id=$2 ORDER BY created_at DESC LIMIT $3`
		args = append(args, entityType, entityID, limit)
	case entityType != "":
		query += ` WHERE entity_type=$1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, entityType, limit)
	default:
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var e Entry
		var before, after []byte
		if err := rows.Scan(&e.ActorID, &e.ActorName, &e.EntityType, &e.EntityID, &e.Action, &before, &after, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(before) > 0 {
			_ = json.Unmarshal(before, &e.Before)
		}
		if len(after) > 0 {
			_ = json.Unmarshal(after, &e.After)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalState(state map[string]any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	return json.Marshal(state)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
