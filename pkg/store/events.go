package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zirconsol/drshaq-backend/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// DB is the slice of pgxpool.Pool the repositories need; tests substitute
// fakes, integration tests pass the real pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ DB = (*pgxpool.Pool)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type EventRepo struct {
	DB DB
}

const eventColumns = `id, event_type, product_id, catalog_id, request_id, page, source,
	session_id, visitor_id, idempotency_key, write_key_id,
	utm_source, utm_medium, utm_campaign, referrer, occurred_at, received_at`

// Insert persists an analytics event. When the idempotency key collides
// with a previously stored event the unique index fires; the losing writer
// requeries and hands back the stored row so duplicates are indistinguishable
// from the first delivery. Returns created=false for such replays.
func (r *EventRepo) Insert(ctx context.Context, ev *models.AnalyticsEvent) (*models.AnalyticsEvent, bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = ev.ReceivedAt
	}
	_, err := insertEvent(ctx, r.DB, ev)
	if err == nil {
		return ev, true, nil
	}
	if !isUniqueViolation(err) || ev.IdempotencyKey == "" {
		return nil, false, err
	}
	existing, err := r.getByIdempotencyKey(ctx, ev.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEvent(ctx context.Context, db execer, ev *models.AnalyticsEvent) (pgconn.CommandTag, error) {
	return db.Exec(ctx, `
		INSERT INTO analytics_events (`+eventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, ev.ID, ev.EventType, nullStr(ev.ProductID), nullStr(ev.CatalogID), nullStr(ev.RequestID),
		nullStr(ev.Page), nullStr(ev.Source), ev.SessionID, nullStr(ev.VisitorID),
		nullStr(ev.IdempotencyKey), nullStr(ev.WriteKeyID),
		nullStr(ev.UTMSource), nullStr(ev.UTMMedium), nullStr(ev.UTMCampaign), nullStr(ev.Referrer),
		ev.OccurredAt, ev.ReceivedAt)
}

func (r *EventRepo) getByIdempotencyKey(ctx context.Context, key string) (*models.AnalyticsEvent, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+eventCoalesced+`
		FROM analytics_events WHERE idempotency_key=$1
	`, key)
	return scanEvent(row)
}

const eventCoalesced = `id, event_type, COALESCE(product_id,''), COALESCE(catalog_id,''),
	COALESCE(request_id,''), COALESCE(page,''), COALESCE(source,''), session_id,
	COALESCE(visitor_id,''), COALESCE(idempotency_key,''), COALESCE(write_key_id,''),
	COALESCE(utm_source,''), COALESCE(utm_medium,''), COALESCE(utm_campaign,''),
	COALESCE(referrer,''), occurred_at, received_at`

func scanEvent(row pgx.Row) (*models.AnalyticsEvent, error) {
	var ev models.AnalyticsEvent
	err := row.Scan(&ev.ID, &ev.EventType, &ev.ProductID, &ev.CatalogID, &ev.RequestID,
		&ev.Page, &ev.Source, &ev.SessionID, &ev.VisitorID, &ev.IdempotencyKey, &ev.WriteKeyID,
		&ev.UTMSource, &ev.UTMMedium, &ev.UTMCampaign, &ev.Referrer, &ev.OccurredAt, &ev.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
