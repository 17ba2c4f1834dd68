package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zirconsol/drshaq-backend/pkg/lifecycle"
	"github.com/zirconsol/drshaq-backend/pkg/models"
)

type RequestRepo struct {
	DB DB
}

// Create persists the request, its line items, and the correlated
// request_submitted event in one transaction. A replayed idempotency key
// loses the unique-index race, rolls back, and requeries the winner's row.
func (r *RequestRepo) Create(ctx context.Context, req *models.ProductRequest, ev *models.AnalyticsEvent) (*models.ProductRequest, bool, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = req.CreatedAt
	if req.Status == "" {
		req.Status = lifecycle.Submitted
	}

	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO product_requests
		(id, idempotency_key, session_id, visitor_id, status, page, source,
		 customer_name, customer_email, customer_phone, notes,
		 utm_source, utm_medium, utm_campaign, referrer,
		 total_amount_cents, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, req.ID, nullStr(req.IdempotencyKey), req.SessionID, nullStr(req.VisitorID),
		lifecycle.ToStorage(req.Status), nullStr(req.Page), nullStr(req.Source),
		nullStr(req.CustomerName), nullStr(req.CustomerEmail), nullStr(req.CustomerPhone), nullStr(req.Notes),
		nullStr(req.UTMSource), nullStr(req.UTMMedium), nullStr(req.UTMCampaign), nullStr(req.Referrer),
		req.TotalAmountCents, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) && req.IdempotencyKey != "" {
			existing, lookupErr := r.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	for _, item := range req.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO product_request_items
			(request_id, product_id, product_name, quantity, variant_size, variant_color, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, req.ID, item.ProductID, item.ProductName, item.Quantity,
			nullStr(item.VariantSize), nullStr(item.VariantColor), item.UnitPriceCents); err != nil {
			return nil, false, err
		}
	}

	if ev != nil {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		ev.RequestID = req.ID
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = now
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = ev.ReceivedAt
		}
		if _, err := insertEvent(ctx, tx, ev); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return req, true, nil
}

const requestColumns = `id, COALESCE(idempotency_key,''), session_id, COALESCE(visitor_id,''),
	status, COALESCE(status_reason,''), COALESCE(status_updated_by,''), status_updated_at,
	COALESCE(page,''), COALESCE(source,''),
	COALESCE(customer_name,''), COALESCE(customer_email,''), COALESCE(customer_phone,''), COALESCE(notes,''),
	COALESCE(utm_source,''), COALESCE(utm_medium,''), COALESCE(utm_campaign,''), COALESCE(referrer,''),
	total_amount_cents, created_at, updated_at, contacted_at, paid_at, delivered_at, resolved_at`

func (r *RequestRepo) GetByID(ctx context.Context, id string) (*models.ProductRequest, error) {
	req, err := r.scanOne(ctx, `SELECT `+requestColumns+` FROM product_requests WHERE id=$1`, id)
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, map[string]*models.ProductRequest{req.ID: req}); err != nil {
		return nil, err
	}
	if err := r.loadHistory(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *RequestRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.ProductRequest, error) {
	req, err := r.scanOne(ctx, `SELECT `+requestColumns+` FROM product_requests WHERE idempotency_key=$1`, key)
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, map[string]*models.ProductRequest{req.ID: req}); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *RequestRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM product_requests WHERE id=$1)`, id).Scan(&exists)
	return exists, err
}

// RequestFilter narrows List; zero values mean no constraint.
type RequestFilter struct {
	Status        string
	SessionID     string
	ProductID     string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

func (r *RequestRepo) List(ctx context.Context, f RequestFilter) ([]*models.ProductRequest, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	where := []string{}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status="+arg(lifecycle.ToStorage(f.Status)))
	}
	if f.SessionID != "" {
		where = append(where, "session_id="+arg(f.SessionID))
	}
	if f.ProductID != "" {
		where = append(where, "id IN (SELECT request_id FROM product_request_items WHERE product_id="+arg(f.ProductID)+")")
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at >= "+arg(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+arg(f.CreatedBefore))
	}
	query := `SELECT ` + requestColumns + ` FROM product_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT " + arg(f.Limit) + " OFFSET " + arg(f.Offset)

	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.ProductRequest{}
	byID := map[string]*models.ProductRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
		byID[req.ID] = req
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, byID); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStatus persists an applied lifecycle change and appends the history
// row. A nil hist skips the history insert: same-status touches refresh the
// reason and actor stamps without recording a transition. The WHERE clause
// pins the previous status so two operators racing on the same request
// cannot both win; the loser gets ErrConflict.
func (r *RequestRepo) UpdateStatus(ctx context.Context, req *models.ProductRequest, previousStatus string, hist *models.StatusHistoryEntry) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE product_requests SET
			status=$1, status_reason=$2, status_updated_by=$3, status_updated_at=$4,
			contacted_at=$5, paid_at=$6, delivered_at=$7, resolved_at=$8, updated_at=$9
		WHERE id=$10 AND status=$11
	`, lifecycle.ToStorage(req.Status), nullStr(req.StatusReason), nullStr(req.StatusUpdatedBy), req.StatusUpdatedAt,
		req.ContactedAt, req.PaidAt, req.DeliveredAt, req.ResolvedAt, req.UpdatedAt,
		req.ID, lifecycle.ToStorage(previousStatus))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		exists, checkErr := r.Exists(ctx, req.ID)
		if checkErr != nil {
			return checkErr
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	if hist != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO product_request_status_history
			(request_id, previous_status, new_status, reason, changed_by, changed_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, req.ID, lifecycle.ToStorage(hist.PreviousStatus), lifecycle.ToStorage(hist.NewStatus),
			nullStr(hist.Reason), hist.ChangedBy, hist.ChangedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *RequestRepo) scanOne(ctx context.Context, query string, args ...any) (*models.ProductRequest, error) {
	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanRequest(rows)
}

func scanRequest(row pgx.Row) (*models.ProductRequest, error) {
	var req models.ProductRequest
	var storedStatus string
	err := row.Scan(&req.ID, &req.IdempotencyKey, &req.SessionID, &req.VisitorID,
		&storedStatus, &req.StatusReason, &req.StatusUpdatedBy, &req.StatusUpdatedAt,
		&req.Page, &req.Source,
		&req.CustomerName, &req.CustomerEmail, &req.CustomerPhone, &req.Notes,
		&req.UTMSource, &req.UTMMedium, &req.UTMCampaign, &req.Referrer,
		&req.TotalAmountCents, &req.CreatedAt, &req.UpdatedAt,
		&req.ContactedAt, &req.PaidAt, &req.DeliveredAt, &req.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	req.Status = lifecycle.FromStorage(storedStatus)
	req.Items = []models.ProductRequestItem{}
	return &req, nil
}

func (r *RequestRepo) loadItems(ctx context.Context, byID map[string]*models.ProductRequest) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	rows, err := r.DB.Query(ctx, `
		SELECT request_id, product_id, product_name, quantity,
			COALESCE(variant_size,''), COALESCE(variant_color,''), unit_price_cents
		FROM product_request_items WHERE request_id = ANY($1)
		ORDER BY product_id
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var requestID string
		var item models.ProductRequestItem
		if err := rows.Scan(&requestID, &item.ProductID, &item.ProductName, &item.Quantity,
			&item.VariantSize, &item.VariantColor, &item.UnitPriceCents); err != nil {
			return err
		}
		if req, ok := byID[requestID]; ok {
			req.Items = append(req.Items, item)
		}
	}
	return rows.Err()
}

func (r *RequestRepo) loadHistory(ctx context.Context, req *models.ProductRequest) error {
	rows, err := r.DB.Query(ctx, `
		SELECT previous_status, new_status, COALESCE(reason,''), changed_by, changed_at
		FROM product_request_status_history WHERE request_id=$1
		ORDER BY changed_at ASC, id ASC
	`, req.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var entry models.StatusHistoryEntry
		if err := rows.Scan(&entry.PreviousStatus, &entry.NewStatus, &entry.Reason, &entry.ChangedBy, &entry.ChangedAt); err != nil {
			return err
		}
		entry.PreviousStatus = lifecycle.FromStorage(entry.PreviousStatus)
		entry.NewStatus = lifecycle.FromStorage(entry.NewStatus)
		req.History = append(req.History, entry)
	}
	return rows.Err()
}
