package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zirconsol/drshaq-backend/pkg/models"
)

type fakeAuditDB struct {
	execErr   error
	execSQL   string
	execArgs  []any
	queryRows *fakeRows
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	f.execSQL = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	if f.queryRows == nil {
		f.queryRows = &fakeRows{}
	}
	return f.queryRows, nil
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *[]byte:
			if row[i] != nil {
				*v = row[i].([]byte)
			}
		case *time.Time:
			*v = row[i].(time.Time)
		}
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) { return nil, nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

func TestAppendEncodesStates(t *testing.T) {
	db := &fakeAuditDB{}
	rec := &Recorder{DB: db}
	err := rec.Append(context.Background(), Entry{
		ActorID:    "op-1",
		ActorName:  "Avery",
		EntityType: "product_request",
		EntityID:   "req-9",
		Action:     "status_change",
		Before:     map[string]any{"status": "submitted"},
		After:      map[string]any{"status": "paid"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 8 {
		t.Fatalf("exec args = %d, want 8", len(db.execArgs))
	}
	before, ok := db.execArgs[5].([]byte)
	if !ok {
		t.Fatalf("before_state arg type %T", db.execArgs[5])
	}
	var state map[string]any
	if err := json.Unmarshal(before, &state); err != nil {
		t.Fatalf("before_state decode: %v", err)
	}
	if state["status"] != "submitted" {
		t.Fatalf("before_state status = %v", state["status"])
	}
	if ts, ok := db.execArgs[7].(time.Time); !ok || ts.IsZero() {
		t.Fatalf("created_at not defaulted: %v", db.execArgs[7])
	}
}

func TestAppendNullsEmptyFields(t *testing.T) {
	db := &fakeAuditDB{}
	rec := &Recorder{DB: db}
	err := rec.Append(context.Background(), Entry{
		ActorID:    "system",
		EntityType: "product_request",
		EntityID:   "req-1",
		Action:     "create",
		After:      map[string]any{"status": "submitted"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if db.execArgs[1] != nil {
		t.Fatalf("actor_name should be NULL, got %v", db.execArgs[1])
	}
	if db.execArgs[5] != nil {
		if b, ok := db.execArgs[5].([]byte); !ok || b != nil {
			t.Fatalf("before_state should be NULL for creation, got %v", db.execArgs[5])
		}
	}
}

func TestListFiltersByEntity(t *testing.T) {
	after, _ := json.Marshal(map[string]any{"status": "paid"})
	db := &fakeAuditDB{queryRows: &fakeRows{rows: [][]any{
		{"op-1", "Avery", "product_request", "req-9", "status_change", []byte(nil), after, time.Now().UTC()},
	}}}
	rec := &Recorder{DB: db}
	entries, err := rec.List(context.Background(), "product_request", "req-9", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].After["status"] != "paid" {
		t.Fatalf("after_state = %v", entries[0].After)
	}
	if len(db.queryArgs) != 3 || db.queryArgs[0] != "product_request" || db.queryArgs[1] != "req-9" {
		t.Fatalf("query args = %v", db.queryArgs)
	}
}

func TestRequestSnapshotFormatsDatetimes(t *testing.T) {
	paid := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	total := int64(5000)
	req := &models.ProductRequest{
		ID:               "req-9",
		Status:           "paid",
		CustomerName:     "Jordan",
		TotalAmountCents: &total,
		CreatedAt:        time.Date(2024, 5, 30, 9, 0, 0, 0, time.UTC),
		PaidAt:           &paid,
	}
	snap := RequestSnapshot(req)
	if snap["paid_at"] != "2024-06-01T12:30:00Z" {
		t.Fatalf("paid_at = %v", snap["paid_at"])
	}
	if !strings.HasPrefix(snap["created_at"].(string), "2024-05-30T09:00:00") {
		t.Fatalf("created_at = %v", snap["created_at"])
	}
	if v, present := snap["delivered_at"]; !present || v != nil {
		t.Fatalf("delivered_at should be present and nil, got %v (present=%v)", v, present)
	}
	if snap["total_amount_cents"] != total {
		t.Fatalf("total_amount_cents = %v", snap["total_amount_cents"])
	}
	if RequestSnapshot(nil) != nil {
		t.Fatalf("nil request should snapshot to nil")
	}
}

func TestRequestSnapshotCarriesEveryColumn(t *testing.T) {
	price := int64(2500)
	req := &models.ProductRequest{
		ID:             "req-9",
		IdempotencyKey: "req-key-0001",
		SessionID:      "sess-0001",
		VisitorID:      "vis-0001",
		Status:         "submitted",
		StatusReason:   "restock",
		Page:           "/hoodies",
		Source:         "landing",
		CustomerName:   "Jordan",
		CustomerEmail:  "jordan@example.com",
		CustomerPhone:  "+15550100",
		Notes:          "gift wrap",
		Attribution: models.Attribution{
			UTMSource:   "newsletter",
			UTMMedium:   "email",
			UTMCampaign: "june-drop",
			Referrer:    "https://news.example.com",
		},
		CreatedAt: time.Date(2024, 5, 30, 9, 0, 0, 0, time.UTC),
		Items: []models.ProductRequestItem{
			{ProductID: "prod-1", ProductName: "Hoodie", Quantity: 2, UnitPriceCents: &price},
		},
	}
	snap := RequestSnapshot(req)
	for _, key := range []string{
		"id", "idempotency_key", "session_id", "visitor_id", "status",
		"status_reason", "status_updated_by", "status_updated_at",
		"page", "source", "customer_name", "customer_email",
		"customer_phone", "notes", "utm_source", "utm_medium",
		"utm_campaign", "referrer", "total_amount_cents",
		"created_at", "updated_at", "contacted_at", "paid_at",
		"delivered_at", "resolved_at", "items",
	} {
		if _, present := snap[key]; !present {
			t.Fatalf("snapshot missing %q", key)
		}
	}
	if snap["session_id"] != "sess-0001" || snap["customer_email"] != "jordan@example.com" {
		t.Fatalf("snapshot values wrong: %+v", snap)
	}
	items, ok := snap["items"].([]map[string]any)
	if !ok || len(items) != 1 {
		t.Fatalf("items = %v", snap["items"])
	}
	if items[0]["product_id"] != "prod-1" || items[0]["quantity"] != 2 || items[0]["unit_price_cents"] != price {
		t.Fatalf("item snapshot = %+v", items[0])
	}
}

func TestEventSnapshotCarriesEveryColumn(t *testing.T) {
	ev := &models.AnalyticsEvent{
		ID:         "ev-1",
		EventType:  "cta_click",
		ProductID:  "prod-1",
		SessionID:  "sess-0001",
		VisitorID:  "vis-0001",
		WriteKeyID: "prod",
		OccurredAt: time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
		ReceivedAt: time.Date(2024, 6, 1, 12, 30, 1, 0, time.UTC),
	}
	snap := EventSnapshot(ev)
	for _, key := range []string{
		"id", "event_type", "product_id", "catalog_id", "request_id",
		"page", "source", "session_id", "visitor_id", "idempotency_key",
		"write_key_id", "utm_source", "utm_medium", "utm_campaign",
		"referrer", "occurred_at", "received_at",
	} {
		if _, present := snap[key]; !present {
			t.Fatalf("snapshot missing %q", key)
		}
	}
	if snap["occurred_at"] != "2024-06-01T12:30:00Z" || snap["write_key_id"] != "prod" {
		t.Fatalf("snapshot values wrong: %+v", snap)
	}
	if EventSnapshot(nil) != nil {
		t.Fatalf("nil event should snapshot to nil")
	}
}
