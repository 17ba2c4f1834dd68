package audit

import (
	"time"

	"github.com/zirconsol/drshaq-backend/pkg/models"
)

// RequestSnapshot flattens a product request into the map shape stored in
// before_state/after_state. Every persisted attribute is present, nil when
// unset, with datetimes rendered as RFC 3339 so snapshots stay comparable
// across drivers.
func RequestSnapshot(req *models.ProductRequest) map[string]any {
	if req == nil {
		return nil
	}
	snap := map[string]any{
		"id":                req.ID,
		"idempotency_key":   req.IdempotencyKey,
		"session_id":        req.SessionID,
		"visitor_id":        req.VisitorID,
		"status":            req.Status,
		"status_reason":     req.StatusReason,
		"status_updated_by": req.StatusUpdatedBy,
		"page":              req.Page,
		"source":            req.Source,
		"customer_name":     req.CustomerName,
		"customer_email":    req.CustomerEmail,
		"customer_phone":    req.CustomerPhone,
		"notes":             req.Notes,
		"utm_source":        req.UTMSource,
		"utm_medium":        req.UTMMedium,
		"utm_campaign":      req.UTMCampaign,
		"referrer":          req.Referrer,
		"created_at":        formatTime(&req.CreatedAt),
		"updated_at":        formatTime(&req.UpdatedAt),
	}
	if req.TotalAmountCents != nil {
		snap["total_amount_cents"] = *req.TotalAmountCents
	} else {
		snap["total_amount_cents"] = nil
	}
	putTime(snap, "status_updated_at", req.StatusUpdatedAt)
	putTime(snap, "contacted_at", req.ContactedAt)
	putTime(snap, "paid_at", req.PaidAt)
	putTime(snap, "delivered_at", req.DeliveredAt)
	putTime(snap, "resolved_at", req.ResolvedAt)

	items := make([]map[string]any, 0, len(req.Items))
	for _, item := range req.Items {
		m := map[string]any{
			"product_id":    item.ProductID,
			"product_name":  item.ProductName,
			"quantity":      item.Quantity,
			"variant_size":  item.VariantSize,
			"variant_color": item.VariantColor,
		}
		if item.UnitPriceCents != nil {
			m["unit_price_cents"] = *item.UnitPriceCents
		} else {
			m["unit_price_cents"] = nil
		}
		items = append(items, m)
	}
	snap["items"] = items
	return snap
}

// EventSnapshot flattens an analytics event the same way. Events are
// immutable, so only after_state ever carries one.
func EventSnapshot(ev *models.AnalyticsEvent) map[string]any {
	if ev == nil {
		return nil
	}
	return map[string]any{
		"id":              ev.ID,
		"event_type":      ev.EventType,
		"product_id":      ev.ProductID,
		"catalog_id":      ev.CatalogID,
		"request_id":      ev.RequestID,
		"page":            ev.Page,
		"source":          ev.Source,
		"session_id":      ev.SessionID,
		"visitor_id":      ev.VisitorID,
		"idempotency_key": ev.IdempotencyKey,
		"write_key_id":    ev.WriteKeyID,
		"utm_source":      ev.UTMSource,
		"utm_medium":      ev.UTMMedium,
		"utm_campaign":    ev.UTMCampaign,
		"referrer":        ev.Referrer,
		"occurred_at":     formatTime(&ev.OccurredAt),
		"received_at":     formatTime(&ev.ReceivedAt),
	}
}

func putTime(snap map[string]any, key string, t *time.Time) {
	if s := formatTime(t); s != "" {
		snap[key] = s
	} else {
		snap[key] = nil
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
