package bookings

import (
	"context"
	"time"
)

// DefaultRecentLimit is how many bookings Recent returns when asked for none.
const DefaultRecentLimit = 15

// Record is a confirmed appointment.
type Record struct {
	ID            string    `json:"id"`
	CallID        string    `json:"call_id"`
	BusinessID    string    `json:"business_id"`
	BusinessName  string    `json:"business_name"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email"`
	EmployeeName  string    `json:"employee_name"`
	Service       string    `json:"service"`
	Time          string    `json:"time"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists bookings and lists the most recent ones.
type Store interface {
	// Save stores record, filling ID and CreatedAt when empty, and returns
	// the stored copy.
	Save(ctx context.Context, record Record) (Record, error)
	// Recent returns up to limit bookings, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

func prepare(record Record, newID func() string, now func() time.Time) Record {
	if record.ID == "" {
		record.ID = newID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now().UTC()
	}
	return record
}
