package customers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinkubot/client-ai/pkg/logging"
)

const (
	queryTimeout       = 5 * time.Second
	slowQueryThreshold = 2 * time.Second
)

// Customer is the relational profile behind a client phone number.
type Customer struct {
	ID              string
	Phone           string
	FullName        string
	City            string
	CityConfirmedAt *time.Time
	HasConsent      bool
}

// ConsentRecord is the append-only legal record of a consent response.
type ConsentRecord struct {
	UserID   string
	UserType string
	Response string // "accepted" | "declined"
	Metadata map[string]any
}

// Repository persists customers, consents and lead events in the Supabase
// Postgres instance. A nil repository (no DATABASE_URL configured) degrades
// every call to a no-op so the conversation can continue without the
// relational store.
type Repository struct {
	db     *sql.DB
	logger *logging.Logger
}

// New creates a customer repository. Returns nil when db is nil.
func New(db *sql.DB, logger *logging.Logger) *Repository {
	if db == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Repository{db: db, logger: logger}
}

// run bounds a query with the standard timeout and logs slow statements
// without failing them.
func (r *Repository) run(ctx context.Context, label string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if elapsed := time.Since(start); elapsed >= slowQueryThreshold {
		r.logger.Info("slow query", "op", label, "elapsed_ms", elapsed.Milliseconds())
	}
	return err
}

// GetOrCreate returns the customer for a phone, creating a fresh record on
// first contact.
func (r *Repository) GetOrCreate(ctx context.Context, phone string) (*Customer, error) {
	if r == nil || r.db == nil || strings.TrimSpace(phone) == "" {
		return nil, nil
	}

	var c Customer
	err := r.run(ctx, "customers.by_phone", func(ctx context.Context) error {
		return r.scanCustomer(r.db.QueryRowContext(ctx, `
			SELECT id, phone_number, COALESCE(full_name, ''), COALESCE(city, ''),
			       city_confirmed_at, COALESCE(has_consent, FALSE)
			FROM customers
			WHERE phone_number = $1
		`, phone), &c)
	})
	if err == nil {
		return &c, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("customers: failed to look up %s: %w", phone, err)
	}

	newID := uuid.NewString()
	err = r.run(ctx, "customers.insert", func(ctx context.Context) error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT INTO customers (id, phone_number, full_name, has_consent, created_at, updated_at)
			VALUES ($1, $2, $3, FALSE, NOW(), NOW())
		`, newID, phone, "Cliente TinkuBot")
		return execErr
	})
	if err != nil {
		// Another request may have created the row in between.
		if strings.Contains(err.Error(), "duplicate key") {
			return r.GetOrCreate(ctx, phone)
		}
		return nil, fmt.Errorf("customers: failed to create %s: %w", phone, err)
	}

	return &Customer{ID: newID, Phone: phone, FullName: "Cliente TinkuBot"}, nil
}

// UpdateCity confirms a city on the customer and returns the fresh record.
func (r *Repository) UpdateCity(ctx context.Context, customerID, city string) (*Customer, error) {
	if r == nil || r.db == nil || customerID == "" || city == "" {
		return nil, nil
	}

	var c Customer
	err := r.run(ctx, "customers.update_city", func(ctx context.Context) error {
		return r.scanCustomer(r.db.QueryRowContext(ctx, `
			UPDATE customers
			SET city = $1, city_confirmed_at = NOW(), updated_at = NOW()
			WHERE id = $2
			RETURNING id, phone_number, COALESCE(full_name, ''), COALESCE(city, ''),
			          city_confirmed_at, COALESCE(has_consent, FALSE)
		`, city, customerID), &c)
	})
	if err != nil {
		return nil, fmt.Errorf("customers: failed to update city: %w", err)
	}
	return &c, nil
}

// SetConsent mirrors a consent decision on the customer record.
func (r *Repository) SetConsent(ctx context.Context, customerID string, hasConsent bool) error {
	if r == nil || r.db == nil || customerID == "" {
		return nil
	}
	err := r.run(ctx, "customers.set_consent", func(ctx context.Context) error {
		_, execErr := r.db.ExecContext(ctx, `
			UPDATE customers SET has_consent = $1, updated_at = NOW() WHERE id = $2
		`, hasConsent, customerID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("customers: failed to set consent: %w", err)
	}
	return nil
}

// ClearCityAndConsent resets a customer to first-contact shape. Used by the
// reset command to simulate a brand new user.
func (r *Repository) ClearCityAndConsent(ctx context.Context, customerID string) error {
	if r == nil || r.db == nil || customerID == "" {
		return nil
	}
	err := r.run(ctx, "customers.clear", func(ctx context.Context) error {
		_, execErr := r.db.ExecContext(ctx, `
			UPDATE customers
			SET city = NULL, city_confirmed_at = NULL, has_consent = FALSE, updated_at = NOW()
			WHERE id = $1
		`, customerID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("customers: failed to clear profile: %w", err)
	}
	return nil
}

// RecordConsent appends the legal consent record with full message metadata.
func (r *Repository) RecordConsent(ctx context.Context, rec ConsentRecord) error {
	if r == nil || r.db == nil || rec.UserID == "" {
		return nil
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("customers: failed to encode consent metadata: %w", err)
	}
	if rec.UserType == "" {
		rec.UserType = "customer"
	}
	err = r.run(ctx, "consents.insert", func(ctx context.Context) error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT INTO consents (id, user_id, user_type, response, consent_data, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, uuid.NewString(), rec.UserID, rec.UserType, rec.Response, metadata)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("customers: failed to record consent: %w", err)
	}
	return nil
}

// RecordLeadEvent stores a billable lead (client connected to provider) and
// returns its id.
func (r *Repository) RecordLeadEvent(ctx context.Context, customerPhone, providerID, service, city string) (string, error) {
	if r == nil || r.db == nil || providerID == "" {
		return "", nil
	}
	id := uuid.NewString()
	err := r.run(ctx, "lead_events.insert", func(ctx context.Context) error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT INTO lead_events (id, customer_phone, provider_id, service, city, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, id, customerPhone, providerID, service, city)
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("customers: failed to record lead: %w", err)
	}
	return id, nil
}

// ScheduleFeedbackTask enqueues a deferred "how did it go" WhatsApp message
// in the task queue table processed by the notifications worker.
func (r *Repository) ScheduleFeedbackTask(ctx context.Context, phone, providerName string, delay time.Duration) error {
	if r == nil || r.db == nil || phone == "" {
		return nil
	}
	name := providerName
	if name == "" {
		name = "el proveedor"
	}
	message := fmt.Sprintf(
		"✨ ¿Cómo te fue con %s?\nTu opinión ayuda a mejorar nuestra comunidad.\nResponde con un número del 1 al 5 (1=mal, 5=excelente).",
		name,
	)
	payload, err := json.Marshal(map[string]string{
		"phone":   phone,
		"message": message,
		"type":    "request_feedback",
	})
	if err != nil {
		return fmt.Errorf("customers: failed to encode feedback payload: %w", err)
	}

	err = r.run(ctx, "task_queue.insert", func(ctx context.Context) error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT INTO task_queue (id, task_type, payload, status, priority, scheduled_at, retry_count, max_retries, created_at)
			VALUES ($1, 'send_whatsapp', $2, 'pending', 0, $3, 0, 3, NOW())
		`, uuid.NewString(), payload, time.Now().UTC().Add(delay))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("customers: failed to schedule feedback: %w", err)
	}
	return nil
}

// SaveServiceRequest records a resolved service request for analytics.
func (r *Repository) SaveServiceRequest(ctx context.Context, phone, profession, city string, providerCount int) error {
	if r == nil || r.db == nil {
		return nil
	}
	err := r.run(ctx, "service_requests.insert", func(ctx context.Context) error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT INTO service_requests (id, phone, intent, profession, location_city, provider_count, requested_at, resolved_at)
			VALUES ($1, $2, 'service_request', $3, $4, $5, NOW(), NOW())
		`, uuid.NewString(), phone, profession, city, providerCount)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("customers: failed to save service request: %w", err)
	}
	return nil
}

func (r *Repository) scanCustomer(row *sql.Row, c *Customer) error {
	var confirmedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.Phone, &c.FullName, &c.City, &confirmedAt, &c.HasConsent); err != nil {
		return err
	}
	if confirmedAt.Valid {
		c.CityConfirmedAt = &confirmedAt.Time
	}
	return nil
}
