package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/regiflex/regiflex/internal/platform/db"
)

// queryable abstracts pgxpool.Pool, pgxpool.Conn and pgx.Tx.
type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type clinicRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &clinicRepoPG{pool: pool}
}

func (r *clinicRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const clinicColumns = `id, name, email, phone, tax_id, address, plan, status, processor_status,
	stripe_customer_id, stripe_subscription_id, subscription_started_at, trial_ends_at, cancelled_at,
	last_payment_at, payment_failed_at, status_event_at, plan_event_at, version_id, created_at, updated_at`

func (r *clinicRepoPG) Create(ctx context.Context, c *Clinic) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinics (
			id, name, email, phone, tax_id, address, plan, status, processor_status,
			stripe_customer_id, stripe_subscription_id, subscription_started_at, trial_ends_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING version_id, created_at, updated_at`,
		c.ID, c.Name, c.Email, c.Phone, c.TaxID, c.Address, c.Plan, c.Status, c.ProcessorStatus,
		c.StripeCustomerID, c.StripeSubscriptionID, c.SubscriptionStarted, c.TrialEndsAt,
	).Scan(&c.VersionID, &c.CreatedAt, &c.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func (r *clinicRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	return r.scanClinic(r.conn(ctx).QueryRow(ctx, `SELECT `+clinicColumns+` FROM clinics WHERE id = $1`, id))
}

func (r *clinicRepoPG) GetByEmail(ctx context.Context, email string) (*Clinic, error) {
	return r.scanClinic(r.conn(ctx).QueryRow(ctx,
		`SELECT `+clinicColumns+` FROM clinics WHERE LOWER(email) = LOWER($1)`, strings.TrimSpace(email)))
}

func (r *clinicRepoPG) GetByStripeCustomerID(ctx context.Context, customerID string) (*Clinic, error) {
	return r.scanClinic(r.conn(ctx).QueryRow(ctx,
		`SELECT `+clinicColumns+` FROM clinics WHERE stripe_customer_id = $1`, customerID))
}

func (r *clinicRepoPG) GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*Clinic, error) {
	return r.scanClinic(r.conn(ctx).QueryRow(ctx,
		`SELECT `+clinicColumns+` FROM clinics WHERE stripe_subscription_id = $1`, subscriptionID))
}

func (r *clinicRepoPG) Update(ctx context.Context, c *Clinic) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE clinics SET
			name = $3, email = $4, phone = $5, tax_id = $6, address = $7, plan = $8,
			status = $9, processor_status = $10, stripe_customer_id = $11,
			stripe_subscription_id = $12, subscription_started_at = $13, trial_ends_at = $14,
			cancelled_at = $15, last_payment_at = $16, payment_failed_at = $17, status_event_at = $18,
			plan_event_at = $19, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		c.ID, c.VersionID,
		c.Name, c.Email, c.Phone, c.TaxID, c.Address, c.Plan,
		c.Status, c.ProcessorStatus, c.StripeCustomerID,
		c.StripeSubscriptionID, c.SubscriptionStarted, c.TrialEndsAt, c.CancelledAt,
		c.LastPaymentAt, c.PaymentFailedAt, c.StatusEventAt, c.PlanEventAt,
	).Scan(&c.VersionID, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM clinics WHERE id = $1)`, c.ID).Scan(&exists); qerr != nil {
			return qerr
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return err
}

func (r *clinicRepoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Clinic, int, error) {
	where := ``
	var args []interface{}
	if status != "" {
		where = ` WHERE status = $1`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM clinics`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM clinics%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		clinicColumns, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var clinics []*Clinic
	for rows.Next() {
		c, err := r.scanClinic(rows)
		if err != nil {
			return nil, 0, err
		}
		clinics = append(clinics, c)
	}
	return clinics, total, rows.Err()
}

func (r *clinicRepoPG) scanClinic(row pgx.Row) (*Clinic, error) {
	var c Clinic
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.TaxID, &c.Address, &c.Plan, &c.Status, &c.ProcessorStatus,
		&c.StripeCustomerID, &c.StripeSubscriptionID, &c.SubscriptionStarted, &c.TrialEndsAt, &c.CancelledAt,
		&c.LastPaymentAt, &c.PaymentFailedAt, &c.StatusEventAt, &c.PlanEventAt, &c.VersionID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// -- Settings Repository --

type settingsRepoPG struct {
	pool *pgxpool.Pool
}

func NewSettingsRepo(pool *pgxpool.Pool) SettingsRepository {
	return &settingsRepoPG{pool: pool}
}

func (r *settingsRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *settingsRepoPG) Upsert(ctx context.Context, clinicID uuid.UUID, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO clinic_settings (clinic_id, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (clinic_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		clinicID, key, raw)
	return err
}

func (r *settingsRepoPG) List(ctx context.Context, clinicID uuid.UUID) ([]*Setting, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT clinic_id, key, value, updated_at FROM clinic_settings WHERE clinic_id = $1 ORDER BY key`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Setting
	for rows.Next() {
		var s Setting
		var raw []byte
		if err := rows.Scan(&s.ClinicID, &s.Key, &raw, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &s.Value); err != nil {
			return nil, fmt.Errorf("decode setting %s: %w", s.Key, err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
