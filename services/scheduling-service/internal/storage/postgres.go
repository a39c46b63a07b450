package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/chairbook/libs/db"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/conflict"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/outbox"
)

const (
	providerOverlapConstraint  = "appointments_provider_no_overlap"
	operatoryOverlapConstraint = "appointments_operatory_no_overlap"
)

type Postgres struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgres(pool *db.Pool, repo *outbox.Repository) *Postgres {
	return &Postgres{pool: pool, outbox: repo}
}

const selectAppointment = `
	SELECT id::text, patient_id, provider_id, operatory_id, appt_date::text, start_min, end_min, duration,
		status, procedure, COALESCE(notes, ''), version,
		confirmed_at, arrived_at, seated_at, chair_started_at, completed_at, cancelled_at,
		created_at, updated_at
	FROM appointments`

func scanAppointment(row pgx.CollectableRow) (model.Appointment, error) {
	var a model.Appointment
	var date string
	var start, end int
	err := row.Scan(
		&a.ID, &a.PatientID, &a.ProviderID, &a.OperatoryID, &date, &start, &end, &a.Duration,
		&a.Status, &a.Procedure, &a.Notes, &a.Version,
		&a.ConfirmedAt, &a.ArrivedAt, &a.SeatedAt, &a.ChairStartedAt, &a.CompletedAt, &a.CancelledAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	a.Date = interval.Date(date)
	a.StartTime = interval.Clock(start)
	a.EndTime = interval.Clock(end)
	return a, err
}

func (p *Postgres) Get(ctx context.Context, id string) (model.Appointment, error) {
	rows, err := p.pool.Query(ctx, selectAppointment+` WHERE id = $1`, id)
	if err != nil {
		return model.Appointment{}, err
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanAppointment)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, err
}

func (p *Postgres) ListDay(ctx context.Context, date interval.Date) ([]model.Appointment, error) {
	rows, err := p.pool.Query(ctx, selectAppointment+`
		WHERE appt_date = $1::date
		ORDER BY start_min, id
	`, date.String())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAppointment)
}

func (p *Postgres) ResourceDay(ctx context.Context, kind model.ResourceKind, resourceID string, date interval.Date) ([]model.Appointment, error) {
	column := "provider_id"
	if kind == model.KindOperatory {
		column = "operatory_id"
	}
	rows, err := p.pool.Query(ctx, selectAppointment+`
		WHERE `+column+` = $1 AND appt_date = $2::date AND status <> 'CANCELLED'
		ORDER BY start_min
	`, resourceID, date.String())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAppointment)
}

func (p *Postgres) Insert(ctx context.Context, a model.Appointment, evt outbox.Event) error {
	err := p.pool.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO appointments
				(id, patient_id, provider_id, operatory_id, appt_date, start_min, end_min, duration,
				 status, procedure, notes, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $13)
		`, a.ID, a.PatientID, a.ProviderID, a.OperatoryID, a.Date.String(), int(a.StartTime), int(a.EndTime),
			a.Duration, a.Status, a.Procedure, a.Notes, a.Version, a.CreatedAt)
		if err != nil {
			return err
		}
		return p.outbox.Insert(ctx, tx, evt)
	})
	return mapWriteError(err, a)
}

func (p *Postgres) Update(ctx context.Context, a model.Appointment, expectedVersion int64, evt outbox.Event) error {
	err := p.pool.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE appointments
			SET provider_id = $3, operatory_id = $4, start_min = $5, end_min = $6, duration = $7,
				status = $8, notes = NULLIF($9, ''), version = $10,
				confirmed_at = $11, arrived_at = $12, seated_at = $13, chair_started_at = $14,
				completed_at = $15, cancelled_at = $16, updated_at = $17
			WHERE id = $1 AND version = $2
		`, a.ID, expectedVersion, a.ProviderID, a.OperatoryID, int(a.StartTime), int(a.EndTime), a.Duration,
			a.Status, a.Notes, a.Version,
			a.ConfirmedAt, a.ArrivedAt, a.SeatedAt, a.ChairStartedAt, a.CompletedAt, a.CancelledAt, a.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return p.missOrStale(ctx, tx, a.ID, expectedVersion)
		}
		return p.outbox.Insert(ctx, tx, evt)
	})
	return mapWriteError(err, a)
}

func (p *Postgres) missOrStale(ctx context.Context, tx pgx.Tx, id string, expected int64) error {
	var version int64
	err := tx.QueryRow(ctx, `SELECT version FROM appointments WHERE id = $1`, id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s at version %d, expected %d", ErrStaleVersion, id, version, expected)
}

// mapWriteError turns an exclusion-constraint violation into the resource it names.
func mapWriteError(err error, a model.Appointment) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
		switch pgErr.ConstraintName {
		case operatoryOverlapConstraint:
			return &conflict.ResourceUnavailableError{Kind: model.KindOperatory, ResourceID: a.OperatoryID}
		case providerOverlapConstraint:
			return &conflict.ResourceUnavailableError{Kind: model.KindProvider, ResourceID: a.ProviderID}
		}
		return fmt.Errorf("unexpected exclusion constraint %q: %w", pgErr.ConstraintName, err)
	}
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "appointments_pkey" {
		return fmt.Errorf("%w: %s", ErrDuplicateID, a.ID)
	}
	return err
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}
