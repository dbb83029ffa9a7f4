package journal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bitsave/pools/internal/utils"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

type RepositoryImpl struct {
	db    *pgxpool.Pool
	clock utils.Clock
}

func NewRepository(db *pgxpool.Pool, clock utils.Clock) *RepositoryImpl {
	return &RepositoryImpl{db: db, clock: clock}
}

const entryColumns = `id, flow_id, step_index, step_kind, plan_id, caller, tx_hash, status, failure_kind, reason, created, updated`

func (r *RepositoryImpl) Record(ctx context.Context, entry Entry) (Entry, error) {
	now := r.clock.Now()
	entry.Created = now
	entry.Updated = now
	if entry.Status == "" {
		entry.Status = StatusSubmitted
	}

	query := `INSERT INTO tx_journal (
					flow_id,
					step_index,
					step_kind,
					plan_id,
					caller,
					tx_hash,
					status,
					failure_kind,
					reason,
					created,
					updated
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (tx_hash) DO UPDATE SET status = EXCLUDED.status, updated = EXCLUDED.updated
				RETURNING id, created`

	err := r.db.QueryRow(ctx, query,
		entry.FlowId,
		entry.StepIndex,
		entry.StepKind,
		nullInt(entry.PlanId),
		entry.Caller,
		entry.TxHash,
		string(entry.Status),
		nullString(entry.FailureKind),
		nullString(entry.Reason),
		entry.Created,
		entry.Updated,
	).Scan(&entry.Id, &entry.Created)
	if err != nil {
		err := fmt.Errorf("could not record journal entry: %v", err)
		log.Error(err)
		return Entry{}, err
	}
	return entry, nil
}

func (r *RepositoryImpl) UpdateStatus(ctx context.Context, txHash string, status Status, failureKind string, reason string) error {
	query := `UPDATE tx_journal SET status = $1, failure_kind = $2, reason = $3, updated = $4 WHERE tx_hash = $5`
	tag, err := r.db.Exec(ctx, query, string(status), nullString(failureKind), nullString(reason), r.clock.Now(), txHash)
	if err != nil {
		err := fmt.Errorf("could not update journal entry: %v", err)
		log.Error(err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, txHash)
	}
	return nil
}

func (r *RepositoryImpl) ListByFlow(ctx context.Context, flowId uuid.UUID) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM tx_journal WHERE flow_id = $1 ORDER BY step_index, id`
	rows, err := r.db.Query(ctx, query, flowId)
	if err != nil {
		log.Errorf("could not list journal entries of flow %s: %v", flowId, err)
		return nil, err
	}
	return collectEntries(rows)
}

func (r *RepositoryImpl) ListPending(ctx context.Context) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM tx_journal WHERE status IN ($1, $2) ORDER BY created, id`
	rows, err := r.db.Query(ctx, query, string(StatusSubmitted), string(StatusTimeout))
	if err != nil {
		log.Errorf("could not list pending journal entries: %v", err)
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		var planId sql.NullInt64
		var status string
		var failureKind, reason sql.NullString
		err := row.Scan(&e.Id, &e.FlowId, &e.StepIndex, &e.StepKind, &planId, &e.Caller, &e.TxHash,
			&status, &failureKind, &reason, &e.Created, &e.Updated)
		if err != nil {
			return Entry{}, err
		}
		e.PlanId = planId.Int64
		e.Status = Status(status)
		e.FailureKind = failureKind.String
		e.Reason = reason.String
		return e, nil
	})
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
