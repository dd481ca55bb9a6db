package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-earnout/pkg/earnout"
	"github.com/tendant/simple-earnout/pkg/earnout/accesspolicy"
)

//go:embed schema.sql
var schema string

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// DB is a DBTX that can open transactions. *pgxpool.Pool, *pgx.Conn and
// pgx.Tx all satisfy it.
type DB interface {
	DBTX
	Begin(context.Context) (pgx.Tx, error)
}

// Repository implements earnout.Repository using PostgreSQL
type Repository struct {
	db DB
}

// New creates a new PostgreSQL repository
func New(db DB) earnout.Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) earnout.Repository {
	return &Repository{db: pool}
}

// EnsureSchema creates the earnout tables if they do not exist
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return handlePostgresError("ensure schema", err)
	}
	return nil
}

// Error handling helper
func handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "document") {
				return fmt.Errorf("%w: %s", earnout.ErrDuplicateDocument, pgErr.Detail)
			}
			if strings.Contains(pgErr.ConstraintName, "deals") {
				return fmt.Errorf("deal already exists")
			}
			return fmt.Errorf("duplicate entry")
		case "23503": // foreign_key_violation
			return fmt.Errorf("referenced record not found")
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "23514": // check_violation
			return fmt.Errorf("constraint %s violated in %s", pgErr.ConstraintName, operation)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("record not found")
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

// bigint converts an unsigned amount to the BIGINT column type.
func bigint(field string, v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%s %d exceeds the storable range", field, v)
	}
	return int64(v), nil
}

const dealColumns = `id, name, buyer, seller, auditor, start_at, duration_months,
	kpi_threshold, max_payout, subperiods, parameters_locked, kpi_result,
	settled, settled_amount, settlement, policy_id, capability_id, version,
	created_at, updated_at`

// dealRow is the column form of a deal.
type dealRow struct {
	kpiThreshold  int64
	maxPayout     int64
	settledAmount int64
	subperiods    []byte
	kpiResult     []byte
	settlement    []byte
}

func encodeDeal(d *earnout.Deal) (*dealRow, error) {
	var (
		row dealRow
		err error
	)
	if row.kpiThreshold, err = bigint("kpi_threshold", d.KPIThreshold); err != nil {
		return nil, err
	}
	if row.maxPayout, err = bigint("max_payout", d.MaxPayout); err != nil {
		return nil, err
	}
	if row.settledAmount, err = bigint("settled_amount", d.SettledAmount); err != nil {
		return nil, err
	}
	subperiods := d.Subperiods
	if subperiods == nil {
		subperiods = []earnout.Subperiod{}
	}
	if row.subperiods, err = json.Marshal(subperiods); err != nil {
		return nil, fmt.Errorf("encode subperiods: %w", err)
	}
	if d.KPIResult != nil {
		if row.kpiResult, err = json.Marshal(d.KPIResult); err != nil {
			return nil, fmt.Errorf("encode kpi result: %w", err)
		}
	}
	if d.Settlement != nil {
		if row.settlement, err = json.Marshal(d.Settlement); err != nil {
			return nil, fmt.Errorf("encode settlement: %w", err)
		}
	}
	return &row, nil
}

func scanDeal(row pgx.Row) (*earnout.Deal, error) {
	var (
		d                      earnout.Deal
		buyer, seller, auditor string
		r                      dealRow
	)
	err := row.Scan(&d.ID, &d.Name, &buyer, &seller, &auditor, &d.StartAt, &d.DurationMonths,
		&r.kpiThreshold, &r.maxPayout, &r.subperiods, &d.ParametersLocked, &r.kpiResult,
		&d.Settled, &r.settledAmount, &r.settlement, &d.PolicyID, &d.CapabilityID, &d.Version,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.Buyer = earnout.Principal(buyer)
	d.Seller = earnout.Principal(seller)
	d.Auditor = earnout.Principal(auditor)
	d.KPIThreshold = uint64(r.kpiThreshold)
	d.MaxPayout = uint64(r.maxPayout)
	d.SettledAmount = uint64(r.settledAmount)
	if err := json.Unmarshal(r.subperiods, &d.Subperiods); err != nil {
		return nil, fmt.Errorf("decode subperiods: %w", err)
	}
	if len(r.kpiResult) > 0 {
		d.KPIResult = &earnout.KPIResult{}
		if err := json.Unmarshal(r.kpiResult, d.KPIResult); err != nil {
			return nil, fmt.Errorf("decode kpi result: %w", err)
		}
	}
	if len(r.settlement) > 0 {
		d.Settlement = &earnout.Settlement{}
		if err := json.Unmarshal(r.settlement, d.Settlement); err != nil {
			return nil, fmt.Errorf("decode settlement: %w", err)
		}
	}
	d.StartAt = d.StartAt.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

// Deal operations

func (r *Repository) CreateDeal(ctx context.Context, state *earnout.DealState) error {
	if state == nil || state.Deal == nil || state.Policy == nil || state.Capability == nil {
		return fmt.Errorf("deal, policy and capability are required")
	}
	d := state.Deal
	row, err := encodeDeal(d)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO earnout_deals (`+dealColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12::jsonb,
			        $13, $14, $15::jsonb, $16, $17, 1, $18, $19)`,
			d.ID, d.Name, string(d.Buyer), string(d.Seller), string(d.Auditor), d.StartAt, d.DurationMonths,
			row.kpiThreshold, row.maxPayout, row.subperiods, d.ParametersLocked, row.kpiResult,
			d.Settled, row.settledAmount, row.settlement, d.PolicyID, d.CapabilityID,
			d.CreatedAt, d.UpdatedAt)
		if err != nil {
			return handlePostgresError("create deal", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO earnout_access_policies (id, deal_id, schema_version, members)
			VALUES ($1, $2, $3, $4)`,
			state.Policy.ID, d.ID, int32(state.Policy.SchemaVersion), state.Policy.Members())
		if err != nil {
			return handlePostgresError("create access policy", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO earnout_capabilities (id, policy_id, holder) VALUES ($1, $2, $3)`,
			state.Capability.ID(), state.Capability.PolicyID(), state.Capability.Holder())
		if err != nil {
			return handlePostgresError("create capability", err)
		}

		return r.saveRecords(ctx, tx, state.Records)
	})
	if err != nil {
		return err
	}

	d.Version = 1
	return nil
}

func (r *Repository) GetDeal(ctx context.Context, id uuid.UUID) (*earnout.DealState, error) {
	var state *earnout.DealState
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		state, err = r.load(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (r *Repository) ListDeals(ctx context.Context, principal earnout.Principal) ([]*earnout.Deal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+dealColumns+`
		FROM earnout_deals
		WHERE buyer = $1 OR seller = $1 OR auditor = $1
		ORDER BY created_at, id`, string(principal))
	if err != nil {
		return nil, handlePostgresError("list deals", err)
	}
	defer rows.Close()

	var result []*earnout.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, handlePostgresError("scan deal", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, handlePostgresError("list deals", err)
	}
	return result, nil
}

// UpdateDeal locks the deal row with SELECT ... FOR UPDATE, runs fn against
// the loaded state and writes it back in the same transaction.
func (r *Repository) UpdateDeal(ctx context.Context, id uuid.UUID, fn func(*earnout.DealState) error) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		state, err := r.load(ctx, tx, id, true)
		if err != nil {
			return err
		}
		previous := state.Deal.Version
		state.Deal.Version = previous + 1

		if err := fn(state); err != nil {
			return err
		}
		if state.Deal.ID != id {
			return fmt.Errorf("deal id changed during update: %s -> %s", id, state.Deal.ID)
		}
		return r.save(ctx, tx, state, previous)
	})
}

func (r *Repository) load(ctx context.Context, tx pgx.Tx, id uuid.UUID, forUpdate bool) (*earnout.DealState, error) {
	query := `SELECT ` + dealColumns + ` FROM earnout_deals WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	deal, err := scanDeal(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", earnout.ErrDealNotFound, id)
		}
		return nil, handlePostgresError("get deal", err)
	}

	var (
		policyID      uuid.UUID
		schemaVersion int32
		members       []string
		capabilityID  uuid.UUID
		holder        string
	)
	err = tx.QueryRow(ctx, `
		SELECT p.id, p.schema_version, p.members, c.id, c.holder
		FROM earnout_access_policies p
		JOIN earnout_capabilities c ON c.policy_id = p.id
		WHERE p.deal_id = $1`, id).Scan(&policyID, &schemaVersion, &members, &capabilityID, &holder)
	if err != nil {
		return nil, handlePostgresError("get access policy", err)
	}

	records, err := r.loadRecords(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	return &earnout.DealState{
		Deal:       deal,
		Policy:     accesspolicy.Restore(policyID, uint32(schemaVersion), members),
		Capability: accesspolicy.RestoreCapability(capabilityID, policyID, holder),
		Records:    records,
	}, nil
}

func (r *Repository) loadRecords(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) ([]*earnout.AuditRecord, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, document_id, deal_id, subperiod_id, uploaded_by, uploaded_at,
		       audited, audited_by, audited_at
		FROM earnout_audit_records
		WHERE deal_id = $1
		ORDER BY uploaded_at, id`, dealID)
	if err != nil {
		return nil, handlePostgresError("list audit records", err)
	}
	defer rows.Close()

	records := []*earnout.AuditRecord{}
	for rows.Next() {
		var (
			rec        earnout.AuditRecord
			uploadedBy string
			auditedBy  *string
			auditedAt  *time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.DealID, &rec.SubperiodID, &uploadedBy,
			&rec.UploadedAt, &rec.Audited, &auditedBy, &auditedAt); err != nil {
			return nil, handlePostgresError("scan audit record", err)
		}
		rec.UploadedBy = earnout.Principal(uploadedBy)
		rec.UploadedAt = rec.UploadedAt.UTC()
		if auditedBy != nil {
			p := earnout.Principal(*auditedBy)
			rec.AuditedBy = &p
		}
		if auditedAt != nil {
			at := auditedAt.UTC()
			rec.AuditedAt = &at
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, handlePostgresError("list audit records", err)
	}
	return records, nil
}

func (r *Repository) save(ctx context.Context, tx pgx.Tx, state *earnout.DealState, previousVersion int64) error {
	d := state.Deal
	row, err := encodeDeal(d)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE earnout_deals SET
			name = $2, auditor = $3, start_at = $4, duration_months = $5,
			kpi_threshold = $6, max_payout = $7, subperiods = $8::jsonb,
			parameters_locked = $9, kpi_result = $10::jsonb, settled = $11,
			settled_amount = $12, settlement = $13::jsonb, version = $14, updated_at = $15
		WHERE id = $1 AND version = $16`,
		d.ID, d.Name, string(d.Auditor), d.StartAt, d.DurationMonths,
		row.kpiThreshold, row.maxPayout, row.subperiods,
		d.ParametersLocked, row.kpiResult, d.Settled,
		row.settledAmount, row.settlement, d.Version, d.UpdatedAt, previousVersion)
	if err != nil {
		return handlePostgresError("update deal", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("deal %s was modified concurrently", d.ID)
	}

	_, err = tx.Exec(ctx, `UPDATE earnout_access_policies SET members = $2 WHERE id = $1`,
		state.Policy.ID, state.Policy.Members())
	if err != nil {
		return handlePostgresError("update access policy", err)
	}
	_, err = tx.Exec(ctx, `UPDATE earnout_capabilities SET holder = $2 WHERE id = $1`,
		state.Capability.ID(), state.Capability.Holder())
	if err != nil {
		return handlePostgresError("update capability", err)
	}

	return r.saveRecords(ctx, tx, state.Records)
}

// saveRecords upserts audit records. Only the audit columns may change on an
// existing record, and never from audited back to unaudited.
func (r *Repository) saveRecords(ctx context.Context, tx pgx.Tx, records []*earnout.AuditRecord) error {
	for _, rec := range records {
		var auditedBy *string
		if rec.AuditedBy != nil {
			s := string(*rec.AuditedBy)
			auditedBy = &s
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO earnout_audit_records (
				id, deal_id, document_id, subperiod_id, uploaded_by, uploaded_at,
				audited, audited_by, audited_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				audited = EXCLUDED.audited,
				audited_by = EXCLUDED.audited_by,
				audited_at = EXCLUDED.audited_at
			WHERE NOT earnout_audit_records.audited`,
			rec.ID, rec.DealID, rec.DocumentID, rec.SubperiodID, string(rec.UploadedBy), rec.UploadedAt,
			rec.Audited, auditedBy, rec.AuditedAt)
		if err != nil {
			return handlePostgresError("save audit record", err)
		}
	}
	return nil
}
