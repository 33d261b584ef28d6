package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// AuditRecord is a row of the consent_decision_audit table.
type AuditRecord struct {
	ID           uuid.UUID
	RecordedAt   time.Time
	Decision     string
	ConsentID    string
	ConsentURL   string
	PatientID    string
	PurposeOfUse string
	Actor        string
	Obligations  json.RawMessage
}

// PGAuditSink stores every decision, including NO_CONSENT, in Postgres.
type PGAuditSink struct {
	db  queryable
	now func() time.Time
}

func NewPGAuditSink(db queryable) *PGAuditSink {
	return &PGAuditSink{db: db, now: time.Now}
}

const auditCols = `id, recorded_at, decision, consent_id, consent_url, patient_id,
	purpose_of_use, actor, obligations`

func (s *PGAuditSink) RecordAudit(ctx context.Context, d DecisionEntry, q Query) error {
	obligations, err := json.Marshal(d.Obligations)
	if err != nil {
		return fmt.Errorf("marshal obligations: %w", err)
	}
	if d.Obligations == nil {
		obligations = []byte("[]")
	}

	actors := make([]string, 0, len(q.Actor))
	for _, a := range q.Actor {
		actors = append(actors, a.SearchToken())
	}

	_, err = s.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO consent_decision_audit (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, auditCols),
		uuid.New(), s.now().UTC(), d.Decision.String(), d.ID, d.BasedOn, d.PatientID,
		strings.Join(q.PurposeOfUse, ","), strings.Join(actors, ","), obligations,
	)
	if err != nil {
		return fmt.Errorf("insert consent decision audit: %w", err)
	}
	return nil
}

func scanAuditRecord(row pgx.Row) (*AuditRecord, error) {
	var r AuditRecord
	err := row.Scan(
		&r.ID, &r.RecordedAt, &r.Decision, &r.ConsentID, &r.ConsentURL, &r.PatientID,
		&r.PurposeOfUse, &r.Actor, &r.Obligations,
	)
	return &r, err
}

// Recent returns the latest audit records, newest first.
func (s *PGAuditSink) Recent(ctx context.Context, limit int) ([]*AuditRecord, error) {
	q := fmt.Sprintf("SELECT %s FROM consent_decision_audit ORDER BY recorded_at DESC LIMIT $1", auditCols)
	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query consent decision audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		r, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent decision audit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
