package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Execer is the subset of *pgxpool.Pool used by PGTransport.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Sealer encrypts column values at rest. *hipaa.EncryptionService
// implements it.
type Sealer interface {
	SealString(value string) (string, error)
}

type noSeal struct{}

func (noSeal) SealString(v string) (string, error) { return v, nil }

// auditRow mirrors the JSON shape of an audit log entry.
type auditRow struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	IP        string          `json:"ip,omitempty"`
	UserAgent string          `json:"userAgent,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Sensitive bool            `json:"sensitive"`
}

type auditBatch struct {
	Entries []auditRow `json:"entries"`
}

// consentRow mirrors the JSON shape of a consent record.
type consentRow struct {
	ID          string          `json:"id"`
	SubjectID   string          `json:"subjectId"`
	ConsentType string          `json:"consentType"`
	Granted     bool            `json:"granted"`
	Timestamp   time.Time       `json:"timestamp"`
	Purpose     string          `json:"purpose,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// PGTransport persists deliveries directly into PostgreSQL. Inserts are
// idempotent on the entry id, so redelivery of the same entry is harmless.
type PGTransport struct {
	db     Execer
	sealer Sealer
	logger zerolog.Logger
}

// NewPGTransport creates a PGTransport. A nil sealer stores ip and user agent
// in plaintext.
func NewPGTransport(db Execer, sealer Sealer, logger zerolog.Logger) *PGTransport {
	if sealer == nil {
		sealer = noSeal{}
	}
	return &PGTransport{
		db:     db,
		sealer: sealer,
		logger: logger.With().Str("component", "transport.pg").Logger(),
	}
}

const insertAudit = `
	INSERT INTO audit_log (
		entry_id, action, actor, ip, user_agent, details, sensitive, occurred_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (entry_id) DO NOTHING`

const insertConsent = `
	INSERT INTO consent_record (
		record_id, subject_id, consent_type, granted, purpose, details, decided_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (record_id) DO NOTHING`

func (t *PGTransport) Post(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return deliveryError("encode body", err)
	}

	switch path {
	case PathAuditLog:
		var row auditRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return deliveryError("decode audit entry", err)
		}
		return t.insertAudit(ctx, row)
	case PathAuditBatch:
		var batch auditBatch
		if err := json.Unmarshal(raw, &batch); err != nil {
			return deliveryError("decode audit batch", err)
		}
		for _, row := range batch.Entries {
			if err := t.insertAudit(ctx, row); err != nil {
				return err
			}
		}
		return nil
	case PathConsent:
		var row consentRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return deliveryError("decode consent record", err)
		}
		return t.insertConsent(ctx, row)
	}
	return deliveryError("post", fmt.Errorf("unknown path %q", path))
}

func (t *PGTransport) insertAudit(ctx context.Context, row auditRow) error {
	if row.ID == "" {
		return deliveryError("insert audit entry", fmt.Errorf("entry has no id"))
	}
	ip, err := t.sealer.SealString(row.IP)
	if err != nil {
		return deliveryError("seal ip", err)
	}
	ua, err := t.sealer.SealString(row.UserAgent)
	if err != nil {
		return deliveryError("seal user agent", err)
	}

	_, err = t.db.Exec(ctx, insertAudit,
		row.ID, row.Action, row.Actor, ip, ua, nullJSON(row.Details), row.Sensitive, row.Timestamp,
	)
	if err != nil {
		return deliveryError("insert audit entry", err)
	}
	return nil
}

func (t *PGTransport) insertConsent(ctx context.Context, row consentRow) error {
	if row.ID == "" {
		return deliveryError("insert consent record", fmt.Errorf("record has no id"))
	}
	_, err := t.db.Exec(ctx, insertConsent,
		row.ID, row.SubjectID, row.ConsentType, row.Granted, row.Purpose, nullJSON(row.Details), row.Timestamp,
	)
	if err != nil {
		return deliveryError("insert consent record", err)
	}
	return nil
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return []byte(b)
}
