package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skillgate/skillgate/internal/skill"
)

// SaveRecord inserts a registry record. Records are immutable; only
// the retired flag is ever updated, through SetRetired.
func (s *Store) SaveRecord(ctx context.Context, rec *skill.Record) error {
	caps, err := json.Marshal(rec.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	var approval []byte
	if rec.Approval != nil {
		if approval, err = json.Marshal(rec.Approval); err != nil {
			return fmt.Errorf("marshal approval: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO skill_records
			(name, version, capabilities, code_path, checksum, approval, created_at, retired)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Name, rec.Version, caps, rec.CodePath, rec.Checksum, approval,
		rec.CreatedAt, rec.Retired,
	)
	if err != nil {
		return fmt.Errorf("save record %s v%d: %w", rec.Name, rec.Version, err)
	}
	return nil
}

// SetRetired flips a record's retired flag.
func (s *Store) SetRetired(ctx context.Context, name string, version int, retired bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE skill_records SET retired = $3 WHERE name = $1 AND version = $2`,
		name, version, retired)
	if err != nil {
		return fmt.Errorf("retire %s v%d: %w", name, version, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retire %s v%d: record not found", name, version)
	}
	return nil
}

// ListRecords returns every registry record for boot loading.
func (s *Store) ListRecords(ctx context.Context) ([]*skill.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, version, capabilities, code_path, checksum, approval, created_at, retired
		FROM skill_records
		ORDER BY name, version`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*skill.Record
	for rows.Next() {
		var rec skill.Record
		var caps, approval []byte
		if err := rows.Scan(&rec.Name, &rec.Version, &caps, &rec.CodePath,
			&rec.Checksum, &approval, &rec.CreatedAt, &rec.Retired); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if rec.Capabilities, err = capsFromJSON(caps); err != nil {
			return nil, fmt.Errorf("decode capabilities for %s v%d: %w", rec.Name, rec.Version, err)
		}
		if len(approval) > 0 {
			rec.Approval = &skill.Approval{}
			if err := json.Unmarshal(approval, rec.Approval); err != nil {
				return nil, fmt.Errorf("decode approval for %s v%d: %w", rec.Name, rec.Version, err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
