package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skillgate/skillgate/internal/capability"
	"github.com/skillgate/skillgate/internal/skill"
)

// SaveProposal upserts a proposal at its current lifecycle state.
func (s *Store) SaveProposal(ctx context.Context, p *skill.Proposal) error {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	tests, err := json.Marshal(p.Tests)
	if err != nil {
		return fmt.Errorf("marshal tests: %w", err)
	}
	var diag []byte
	if p.Diagnostic != nil {
		if diag, err = json.Marshal(p.Diagnostic); err != nil {
			return fmt.Errorf("marshal diagnostic: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO skill_proposals
			(id, name, source, capabilities, tests, status, diagnostic, approval_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			status = EXCLUDED.status,
			diagnostic = EXCLUDED.diagnostic,
			approval_attempts = EXCLUDED.approval_attempts,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Source, caps, tests, string(p.Status), diag,
		p.ApprovalAttempts, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save proposal %s: %w", p.ID, err)
	}
	return nil
}

// ListProposals returns every stored proposal.
func (s *Store) ListProposals(ctx context.Context) ([]*skill.Proposal, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, source, capabilities, tests, status, diagnostic, approval_attempts, created_at, updated_at
		FROM skill_proposals
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []*skill.Proposal
	for rows.Next() {
		var p skill.Proposal
		var status string
		var caps, tests, diag []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Source, &caps, &tests,
			&status, &diag, &p.ApprovalAttempts, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		p.Status = skill.Status(status)
		if p.Capabilities, err = capsFromJSON(caps); err != nil {
			return nil, fmt.Errorf("decode capabilities for %s: %w", p.ID, err)
		}
		if err := json.Unmarshal(tests, &p.Tests); err != nil {
			return nil, fmt.Errorf("decode tests for %s: %w", p.ID, err)
		}
		if len(diag) > 0 {
			p.Diagnostic = &skill.Diagnostic{}
			if err := json.Unmarshal(diag, p.Diagnostic); err != nil {
				return nil, fmt.Errorf("decode diagnostic for %s: %w", p.ID, err)
			}
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// capsFromJSON is shared by proposal and record scanning.
func capsFromJSON(raw []byte) ([]capability.Capability, error) {
	var caps []capability.Capability
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, err
	}
	return caps, nil
}
