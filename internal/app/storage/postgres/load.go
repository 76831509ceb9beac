package postgres

import (
	"context"
	"encoding/json"

	"github.com/decloud/controlplane/internal/app/domain/command"
	"github.com/decloud/controlplane/internal/app/domain/creditgrant"
	"github.com/decloud/controlplane/internal/app/domain/obligation"
	"github.com/decloud/controlplane/internal/app/domain/route"
	"github.com/decloud/controlplane/internal/app/domain/usage"
)

// Whole-table reads used by the write-through layer to warm the in-memory
// projection at startup.

func (s *Store) ListAllObligations(ctx context.Context) ([]obligation.Obligation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM obligations ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []obligation.Obligation
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var o obligation.Obligation
		if err := json.Unmarshal(body, &o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) ListAllRoutes(ctx context.Context) ([]route.Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM routes ORDER BY subdomain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []route.Route
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r route.Route
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListAllCreditGrants(ctx context.Context) ([]creditgrant.CreditGrant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM credit_grants ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []creditgrant.CreditGrant
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var g creditgrant.CreditGrant
		if err := json.Unmarshal(body, &g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) ListUndeliveredCommands(ctx context.Context) ([]command.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM commands WHERE state IN ('queued', 'push-attempted') ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []command.Command
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var c command.Command
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListAllUsageRecords(ctx context.Context) ([]usage.Record, error) {
	return s.queryUsage(ctx, `SELECT body FROM usage_records ORDER BY created_at`)
}
