// Package postgres implements the storage interfaces against PostgreSQL via
// database/sql and github.com/lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/decloud/controlplane/internal/app/domain/command"
	"github.com/decloud/controlplane/internal/app/domain/creditgrant"
	"github.com/decloud/controlplane/internal/app/domain/deposit"
	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/obligation"
	"github.com/decloud/controlplane/internal/app/domain/route"
	"github.com/decloud/controlplane/internal/app/domain/usage"
	"github.com/decloud/controlplane/internal/app/domain/vm"
	"github.com/decloud/controlplane/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Every
// aggregate is persisted as a single row with a JSONB body column plus a
// handful of indexed scalar columns used by the query methods; structured
// fields stay JSON rather than being normalized into many tables.
type Store struct {
	db *sql.DB
}

var (
	_ storage.NodeStore        = (*Store)(nil)
	_ storage.VMStore          = (*Store)(nil)
	_ storage.ObligationStore  = (*Store)(nil)
	_ storage.UsageStore       = (*Store)(nil)
	_ storage.DepositStore     = (*Store)(nil)
	_ storage.RouteStore       = (*Store)(nil)
	_ storage.CreditGrantStore = (*Store)(nil)
	_ storage.CommandStore     = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- NodeStore -----------------------------------------------------------

func (s *Store) CreateNode(ctx context.Context, n node.Node) (node.Node, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now

	body, err := json.Marshal(n)
	if err != nil {
		return node.Node{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, wallet_address, status, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.ID, n.WalletAddress, string(n.Status), body, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return node.Node{}, err
	}
	return n, nil
}

func (s *Store) UpdateNode(ctx context.Context, n node.Node) (node.Node, error) {
	existing, err := s.GetNode(ctx, n.ID)
	if err != nil {
		return node.Node{}, err
	}
	n.CreatedAt = existing.CreatedAt
	n.UpdatedAt = time.Now().UTC()

	body, err := json.Marshal(n)
	if err != nil {
		return node.Node{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET wallet_address = $2, status = $3, body = $4, updated_at = $5
		WHERE id = $1
	`, n.ID, n.WalletAddress, string(n.Status), body, n.UpdatedAt)
	if err != nil {
		return node.Node{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return node.Node{}, sql.ErrNoRows
	}
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (node.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM nodes WHERE id = $1`, id)
	var body []byte
	if err := row.Scan(&body); err != nil {
		return node.Node{}, err
	}
	var n node.Node
	if err := json.Unmarshal(body, &n); err != nil {
		return node.Node{}, err
	}
	return n, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]node.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM nodes ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []node.Node
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var n node.Node
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	return err
}

// --- VMStore ---------------------------------------------------------------

func (s *Store) CreateVM(ctx context.Context, v vm.VM) (vm.VM, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now

	body, err := json.Marshal(v)
	if err != nil {
		return vm.VM{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO virtual_machines (id, owner_id, node_id, status, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, v.ID, v.OwnerID, nullString(v.NodeID), string(v.Status), body, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return vm.VM{}, err
	}
	return v, nil
}

func (s *Store) UpdateVM(ctx context.Context, v vm.VM) (vm.VM, error) {
	existing, err := s.GetVM(ctx, v.ID)
	if err != nil {
		return vm.VM{}, err
	}
	v.CreatedAt = existing.CreatedAt
	v.UpdatedAt = time.Now().UTC()

	body, err := json.Marshal(v)
	if err != nil {
		return vm.VM{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE virtual_machines
		SET owner_id = $2, node_id = $3, status = $4, body = $5, updated_at = $6
		WHERE id = $1
	`, v.ID, v.OwnerID, nullString(v.NodeID), string(v.Status), body, v.UpdatedAt)
	if err != nil {
		return vm.VM{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return vm.VM{}, sql.ErrNoRows
	}
	return v, nil
}

func (s *Store) GetVM(ctx context.Context, id string) (vm.VM, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM virtual_machines WHERE id = $1`, id)
	var body []byte
	if err := row.Scan(&body); err != nil {
		return vm.VM{}, err
	}
	var v vm.VM
	if err := json.Unmarshal(body, &v); err != nil {
		return vm.VM{}, err
	}
	return v, nil
}

func (s *Store) ListVMsByOwner(ctx context.Context, ownerID string) ([]vm.VM, error) {
	return s.queryVMs(ctx, `SELECT body FROM virtual_machines WHERE owner_id = $1 ORDER BY created_at`, ownerID)
}

func (s *Store) ListVMsByNode(ctx context.Context, nodeID string, status vm.Status) ([]vm.VM, error) {
	if status == "" {
		return s.queryVMs(ctx, `SELECT body FROM virtual_machines WHERE node_id = $1 ORDER BY created_at`, nodeID)
	}
	return s.queryVMs(ctx, `SELECT body FROM virtual_machines WHERE node_id = $1 AND status = $2 ORDER BY created_at`, nodeID, string(status))
}

func (s *Store) ListVMsByStatus(ctx context.Context, status vm.Status) ([]vm.VM, error) {
	return s.queryVMs(ctx, `SELECT body FROM virtual_machines WHERE status = $1 ORDER BY created_at`, string(status))
}

func (s *Store) ListAllVMs(ctx context.Context) ([]vm.VM, error) {
	return s.queryVMs(ctx, `SELECT body FROM virtual_machines ORDER BY created_at`)
}

func (s *Store) queryVMs(ctx context.Context, query string, args ...interface{}) ([]vm.VM, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vm.VM
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v vm.VM
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) DeleteVM(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM virtual_machines WHERE id = $1`, id)
	return err
}

// --- ObligationStore ---------------------------------------------------

func (s *Store) CreateObligation(ctx context.Context, o obligation.Obligation) (obligation.Obligation, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	body, err := json.Marshal(o)
	if err != nil {
		return obligation.Obligation{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO obligations (id, type, resource_id, state, next_attempt_at, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ID, string(o.Type), o.ResourceID, string(o.State), o.NextAttemptAt, body, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return obligation.Obligation{}, err
	}
	return o, nil
}

func (s *Store) UpdateObligation(ctx context.Context, o obligation.Obligation) (obligation.Obligation, error) {
	existing, err := s.GetObligation(ctx, o.ID)
	if err != nil {
		return obligation.Obligation{}, err
	}
	o.CreatedAt = existing.CreatedAt
	o.UpdatedAt = time.Now().UTC()

	body, err := json.Marshal(o)
	if err != nil {
		return obligation.Obligation{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE obligations SET state = $2, next_attempt_at = $3, body = $4, updated_at = $5
		WHERE id = $1
	`, o.ID, string(o.State), o.NextAttemptAt, body, o.UpdatedAt)
	if err != nil {
		return obligation.Obligation{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return obligation.Obligation{}, sql.ErrNoRows
	}
	return o, nil
}

func (s *Store) GetObligation(ctx context.Context, id string) (obligation.Obligation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM obligations WHERE id = $1`, id)
	var body []byte
	if err := row.Scan(&body); err != nil {
		return obligation.Obligation{}, err
	}
	var o obligation.Obligation
	if err := json.Unmarshal(body, &o); err != nil {
		return obligation.Obligation{}, err
	}
	return o, nil
}

func (s *Store) FindObligation(ctx context.Context, typ obligation.Type, resourceID string) (obligation.Obligation, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body FROM obligations WHERE type = $1 AND resource_id = $2
		ORDER BY (state = 'failed'), created_at DESC LIMIT 1
	`, string(typ), resourceID)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return obligation.Obligation{}, false, nil
		}
		return obligation.Obligation{}, false, err
	}
	var o obligation.Obligation
	if err := json.Unmarshal(body, &o); err != nil {
		return obligation.Obligation{}, false, err
	}
	return o, true, nil
}

func (s *Store) ListDueObligations(ctx context.Context, now time.Time) ([]obligation.Obligation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM obligations
		WHERE state IN ('pending', 'retry-scheduled') AND next_attempt_at <= $1
		ORDER BY next_attempt_at
	`, now)
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

// --- UsageStore ----------------------------------------------------------

func (s *Store) CreateUsageRecord(ctx context.Context, r usage.Record) (usage.Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()

	body, err := json.Marshal(r)
	if err != nil {
		return usage.Record{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, user_id, node_id, vm_id, settled_on_chain, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.UserID, r.NodeID, r.VMID, r.SettledOnChain, body, r.CreatedAt)
	if err != nil {
		return usage.Record{}, err
	}
	return r, nil
}

func (s *Store) UpdateUsageRecord(ctx context.Context, r usage.Record) (usage.Record, error) {
	existing, err := s.GetUsageRecord(ctx, r.ID)
	if err != nil {
		return usage.Record{}, err
	}
	if existing.SettledOnChain && !r.SettledOnChain {
		return usage.Record{}, sql.ErrNoRows
	}
	r.CreatedAt = existing.CreatedAt

	body, err := json.Marshal(r)
	if err != nil {
		return usage.Record{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE usage_records SET settled_on_chain = $2, body = $3 WHERE id = $1
	`, r.ID, r.SettledOnChain, body)
	if err != nil {
		return usage.Record{}, err
	}
	return r, nil
}

func (s *Store) GetUsageRecord(ctx context.Context, id string) (usage.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM usage_records WHERE id = $1`, id)
	var body []byte
	if err := row.Scan(&body); err != nil {
		return usage.Record{}, err
	}
	var r usage.Record
	if err := json.Unmarshal(body, &r); err != nil {
		return usage.Record{}, err
	}
	return r, nil
}

func (s *Store) ListUnpaidUsageByUser(ctx context.Context, userID string) ([]usage.Record, error) {
	return s.queryUsage(ctx, `
		SELECT body FROM usage_records WHERE user_id = $1 AND settled_on_chain = false ORDER BY created_at
	`, userID)
}

func (s *Store) ListUnpaidUsageByUserAndNode(ctx context.Context, userID, nodeID string) ([]usage.Record, error) {
	return s.queryUsage(ctx, `
		SELECT body FROM usage_records
		WHERE user_id = $1 AND node_id = $2 AND settled_on_chain = false ORDER BY created_at
	`, userID, nodeID)
}

func (s *Store) ListUnpaidUsage(ctx context.Context) ([]usage.Record, error) {
	return s.queryUsage(ctx, `SELECT body FROM usage_records WHERE settled_on_chain = false ORDER BY created_at`)
}

func (s *Store) queryUsage(ctx context.Context, query string, args ...interface{}) ([]usage.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []usage.Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r usage.Record
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) LastBilledPeriodEnd(ctx context.Context, vmID string) (time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body FROM usage_records WHERE vm_id = $1 ORDER BY created_at DESC LIMIT 1
	`, vmID)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	var r usage.Record
	if err := json.Unmarshal(body, &r); err != nil {
		return time.Time{}, false, err
	}
	return r.PeriodEnd, true, nil
}

// --- DepositStore --------------------------------------------------------

func (s *Store) UpsertPendingDeposit(ctx context.Context, d deposit.PendingDeposit) (deposit.PendingDeposit, error) {
	d.WalletAddress = deposit.NormalizeWallet(d.WalletAddress)
	body, err := json.Marshal(d)
	if err != nil {
		return deposit.PendingDeposit{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_deposits (tx_hash, wallet_address, block_number, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tx_hash) DO UPDATE SET block_number = $3, body = $4
	`, d.TxHash, d.WalletAddress, d.BlockNumber, body)
	if err != nil {
		return deposit.PendingDeposit{}, err
	}
	return d, nil
}

func (s *Store) GetPendingDeposit(ctx context.Context, txHash string) (deposit.PendingDeposit, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM pending_deposits WHERE tx_hash = $1`, txHash)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return deposit.PendingDeposit{}, false, nil
		}
		return deposit.PendingDeposit{}, false, err
	}
	var d deposit.PendingDeposit
	if err := json.Unmarshal(body, &d); err != nil {
		return deposit.PendingDeposit{}, false, err
	}
	return d, true, nil
}

func (s *Store) ListPendingDepositsByWallet(ctx context.Context, wallet string) ([]deposit.PendingDeposit, error) {
	wallet = deposit.NormalizeWallet(wallet)
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM pending_deposits WHERE wallet_address = $1 ORDER BY block_number
	`, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeposits(rows)
}

func (s *Store) ListAllPendingDeposits(ctx context.Context) ([]deposit.PendingDeposit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM pending_deposits ORDER BY block_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeposits(rows)
}

func scanDeposits(rows *sql.Rows) ([]deposit.PendingDeposit, error) {
	var out []deposit.PendingDeposit
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d deposit.PendingDeposit
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeletePendingDeposit(ctx context.Context, txHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_deposits WHERE tx_hash = $1`, txHash)
	return err
}

// --- RouteStore ------------------------------------------------------------

func (s *Store) UpsertRoute(ctx context.Context, r route.Route) (route.Route, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return route.Route{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routes (vm_id, subdomain, status, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vm_id) DO UPDATE SET subdomain = $2, status = $3, body = $4
	`, r.VMID, r.Subdomain, string(r.Status), body)
	if err != nil {
		return route.Route{}, err
	}
	return r, nil
}

func (s *Store) GetRouteBySubdomain(ctx context.Context, subdomain string) (route.Route, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM routes WHERE subdomain = $1`, subdomain)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return route.Route{}, false, nil
		}
		return route.Route{}, false, err
	}
	var r route.Route
	if err := json.Unmarshal(body, &r); err != nil {
		return route.Route{}, false, err
	}
	return r, true, nil
}

func (s *Store) GetRouteByVM(ctx context.Context, vmID string) (route.Route, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM routes WHERE vm_id = $1`, vmID)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return route.Route{}, false, nil
		}
		return route.Route{}, false, err
	}
	var r route.Route
	if err := json.Unmarshal(body, &r); err != nil {
		return route.Route{}, false, err
	}
	return r, true, nil
}

func (s *Store) DeleteRouteByVM(ctx context.Context, vmID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE vm_id = $1`, vmID)
	return err
}

// --- CreditGrantStore --------------------------------------------------

func (s *Store) CreateCreditGrant(ctx context.Context, g creditgrant.CreditGrant) (creditgrant.CreditGrant, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.CreatedAt = time.Now().UTC()
	body, err := json.Marshal(g)
	if err != nil {
		return creditgrant.CreditGrant{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credit_grants (id, user_id, body, created_at) VALUES ($1, $2, $3, $4)
	`, g.ID, g.UserID, body, g.CreatedAt)
	if err != nil {
		return creditgrant.CreditGrant{}, err
	}
	return g, nil
}

func (s *Store) UpdateCreditGrant(ctx context.Context, g creditgrant.CreditGrant) (creditgrant.CreditGrant, error) {
	body, err := json.Marshal(g)
	if err != nil {
		return creditgrant.CreditGrant{}, err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE credit_grants SET body = $2 WHERE id = $1`, g.ID, body)
	if err != nil {
		return creditgrant.CreditGrant{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return creditgrant.CreditGrant{}, sql.ErrNoRows
	}
	return g, nil
}

func (s *Store) ListCreditGrantsByUser(ctx context.Context, userID string) ([]creditgrant.CreditGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM credit_grants WHERE user_id = $1 ORDER BY created_at
	`, userID)
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

// --- CommandStore ----------------------------------------------------------

func (s *Store) CreateCommand(ctx context.Context, c command.Command) (command.Command, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	body, err := json.Marshal(c)
	if err != nil {
		return command.Command{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commands (id, node_id, state, body, created_at) VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.NodeID, string(c.State), body, c.CreatedAt)
	if err != nil {
		return command.Command{}, err
	}
	return c, nil
}

func (s *Store) UpdateCommand(ctx context.Context, c command.Command) (command.Command, error) {
	existing, err := s.GetCommand(ctx, c.ID)
	if err != nil {
		return command.Command{}, err
	}
	c.CreatedAt = existing.CreatedAt
	body, err := json.Marshal(c)
	if err != nil {
		return command.Command{}, err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE commands SET state = $2, body = $3 WHERE id = $1`, c.ID, string(c.State), body)
	if err != nil {
		return command.Command{}, err
	}
	return c, nil
}

func (s *Store) GetCommand(ctx context.Context, id string) (command.Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM commands WHERE id = $1`, id)
	var body []byte
	if err := row.Scan(&body); err != nil {
		return command.Command{}, err
	}
	var c command.Command
	if err := json.Unmarshal(body, &c); err != nil {
		return command.Command{}, err
	}
	return c, nil
}

func (s *Store) ListPendingCommandsByNode(ctx context.Context, nodeID string) ([]command.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM commands WHERE node_id = $1 AND state IN ('queued', 'push-attempted') ORDER BY created_at
	`, nodeID)
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

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
