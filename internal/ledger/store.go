// Package ledger is the durable system of record for order and cancel intents,
// per-request audit rows, fills and balances. SQLite in WAL mode backs it; all
// money columns are stored as decimal strings, never floats.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/Dennicka/propbot-sub002/internal/core"
	apperrors "github.com/Dennicka/propbot-sub002/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS order_intents (
	intent_id       TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL,
	account         TEXT NOT NULL,
	venue           TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	strategy        TEXT NOT NULL DEFAULT '',
	order_type      TEXT NOT NULL,
	tif             TEXT NOT NULL,
	qty             TEXT NOT NULL,
	price           TEXT NOT NULL,
	reduce_only     INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL,
	filled_qty      TEXT NOT NULL DEFAULT '0',
	remaining_qty   TEXT NOT NULL DEFAULT '0',
	avg_fill_price  TEXT NOT NULL DEFAULT '0',
	broker_order_id TEXT NOT NULL DEFAULT '',
	replaced_by     TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intents_state ON order_intents(state);
CREATE INDEX IF NOT EXISTS idx_intents_broker ON order_intents(account, venue, broker_order_id);

CREATE TABLE IF NOT EXISTS order_request_ledger (
	request_id    TEXT PRIMARY KEY,
	intent_id     TEXT NOT NULL REFERENCES order_intents(intent_id),
	state         TEXT NOT NULL,
	superseded_by TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_intent ON order_request_ledger(intent_id);

CREATE TABLE IF NOT EXISTS cancel_intents (
	intent_id       TEXT PRIMARY KEY,
	account         TEXT NOT NULL,
	venue           TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cancels_order ON cancel_intents(account, venue, broker_order_id);

CREATE TABLE IF NOT EXISTS fills (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id     TEXT NOT NULL,
	ts           INTEGER NOT NULL,
	qty          TEXT NOT NULL,
	price        TEXT NOT NULL,
	fee          TEXT NOT NULL DEFAULT '0',
	realized_pnl TEXT NOT NULL DEFAULT '0'
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);

CREATE TABLE IF NOT EXISTS positions (
	venue   TEXT NOT NULL,
	symbol  TEXT NOT NULL,
	net_qty TEXT NOT NULL,
	vwap    TEXT NOT NULL,
	PRIMARY KEY (venue, symbol)
);

CREATE TABLE IF NOT EXISTS balances (
	venue TEXT NOT NULL,
	asset TEXT NOT NULL,
	total TEXT NOT NULL,
	PRIMARY KEY (venue, asset)
);
`

// Store is the ledger backed by SQLite.
type Store struct {
	db     *sql.DB
	logger core.ILogger
	now    func() time.Time
}

// NewStore opens (or creates) the ledger database at dbPath.
func NewStore(dbPath string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}

	// WAL for crash recovery; FKs for referential integrity between intents and requests.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.WithField("component", "ledger"),
		now:    time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scopeKey(sc core.OrderScope) string {
	return fmt.Sprintf("%s/%s/%s/%s", sc.Account, sc.Venue, sc.Symbol, sc.Side)
}

// EnsureOrderIntent inserts the intent if it does not exist and returns the
// stored row. When the intent exists with the same (account, venue, symbol,
// side), the stored row wins: the caller's copy is ignored and the second
// return value reports the dedup hit. A reused id with a different scope is an
// IntentScopeConflict. A new RequestID on an existing intent appends a request
// row and marks the previous one SUPERSEDED.
func (s *Store) EnsureOrderIntent(ctx context.Context, intent *core.OrderIntent) (*core.OrderIntent, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.loadIntentTx(ctx, tx, intent.IntentID)
	if err != nil {
		return nil, false, err
	}

	nowNs := s.now().UnixNano()

	if existing == nil {
		if !core.CanTransition("", intent.State) {
			return nil, false, &apperrors.StateTransitionError{IntentID: intent.IntentID, From: "", To: string(intent.State)}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_intents
			(intent_id, request_id, account, venue, symbol, side, strategy, order_type, tif,
			 qty, price, reduce_only, state, filled_qty, remaining_qty, avg_fill_price,
			 broker_order_id, replaced_by, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			intent.IntentID, intent.RequestID,
			intent.Scope.Account, intent.Scope.Venue, intent.Scope.Symbol, string(intent.Scope.Side), intent.Scope.Strategy,
			string(intent.Params.Type), string(intent.Params.TIF),
			intent.Params.Qty.String(), intent.Params.Price.String(), boolToInt(intent.Params.ReduceOnly),
			string(intent.State), intent.FilledQty.String(), intent.Params.Qty.String(), intent.AvgFillPrice.String(),
			intent.BrokerOrderID, intent.ReplacedBy, nowNs, nowNs)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert intent: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_request_ledger (request_id, intent_id, state, created_at)
			VALUES (?,?,?,?)`,
			intent.RequestID, intent.IntentID, string(core.RequestActive), nowNs)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert request row: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		stored := *intent
		stored.RemainingQty = intent.Params.Qty
		stored.CreatedAt = time.Unix(0, nowNs)
		stored.UpdatedAt = stored.CreatedAt
		return &stored, false, nil
	}

	if existing.Scope.Account != intent.Scope.Account ||
		existing.Scope.Venue != intent.Scope.Venue ||
		existing.Scope.Symbol != intent.Scope.Symbol ||
		existing.Scope.Side != intent.Scope.Side {
		return nil, false, &apperrors.IntentScopeConflict{
			IntentID: intent.IntentID,
			Existing: scopeKey(existing.Scope),
			Got:      scopeKey(intent.Scope),
		}
	}

	if intent.RequestID != "" && intent.RequestID != existing.RequestID {
		_, err = tx.ExecContext(ctx, `
			UPDATE order_request_ledger SET state=?, superseded_by=?
			WHERE intent_id=? AND state=?`,
			string(core.RequestSuperseded), intent.RequestID, intent.IntentID, string(core.RequestActive))
		if err != nil {
			return nil, false, fmt.Errorf("failed to supersede request rows: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_request_ledger (request_id, intent_id, state, created_at)
			VALUES (?,?,?,?)`,
			intent.RequestID, intent.IntentID, string(core.RequestActive), nowNs)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert request row: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE order_intents SET request_id=?, updated_at=? WHERE intent_id=?`,
			intent.RequestID, nowNs, intent.IntentID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to advance intent request: %w", err)
		}
		existing.RequestID = intent.RequestID
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// UpdateIntentState moves an intent to a new state, enforcing the transition
// table. Optional mutators adjust fill bookkeeping inside the same write.
func (s *Store) UpdateIntentState(ctx context.Context, intentID string, to core.OrderState, muts ...IntentMutation) (*core.OrderIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	intent, err := s.loadIntentTx(ctx, tx, intentID)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, apperrors.ErrOrderNotFound
	}

	if intent.State != to && !core.CanTransition(intent.State, to) {
		return nil, &apperrors.StateTransitionError{IntentID: intentID, From: string(intent.State), To: string(to)}
	}

	intent.State = to
	for _, mut := range muts {
		mut(intent)
	}
	intent.RemainingQty = intent.Params.Qty.Sub(intent.FilledQty)
	if intent.RemainingQty.IsNegative() {
		intent.RemainingQty = decimal.Zero
	}

	nowNs := s.now().UnixNano()
	_, err = tx.ExecContext(ctx, `
		UPDATE order_intents SET state=?, filled_qty=?, remaining_qty=?, avg_fill_price=?,
			broker_order_id=?, replaced_by=?, updated_at=?
		WHERE intent_id=?`,
		string(intent.State), intent.FilledQty.String(), intent.RemainingQty.String(), intent.AvgFillPrice.String(),
		intent.BrokerOrderID, intent.ReplacedBy, nowNs, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to update intent: %w", err)
	}

	if intent.State.IsTerminal() {
		_, err = tx.ExecContext(ctx, `
			UPDATE order_request_ledger SET state=? WHERE intent_id=? AND state=?`,
			string(core.RequestCompleted), intentID, string(core.RequestActive))
		if err != nil {
			return nil, fmt.Errorf("failed to complete request rows: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	intent.UpdatedAt = time.Unix(0, nowNs)
	return intent, nil
}

// IntentMutation adjusts intent fields inside UpdateIntentState.
type IntentMutation func(*core.OrderIntent)

// WithBrokerOrderID sets the broker order id.
func WithBrokerOrderID(id string) IntentMutation {
	return func(oi *core.OrderIntent) { oi.BrokerOrderID = id }
}

// WithReplacedBy links the replacement intent.
func WithReplacedBy(id string) IntentMutation {
	return func(oi *core.OrderIntent) { oi.ReplacedBy = id }
}

// WithFillTotals overrides cumulative fill figures reported by the broker.
func WithFillTotals(filled, avgPrice decimal.Decimal) IntentMutation {
	return func(oi *core.OrderIntent) {
		oi.FilledQty = filled
		oi.AvgFillPrice = avgPrice
	}
}

// LoadIntent returns the intent by id, or nil when absent.
func (s *Store) LoadIntent(ctx context.Context, intentID string) (*core.OrderIntent, error) {
	return s.loadIntentWhere(ctx, "intent_id=?", intentID)
}

// LoadIntentByBrokerID resolves an intent from its broker order id.
func (s *Store) LoadIntentByBrokerID(ctx context.Context, account, venue, brokerOrderID string) (*core.OrderIntent, error) {
	return s.loadIntentWhere(ctx, "account=? AND venue=? AND broker_order_id=?", account, venue, brokerOrderID)
}

const intentColumns = `intent_id, request_id, account, venue, symbol, side, strategy, order_type, tif,
	qty, price, reduce_only, state, filled_qty, remaining_qty, avg_fill_price,
	broker_order_id, replaced_by, created_at, updated_at`

func (s *Store) loadIntentWhere(ctx context.Context, where string, args ...interface{}) (*core.OrderIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM order_intents WHERE `+where, args...)
	intent, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return intent, err
}

func (s *Store) loadIntentTx(ctx context.Context, tx *sql.Tx, intentID string) (*core.OrderIntent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM order_intents WHERE intent_id=?`, intentID)
	intent, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return intent, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(row rowScanner) (*core.OrderIntent, error) {
	var oi core.OrderIntent
	var side, otype, tif, state string
	var qty, price, filled, remaining, avg string
	var reduceOnly int
	var createdNs, updatedNs int64

	err := row.Scan(&oi.IntentID, &oi.RequestID,
		&oi.Scope.Account, &oi.Scope.Venue, &oi.Scope.Symbol, &side, &oi.Scope.Strategy,
		&otype, &tif, &qty, &price, &reduceOnly, &state,
		&filled, &remaining, &avg,
		&oi.BrokerOrderID, &oi.ReplacedBy, &createdNs, &updatedNs)
	if err != nil {
		return nil, err
	}

	oi.Scope.Side = core.Side(side)
	oi.Params.Type = core.OrderType(otype)
	oi.Params.TIF = core.TimeInForce(tif)
	oi.Params.ReduceOnly = reduceOnly != 0
	oi.State = core.OrderState(state)
	oi.CreatedAt = time.Unix(0, createdNs)
	oi.UpdatedAt = time.Unix(0, updatedNs)

	if oi.Params.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("corrupt qty for %s: %w", oi.IntentID, err)
	}
	if oi.Params.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("corrupt price for %s: %w", oi.IntentID, err)
	}
	if oi.FilledQty, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("corrupt filled_qty for %s: %w", oi.IntentID, err)
	}
	if oi.RemainingQty, err = decimal.NewFromString(remaining); err != nil {
		return nil, fmt.Errorf("corrupt remaining_qty for %s: %w", oi.IntentID, err)
	}
	if oi.AvgFillPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("corrupt avg_fill_price for %s: %w", oi.IntentID, err)
	}
	return &oi, nil
}

// InflightIntents returns all non-terminal intents, oldest first.
func (s *Store) InflightIntents(ctx context.Context) ([]*core.OrderIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM order_intents
		WHERE state IN (?,?,?,?,?)
		ORDER BY created_at ASC`,
		string(core.StateNew), string(core.StatePending), string(core.StateSent),
		string(core.StateAcked), string(core.StatePartial))
	if err != nil {
		return nil, fmt.Errorf("failed to query inflight intents: %w", err)
	}
	defer rows.Close()

	var out []*core.OrderIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

// OpenIntentCount counts non-terminal intents.
func (s *Store) OpenIntentCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM order_intents WHERE state IN (?,?,?,?,?)`,
		string(core.StateNew), string(core.StatePending), string(core.StateSent),
		string(core.StateAcked), string(core.StatePartial)).Scan(&n)
	return n, err
}

// ReplaceChainDepth counts the replacement ancestry of an intent: 1 for an
// intent that never replaced anything, growing by one per predecessor.
func (s *Store) ReplaceChainDepth(ctx context.Context, intentID string) (int64, error) {
	depth := int64(1)
	cur := intentID
	for {
		var prev string
		err := s.db.QueryRowContext(ctx, `
			SELECT intent_id FROM order_intents WHERE replaced_by=?`, cur).Scan(&prev)
		if err == sql.ErrNoRows {
			return depth, nil
		}
		if err != nil {
			return 0, err
		}
		depth++
		cur = prev
		if depth > 1000 {
			return depth, fmt.Errorf("replace chain too deep at intent %s", intentID)
		}
	}
}

// Requests returns the audit rows of one intent, oldest first.
func (s *Store) Requests(ctx context.Context, intentID string) ([]*core.RequestRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, intent_id, state, superseded_by, created_at
		FROM order_request_ledger WHERE intent_id=? ORDER BY created_at ASC`, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.RequestRow
	for rows.Next() {
		var r core.RequestRow
		var state string
		var createdNs int64
		if err := rows.Scan(&r.RequestID, &r.IntentID, &state, &r.SupersededBy, &createdNs); err != nil {
			return nil, err
		}
		r.State = core.RequestRowState(state)
		r.CreatedAt = time.Unix(0, createdNs)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// EnsureCancelIntent inserts the cancel if absent; returns the stored row and
// whether the call was a dedup hit.
func (s *Store) EnsureCancelIntent(ctx context.Context, ci *core.CancelIntent) (*core.CancelIntent, bool, error) {
	existing, err := s.LoadCancelIntent(ctx, ci.IntentID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	nowNs := s.now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cancel_intents (intent_id, account, venue, broker_order_id, reason, state, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		ci.IntentID, ci.Account, ci.Venue, ci.BrokerOrderID, ci.Reason, string(ci.State), nowNs, nowNs)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert cancel intent: %w", err)
	}
	stored := *ci
	stored.CreatedAt = time.Unix(0, nowNs)
	stored.UpdatedAt = stored.CreatedAt
	return &stored, false, nil
}

// LoadCancelIntent returns the cancel by id, or nil when absent.
func (s *Store) LoadCancelIntent(ctx context.Context, intentID string) (*core.CancelIntent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT intent_id, account, venue, broker_order_id, reason, state, created_at, updated_at
		FROM cancel_intents WHERE intent_id=?`, intentID)

	var ci core.CancelIntent
	var state string
	var createdNs, updatedNs int64
	err := row.Scan(&ci.IntentID, &ci.Account, &ci.Venue, &ci.BrokerOrderID, &ci.Reason, &state, &createdNs, &updatedNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ci.State = core.CancelState(state)
	ci.CreatedAt = time.Unix(0, createdNs)
	ci.UpdatedAt = time.Unix(0, updatedNs)
	return &ci, nil
}

// ActiveCancelFor returns a non-rejected cancel targeting the given broker
// order, or nil. Used for cancel idempotency by target.
func (s *Store) ActiveCancelFor(ctx context.Context, account, venue, brokerOrderID string) (*core.CancelIntent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT intent_id, account, venue, broker_order_id, reason, state, created_at, updated_at
		FROM cancel_intents
		WHERE account=? AND venue=? AND broker_order_id=? AND state != ?
		ORDER BY created_at DESC LIMIT 1`,
		account, venue, brokerOrderID, string(core.CancelRejected))

	var ci core.CancelIntent
	var state string
	var createdNs, updatedNs int64
	err := row.Scan(&ci.IntentID, &ci.Account, &ci.Venue, &ci.BrokerOrderID, &ci.Reason, &state, &createdNs, &updatedNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ci.State = core.CancelState(state)
	ci.CreatedAt = time.Unix(0, createdNs)
	ci.UpdatedAt = time.Unix(0, updatedNs)
	return &ci, nil
}

// UpdateCancelState moves a cancel to a new state, enforcing the transition table.
func (s *Store) UpdateCancelState(ctx context.Context, intentID string, to core.CancelState) error {
	ci, err := s.LoadCancelIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if ci == nil {
		return apperrors.ErrOrderNotFound
	}
	if ci.State != to && !core.CanTransitionCancel(ci.State, to) {
		return &apperrors.StateTransitionError{IntentID: intentID, From: string(ci.State), To: string(to)}
	}
	_, err = s.db.ExecContext(ctx, `UPDATE cancel_intents SET state=?, updated_at=? WHERE intent_id=?`,
		string(to), s.now().UnixNano(), intentID)
	return err
}

// ApplyFill records one execution, folds it into the (venue, symbol) position
// VWAP, and books realized PnL for the closing portion. Fill qty is signed.
func (s *Store) ApplyFill(ctx context.Context, venue, symbol string, fill *core.Fill) (realized decimal.Decimal, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var netStr, vwapStr string
	row := tx.QueryRowContext(ctx, `SELECT net_qty, vwap FROM positions WHERE venue=? AND symbol=?`, venue, symbol)
	netQty, vwap := decimal.Zero, decimal.Zero
	switch err := row.Scan(&netStr, &vwapStr); err {
	case nil:
		if netQty, err = decimal.NewFromString(netStr); err != nil {
			return decimal.Zero, fmt.Errorf("corrupt position qty: %w", err)
		}
		if vwap, err = decimal.NewFromString(vwapStr); err != nil {
			return decimal.Zero, fmt.Errorf("corrupt position vwap: %w", err)
		}
	case sql.ErrNoRows:
	default:
		return decimal.Zero, err
	}

	newNet := netQty.Add(fill.Qty)
	realized = decimal.Zero

	sameSign := netQty.Sign() == 0 || netQty.Sign() == fill.Qty.Sign()
	switch {
	case sameSign:
		// Increasing exposure: fold into VWAP.
		total := netQty.Abs().Add(fill.Qty.Abs())
		if !total.IsZero() {
			vwap = vwap.Mul(netQty.Abs()).Add(fill.Price.Mul(fill.Qty.Abs())).Div(total)
		}
	case newNet.Sign() == netQty.Sign() || newNet.IsZero():
		// Reducing (possibly to flat): realize PnL on the closed qty, VWAP unchanged.
		closed := fill.Qty.Abs()
		diff := fill.Price.Sub(vwap)
		if netQty.Sign() < 0 {
			diff = diff.Neg()
		}
		realized = diff.Mul(closed)
		if newNet.IsZero() {
			vwap = decimal.Zero
		}
	default:
		// Crossing through flat: realize the old side fully, open the rest at fill price.
		closed := netQty.Abs()
		diff := fill.Price.Sub(vwap)
		if netQty.Sign() < 0 {
			diff = diff.Neg()
		}
		realized = diff.Mul(closed)
		vwap = fill.Price
	}
	realized = realized.Sub(fill.Fee)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fills (order_id, ts, qty, price, fee, realized_pnl) VALUES (?,?,?,?,?,?)`,
		fill.OrderID, fill.Ts.UnixNano(), fill.Qty.String(), fill.Price.String(),
		fill.Fee.String(), realized.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to insert fill: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (venue, symbol, net_qty, vwap) VALUES (?,?,?,?)
		ON CONFLICT(venue, symbol) DO UPDATE SET net_qty=excluded.net_qty, vwap=excluded.vwap`,
		venue, symbol, newNet.String(), vwap.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to update position: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, err
	}
	return realized, nil
}

// Positions returns the derived positions, flat rows excluded.
func (s *Store) Positions(ctx context.Context) ([]*core.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT venue, symbol, net_qty, vwap FROM positions WHERE net_qty != '0'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Position
	for rows.Next() {
		var p core.Position
		var net, vwap string
		if err := rows.Scan(&p.Venue, &p.Symbol, &net, &vwap); err != nil {
			return nil, err
		}
		if p.NetQty, err = decimal.NewFromString(net); err != nil {
			return nil, err
		}
		if p.VWAP, err = decimal.NewFromString(vwap); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Position returns the (venue, symbol) position, flat when absent.
func (s *Store) Position(ctx context.Context, venue, symbol string) (*core.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT net_qty, vwap FROM positions WHERE venue=? AND symbol=?`, venue, symbol)
	p := &core.Position{Venue: venue, Symbol: symbol, NetQty: decimal.Zero, VWAP: decimal.Zero}
	var net, vwap string
	err := row.Scan(&net, &vwap)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	if p.NetQty, err = decimal.NewFromString(net); err != nil {
		return nil, err
	}
	if p.VWAP, err = decimal.NewFromString(vwap); err != nil {
		return nil, err
	}
	return p, nil
}

// SetBalance upserts the (venue, asset) total.
func (s *Store) SetBalance(ctx context.Context, venue, asset string, total decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (venue, asset, total) VALUES (?,?,?)
		ON CONFLICT(venue, asset) DO UPDATE SET total=excluded.total`,
		venue, asset, total.String())
	return err
}

// Balances returns all balances.
func (s *Store) Balances(ctx context.Context) ([]*core.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT venue, asset, total FROM balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Balance
	for rows.Next() {
		var b core.Balance
		var total string
		if err := rows.Scan(&b.Venue, &b.Asset, &total); err != nil {
			return nil, err
		}
		if b.Total, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// DailyRealizedPnL sums realized PnL over fills recorded since UTC midnight.
// The pre-trade gate uses it for the daily loss cap.
func (s *Store) DailyRealizedPnL(ctx context.Context) (decimal.Decimal, error) {
	midnight := s.now().UTC().Truncate(24 * time.Hour)
	rows, err := s.db.QueryContext(ctx,
		`SELECT realized_pnl FROM fills WHERE ts >= ?`, midnight.UnixNano())
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		pnl, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(pnl)
	}
	return total, rows.Err()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
