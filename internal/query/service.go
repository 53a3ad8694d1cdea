package query

import (
	"context"
	"database/sql"
	"fmt"
)

// QueryService provides read-only access to the projection tables.
// Queries are served over HTTP/JSON and read Postgres only; the
// deterministic core is never consulted. All responses include
// as_of_sequence so callers can reason about freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const dualColumns = `
	dual_id, user_address, chain_id, parent_id, base_token, quote_token,
	input_token, input_amount::TEXT, yield::TEXT, initial_price::TEXT, finish_at,
	status, closed_price::TEXT, output_token, output_amount::TEXT, successor_id
`

func scanDual(rows interface{ Scan(...interface{}) error }, asOfSeq int64) (DualResponse, error) {
	var d DualResponse
	var chainID int64
	var closedPrice, outputToken, outputAmount, successorID sql.NullString

	err := rows.Scan(
		&d.DualID, &d.User, &chainID, &d.ParentID, &d.BaseToken, &d.QuoteToken,
		&d.InputToken, &d.InputAmount, &d.Yield, &d.InitialPrice, &d.FinishAt,
		&d.Status, &closedPrice, &outputToken, &outputAmount, &successorID,
	)
	if err != nil {
		return DualResponse{}, err
	}

	d.ChainID = uint64(chainID)
	d.AsOfSequence = asOfSeq
	if closedPrice.Valid {
		d.ClosedPrice = &closedPrice.String
	}
	if outputToken.Valid {
		d.OutputToken = &outputToken.String
	}
	if outputAmount.Valid {
		d.OutputAmount = &outputAmount.String
	}
	if successorID.Valid {
		d.SuccessorID = &successorID.String
	}
	return d, nil
}

// GetDual returns a single position by id, or nil if unknown.
func (qs *QueryService) GetDual(ctx context.Context, dualID string) (*DualResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx,
		`SELECT `+dualColumns+` FROM projections.dual_positions WHERE dual_id = $1`,
		dualID)

	d, err := scanDual(row, asOfSeq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDuals returns positions with optional user, chain and status
// filters. Pagination is cursor-based on created_sequence descending.
func (qs *QueryService) ListDuals(
	ctx context.Context,
	user *string,
	chainID *uint64,
	status *string,
	limit int,
	afterSequence *int64,
) ([]DualResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + dualColumns + ` FROM projections.dual_positions WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if user != nil {
		query += fmt.Sprintf(" AND user_address = $%d", argIdx)
		args = append(args, *user)
		argIdx++
	}

	if chainID != nil {
		query += fmt.Sprintf(" AND chain_id = $%d", argIdx)
		args = append(args, int64(*chainID))
		argIdx++
	}

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *status)
		argIdx++
	}

	if afterSequence != nil {
		query += fmt.Sprintf(" AND created_sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY created_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var duals []DualResponse
	for rows.Next() {
		d, err := scanDual(rows, asOfSeq)
		if err != nil {
			return nil, err
		}
		duals = append(duals, d)
	}

	return duals, rows.Err()
}

// GetChain returns the full replay chain a position belongs to:
// every ancestor reached through parent_id, the position itself, and
// every descendant reached through successor_id, oldest first.
func (qs *QueryService) GetChain(ctx context.Context, dualID string) ([]DualResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	ancestors, err := qs.lineageQuery(ctx, asOfSeq, `
		WITH RECURSIVE chain AS (
			SELECT `+dualColumns+`, created_sequence
			FROM projections.dual_positions WHERE dual_id = $1
			UNION ALL
			SELECT `+prefixedDualColumns("p")+`, p.created_sequence
			FROM projections.dual_positions p
			JOIN chain c ON p.dual_id = c.parent_id
		)
		SELECT `+dualColumns+` FROM chain ORDER BY created_sequence ASC
	`, dualID)
	if err != nil {
		return nil, err
	}

	descendants, err := qs.lineageQuery(ctx, asOfSeq, `
		WITH RECURSIVE chain AS (
			SELECT `+dualColumns+`, created_sequence
			FROM projections.dual_positions WHERE dual_id = $1
			UNION ALL
			SELECT `+prefixedDualColumns("p")+`, p.created_sequence
			FROM projections.dual_positions p
			JOIN chain c ON p.dual_id = c.successor_id
		)
		SELECT `+dualColumns+` FROM chain ORDER BY created_sequence ASC
	`, dualID)
	if err != nil {
		return nil, err
	}

	// The starting position appears in both halves; drop it from the
	// descendant list.
	if len(descendants) > 0 {
		descendants = descendants[1:]
	}

	return append(ancestors, descendants...), nil
}

func (qs *QueryService) lineageQuery(ctx context.Context, asOfSeq int64, query, dualID string) ([]DualResponse, error) {
	rows, err := qs.db.QueryContext(ctx, query, dualID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var duals []DualResponse
	for rows.Next() {
		d, err := scanDual(rows, asOfSeq)
		if err != nil {
			return nil, err
		}
		duals = append(duals, d)
	}
	return duals, rows.Err()
}

// prefixedDualColumns qualifies the dual column list with a table
// alias for use inside recursive joins.
func prefixedDualColumns(alias string) string {
	return fmt.Sprintf(`
	%[1]s.dual_id, %[1]s.user_address, %[1]s.chain_id, %[1]s.parent_id, %[1]s.base_token, %[1]s.quote_token,
	%[1]s.input_token, %[1]s.input_amount::TEXT, %[1]s.yield::TEXT, %[1]s.initial_price::TEXT, %[1]s.finish_at,
	%[1]s.status, %[1]s.closed_price::TEXT, %[1]s.output_token, %[1]s.output_amount::TEXT, %[1]s.successor_id
`, alias)
}

// ListBalances returns account balances matching an account path
// prefix. The server composes "user:{address}:" for per-user views
// and "vault:" for the vault book.
func (qs *QueryService) ListBalances(ctx context.Context, pathPrefix string, limit int) ([]BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, chain_id, token, balance::TEXT
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
		LIMIT $2
	`, pathPrefix+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceResponse
	for rows.Next() {
		var b BalanceResponse
		var chainID int64
		if err := rows.Scan(&b.AccountPath, &chainID, &b.Token, &b.Balance); err != nil {
			return nil, err
		}
		b.ChainID = uint64(chainID)
		b.AsOfSequence = asOfSeq
		balances = append(balances, b)
	}

	return balances, rows.Err()
}

// ListSettlements returns settlement history, optionally filtered by
// user, newest first with cursor pagination.
func (qs *QueryService) ListSettlements(
	ctx context.Context,
	user *string,
	limit int,
	afterSequence *int64,
) ([]SettlementResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, dual_id, user_address, chain_id, output_token,
		       output_amount::TEXT, closed_price::TEXT, successor_id, settled_ts
		FROM projections.settlements
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if user != nil {
		query += fmt.Sprintf(" AND user_address = $%d", argIdx)
		args = append(args, *user)
		argIdx++
	}

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []SettlementResponse
	for rows.Next() {
		var s SettlementResponse
		var chainID int64
		var successorID sql.NullString
		if err := rows.Scan(
			&s.Sequence, &s.DualID, &s.User, &chainID, &s.OutputToken,
			&s.OutputAmount, &s.ClosedPrice, &successorID, &s.SettledTs,
		); err != nil {
			return nil, err
		}
		s.ChainID = uint64(chainID)
		s.AsOfSequence = asOfSeq
		if successorID.Valid {
			s.SuccessorID = &successorID.String
		}
		settlements = append(settlements, s)
	}

	return settlements, rows.Err()
}

// GetJournalHistory returns journal entries touching a user's
// accounts, newest first with cursor pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	user string,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", user)

	query := `
		SELECT journal_id, batch_id, command_ref, sequence,
		       debit_account, credit_account, chain_id, token, amount::TEXT, journal_type, timestamp
		FROM dual_event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var chainID int64
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.CommandRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &chainID, &e.Token, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.ChainID = uint64(chainID)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetGovernance returns the projected access control state.
func (qs *QueryService) GetGovernance(ctx context.Context) (*GovernanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &GovernanceResponse{AsOfSequence: asOfSeq}

	var pending sql.NullString
	var effectiveAt sql.NullInt64
	err = qs.db.QueryRowContext(ctx, `
		SELECT authority, pending_authority, effective_at
		FROM projections.governance WHERE id = TRUE
	`).Scan(&resp.Authority, &pending, &effectiveAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if pending.Valid {
		resp.PendingAuthority = pending.String
	}
	if effectiveAt.Valid {
		resp.EffectiveAt = effectiveAt.Int64
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT operator, enabled, effective_at
		FROM projections.operators
		ORDER BY operator
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var op OperatorInfo
		if err := rows.Scan(&op.Operator, &op.Enabled, &op.EffectiveAt); err != nil {
			return nil, err
		}
		resp.Operators = append(resp.Operators, op)
	}

	return resp, rows.Err()
}

// Overview returns engine-level counters for dashboards.
func (qs *QueryService) Overview(ctx context.Context) (*OverviewResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &OverviewResponse{AsOfSequence: asOfSeq}

	err = qs.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'live'),
			COUNT(*) FILTER (WHERE status != 'live')
		FROM projections.dual_positions
	`).Scan(&resp.LivePositions, &resp.SettledPositions)
	if err != nil {
		return nil, err
	}

	var lastSeq sql.NullInt64
	err = qs.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM dual_event_log.events`,
	).Scan(&lastSeq)
	if err != nil {
		return nil, err
	}
	if lastSeq.Valid {
		resp.LastEventSequence = lastSeq.Int64
	}

	return resp, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and
// the zero-sum invariant per token per chain in the balance
// projection.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM dual_event_log.events e1
		LEFT JOIN dual_event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT chain_id, token, SUM(balance)::TEXT AS total
		FROM projections.balances
		GROUP BY chain_id, token
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var chainID int64
		var u UnbalancedToken
		if err := balanceRows.Scan(&chainID, &u.Token, &u.Imbalance); err != nil {
			return nil, err
		}
		u.ChainID = uint64(chainID)
		report.UnbalancedTokens = append(report.UnbalancedTokens, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedTokens) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
