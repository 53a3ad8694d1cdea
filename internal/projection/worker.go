package projection

import (
	"DualLedger/internal/event"
	"DualLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// ProjectionOutput mirrors the data projection workers need from one
// applied command. The orchestrator bridges between core.CoreOutput
// and this.
type ProjectionOutput struct {
	Sequence    int64
	CommandType string
	CommandID   string
	ChainID     uint64
	Records     []event.Record
	Journals    []JournalEntry
	Timestamp   int64
}

// JournalEntry is a simplified journal for projection consumption.
// Amount is a positive decimal string headed for a NUMERIC column.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	ChainID       uint64
	Token         string
	Amount        string
	JournalType   int32
}

// ProjectionWorker updates read-model tables from applied commands:
// position rows, settlement history, account balances and governance
// state. The projection channel is non-blocking with drop; anything
// missed here is recovered by the startup replay, which runs every
// logged command back through this worker's upserts.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue: projections are eventually consistent
				// and can be rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
			if pw.metrics != nil {
				pw.metrics.ProjectionLastSequence.Set(float64(output.Sequence))
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	start := time.Now()
	for _, record := range output.Records {
		if err := pw.applyRecord(ctx, tx, output, record); err != nil {
			return fmt.Errorf("record projection: %w", err)
		}
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("positions").Observe(time.Since(start).Seconds())
	}

	start = time.Now()
	for _, j := range output.Journals {
		if err := pw.updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("balances").Observe(time.Since(start).Seconds())
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) applyRecord(ctx context.Context, tx *sql.Tx, output ProjectionOutput, record event.Record) error {
	switch r := record.(type) {
	case *event.DualCreated:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.dual_positions
				(dual_id, user_address, chain_id, parent_id, base_token, quote_token,
				 input_token, input_amount, yield, initial_price, finish_at,
				 status, created_sequence, updated_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, 'live', $12, $12, NOW())
			ON CONFLICT (dual_id) DO NOTHING
		`, r.DualID.Hex(), r.User.Hex(), int64(r.ChainID), r.ParentID.Hex(),
			r.BaseToken.Hex(), r.QuoteToken.Hex(), r.InputToken.Hex(),
			r.InputAmount.String(), r.Yield.String(), r.InitialPrice.String(),
			r.FinishAt, output.Sequence)
		return err

	case *event.DualClaimed:
		if err := pw.markSettled(ctx, tx, settledPosition{
			dualID:       r.DualID.Hex(),
			status:       "claimed",
			closedPrice:  r.ClosedPrice.String(),
			outputToken:  r.OutputToken.Hex(),
			outputAmount: r.OutputAmount.String(),
			successorID:  nil,
			sequence:     output.Sequence,
		}); err != nil {
			return err
		}
		return pw.insertSettlement(ctx, tx, output, r.DualID.Hex(), r.User.Hex(), int64(r.ChainID),
			r.OutputToken.Hex(), r.OutputAmount.String(), r.ClosedPrice.String(), nil)

	case *event.DualReplayed:
		successor := r.SuccessorID.Hex()
		if err := pw.markSettled(ctx, tx, settledPosition{
			dualID:       r.DualID.Hex(),
			status:       "replayed",
			closedPrice:  r.ClosedPrice.String(),
			outputToken:  r.OutputToken.Hex(),
			outputAmount: r.OutputAmount.String(),
			successorID:  &successor,
			sequence:     output.Sequence,
		}); err != nil {
			return err
		}
		return pw.insertSettlement(ctx, tx, output, r.DualID.Hex(), r.User.Hex(), int64(r.ChainID),
			r.OutputToken.Hex(), r.OutputAmount.String(), r.ClosedPrice.String(), &successor)

	case *event.AuthorityRotated:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.governance (id, authority, pending_authority, effective_at, last_sequence, updated_at)
			VALUES (TRUE, $1, $2, $3, $4, NOW())
			ON CONFLICT (id) DO UPDATE
				SET authority = $1, pending_authority = $2, effective_at = $3,
				    last_sequence = $4, updated_at = NOW()
		`, r.Previous.Hex(), r.Next.Hex(), r.EffectiveAt, output.Sequence)
		return err

	case *event.OperatorSet:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.operators (operator, enabled, effective_at, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (operator) DO UPDATE
				SET enabled = $2, effective_at = $3, last_sequence = $4, updated_at = NOW()
		`, r.Operator.Hex(), r.Enabled, r.EffectiveAt, output.Sequence)
		return err

	default:
		log.Printf("WARN: unhandled record type %T at seq=%d", record, output.Sequence)
		return nil
	}
}

type settledPosition struct {
	dualID       string
	status       string
	closedPrice  string
	outputToken  string
	outputAmount string
	successorID  *string
	sequence     int64
}

func (pw *ProjectionWorker) markSettled(ctx context.Context, tx *sql.Tx, s settledPosition) error {
	// updated_sequence guards replay: a row already settled by a later
	// sequence is left alone.
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.dual_positions
		SET status = $2, closed_price = $3::NUMERIC, output_token = $4,
		    output_amount = $5::NUMERIC, successor_id = $6,
		    settled_sequence = $7, updated_sequence = $7, updated_at = NOW()
		WHERE dual_id = $1 AND updated_sequence < $7
	`, s.dualID, s.status, s.closedPrice, s.outputToken, s.outputAmount, s.successorID, s.sequence)
	return err
}

func (pw *ProjectionWorker) insertSettlement(
	ctx context.Context, tx *sql.Tx, output ProjectionOutput,
	dualID, user string, chainID int64,
	outputToken, outputAmount, closedPrice string, successorID *string,
) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.settlements
			(sequence, dual_id, user_address, chain_id, output_token, output_amount,
			 closed_price, successor_id, command_id, settled_ts)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
		ON CONFLICT (sequence) DO NOTHING
	`, output.Sequence, dualID, user, chainID, outputToken, outputAmount,
		closedPrice, successorID, output.CommandID, output.Timestamp)
	return err
}

func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, sequence int64) error {
	// Debit raises a balance, credit lowers it, mirroring the in-memory
	// tracker.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, chain_id, token, balance, last_sequence)
		VALUES ($1, $2, $3, $4::NUMERIC, $5)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance, last_sequence = $5
	`, j.DebitAccount, int64(j.ChainID), j.Token, j.Amount, sequence); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, chain_id, token, balance, last_sequence)
		VALUES ($1, $2, $3, -($4::NUMERIC), $5)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance, last_sequence = $5
	`, j.CreditAccount, int64(j.ChainID), j.Token, j.Amount, sequence); err != nil {
		return err
	}

	return nil
}

// RebuildBalances rebuilds the balance projection straight from the
// journal table. Position and settlement rows are restored by the
// startup replay; balances have this SQL fast path because they fold
// cleanly.
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debit legs raise balances
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, chain_id, token, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			MIN(chain_id) AS chain_id,
			MIN(token) AS token,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM dual_event_log.journal
		GROUP BY debit_account
		ON CONFLICT (account_path) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credit legs lower them
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, chain_id, token, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			MIN(chain_id) AS chain_id,
			MIN(token) AS token,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM dual_event_log.journal
		GROUP BY credit_account
		ON CONFLICT (account_path) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	log.Println("INFO: balance projection rebuild complete")
	return nil
}
