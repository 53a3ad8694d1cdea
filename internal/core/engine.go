package core

import (
	"DualLedger/internal/access"
	"DualLedger/internal/event"
	"DualLedger/internal/ledger"
	"DualLedger/internal/observability"
	"DualLedger/internal/state"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DeterministicCore is the single-threaded command processor
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	duals             *state.LivenessStore
	accessCtl         *access.Controller
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	replaying         bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope *event.Envelope
	Command  event.Command
	Batch    *ledger.Batch
}

// applyResult is what a command handler hands back to the pipeline.
type applyResult struct {
	DualID  *common.Hash
	Records []event.Record
	Batch   *ledger.Batch
}

func NewDeterministicCore(
	startSequence int64,
	authority common.Address,
	governanceDelay int64,
	lruCapacity int,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(balanceTracker)
	journalGen := ledger.NewJournalGenerator(balanceTracker)

	if lruCapacity <= 0 {
		lruCapacity = 1_000_000
	}
	idempotencyChecker := NewIdempotencyChecker(lruCapacity, dbChecker)
	sequenceValidator := NewSequenceValidator()

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		duals:             state.NewLivenessStore(),
		accessCtl:         access.NewController(authority, governanceDelay),
		balanceTracker:    balanceTracker,
		journalGen:        journalGen,
		validator:         validator,
		idempotency:       idempotencyChecker,
		sequenceValidator: sequenceValidator,
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessCommand is the main processing pipeline
func (c *DeterministicCore) ProcessCommand(cmd event.Command) error {
	start := time.Now()
	commandType := cmd.CommandType().String()
	commandID := cmd.CommandID()

	// Step 1: Idempotency check (two-tier). Skipped in replay mode: the
	// log holds each command at most once, and every replayed row is
	// already in Postgres, so the cold tier would reject all of them.
	isDuplicate := false
	if !c.replaying {
		isDuplicate = c.idempotency.IsDuplicate(commandType, commandID)
	}

	// Step 2: Sequence validation
	partition := PartitionFor(cmd)
	sourceSequence := cmd.SourceSequence()
	if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, commandID, isDuplicate); err != nil {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "sequence").Inc()
		}
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Authorization. "now" is the ingestion timestamp carried
	// on the command; the core never reads the wall clock.
	now := cmd.SubmittedAt()
	if err := c.authorize(cmd, now); err != nil {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "unauthorized").Inc()
		}
		return err
	}

	// Step 4: Dispatch. Handlers validate in their fixed order, mutate
	// liveness and access state, and return records plus the journal
	// batch. A rejected command mutates nothing.
	res, err := c.dispatchCommand(cmd, now)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "validation").Inc()
		}
		return err
	}

	// Step 5: Validate and apply the obligations batch. Governance
	// commands produce no batch.
	if res.Batch != nil {
		if err := c.validator.ValidateBatchBalance(res.Batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(res.Batch); err != nil {
			return fmt.Errorf("apply batch failed: %w", err)
		}
	}

	// Step 6: Compute state digest
	stateDigest := c.computeStateDigest(res.Records, res.Batch)

	// Step 7: Compute state hash. The chain tip is captured before
	// hashing so the envelope links to its predecessor.
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	// Step 8: Build envelope
	envelope := &event.Envelope{
		Sequence:       c.sequence,
		CommandID:      commandID,
		CommandType:    cmd.CommandType(),
		ChainID:        cmd.ChainID(),
		DualID:         res.DualID,
		Timestamp:      c.getCommandTimestamp(cmd),
		SourceSequence: sourceSequence,
		Records:        res.Records,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope: envelope,
		Command:  cmd,
		Batch:    res.Batch,
	}

	// Step 9: Post-checks
	if err := c.postCheckInvariants(res); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 10: Emit output. Replayed commands already sit in the event
	// log and must not be written again.
	if !c.replaying {
		// Persistence: blocking send, the core stalls until the
		// persistence worker drains. This guarantees no applied command
		// is lost.
		c.persistChan <- output

		// Projections: non-blocking send, drop on full. Projection
		// workers rebuild from the event log if they fall behind.
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}

	c.sequence++

	// Step 11: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(commandType, commandID)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DualsLive.Set(float64(c.duals.Count()))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
		if res.Batch != nil {
			for _, j := range res.Batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	return nil
}

// PartitionFor returns the sequence partition key for a command.
// Lifecycle commands order per chain; governance commands share the
// global partition.
func PartitionFor(cmd event.Command) string {
	if chainID := cmd.ChainID(); chainID != 0 {
		return fmt.Sprintf("chain:%d", chainID)
	}
	return "global"
}

// authorize gates every command before any other validation runs.
// Governance requires the authority itself; lifecycle commands accept
// the authority or a matured operator.
func (c *DeterministicCore) authorize(cmd event.Command, now int64) error {
	switch cmd.CommandType() {
	case event.CommandTypeRotateAuthority, event.CommandTypeSetOperator:
		if !c.accessCtl.IsAuthority(cmd.Caller(), now) {
			return ErrUnauthorized
		}
	default:
		if !c.accessCtl.IsAuthorized(cmd.Caller(), now) {
			return ErrUnauthorized
		}
	}
	return nil
}

// getCommandTimestamp extracts the versioned timestamp from a command.
// The core MUST NOT call time.Now(); all timestamps are versioned inputs.
func (c *DeterministicCore) getCommandTimestamp(cmd event.Command) time.Time {
	switch cm := cmd.(type) {
	case *event.CreateDual:
		return time.Unix(cm.SubmittedTs, 0)
	case *event.ClaimDual:
		return time.Unix(cm.SubmittedTs, 0)
	case *event.ReplayDual:
		return time.Unix(cm.SubmittedTs, 0)
	case *event.RotateAuthority:
		return time.Unix(cm.SubmittedTs, 0)
	case *event.SetOperator:
		return time.Unix(cm.SubmittedTs, 0)
	default:
		panic(fmt.Sprintf("FATAL: getCommandTimestamp called with unhandled command type %T: deterministic core cannot use wall-clock time", cmd))
	}
}

func (c *DeterministicCore) dispatchCommand(cmd event.Command, now int64) (*applyResult, error) {
	switch cm := cmd.(type) {
	case *event.CreateDual:
		return c.applyCreate(cm, now)
	case *event.ClaimDual:
		return c.applyClaim(cm, now)
	case *event.ReplayDual:
		return c.applyReplay(cm, now)
	case *event.RotateAuthority:
		return c.applyRotateAuthority(cm, now)
	case *event.SetOperator:
		return c.applySetOperator(cm, now)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// validateCreate runs the creation checks in their fixed order, so the
// first violated condition is the one reported even when several are.
// stakingPeriod is checked separately because only the derived FinishAt
// is stored on the position.
func (c *DeterministicCore) validateCreate(d *state.Dual, id common.Hash, stakingPeriod int64, now int64) error {
	if d.User == (common.Address{}) {
		return ErrBadUser
	}
	if d.ChainID == 0 {
		return ErrBadChainID
	}
	if d.InputToken != d.BaseToken && d.InputToken != d.QuoteToken {
		return ErrInputNotInPair
	}
	if d.InputAmount == nil || d.InputAmount.Sign() <= 0 {
		return ErrBadAmount
	}
	if d.Yield == nil || d.Yield.Sign() <= 0 {
		return ErrBadYield
	}
	if d.InitialPrice == nil || d.InitialPrice.Sign() <= 0 {
		return ErrBadInitialPrice
	}
	if stakingPeriod <= 0 {
		return ErrBadStakingPeriod
	}
	if d.ParentID == (common.Hash{}) {
		return ErrBadParentID
	}
	if d.FinishAt <= now {
		return ErrBadFinishDate
	}
	if c.duals.Contains(id) {
		return ErrAlreadyExists
	}
	return nil
}

// validateSettle runs the shared claim and replay checks in order.
// Maturity is inclusive: a claim at exactly FinishAt succeeds.
func (c *DeterministicCore) validateSettle(id common.Hash, closedPrice *big.Int, finishAt, now int64) error {
	if !c.duals.Contains(id) {
		return ErrNotFound
	}
	if closedPrice == nil || closedPrice.Sign() <= 0 {
		return ErrBadClosedPrice
	}
	if now < finishAt {
		return ErrNotFinishedYet
	}
	return nil
}

// dualFromCreate assembles the prospective position from a create
// command. The caller computes the id after validation.
func dualFromCreate(cmd *event.CreateDual) *state.Dual {
	return &state.Dual{
		User:         cmd.User,
		ChainID:      cmd.Tariff.Chain,
		ParentID:     cmd.ParentID,
		BaseToken:    cmd.Tariff.BaseToken,
		QuoteToken:   cmd.Tariff.QuoteToken,
		InputToken:   cmd.InputToken,
		InputAmount:  cmd.InputAmount,
		Yield:        cmd.Tariff.Yield,
		InitialPrice: cmd.InitialPrice,
		FinishAt:     cmd.Tariff.FinishAt(cmd.StartedAt),
	}
}

// dualFromPosition rebuilds a position from the caller-supplied record.
func dualFromPosition(p event.PositionRecord) *state.Dual {
	return &state.Dual{
		User:         p.User,
		ChainID:      p.Chain,
		ParentID:     p.ParentID,
		BaseToken:    p.BaseToken,
		QuoteToken:   p.QuoteToken,
		InputToken:   p.InputToken,
		InputAmount:  p.InputAmount,
		Yield:        p.Yield,
		InitialPrice: p.InitialPrice,
		FinishAt:     p.FinishAt,
	}
}

// applyCreate validates a new position and books its stake.
func (c *DeterministicCore) applyCreate(cmd *event.CreateDual, now int64) (*applyResult, error) {
	d := dualFromCreate(cmd)
	id := d.ComputeID()

	if err := c.validateCreate(d, id, cmd.Tariff.StakingPeriod, now); err != nil {
		return nil, err
	}
	d.ID = id

	batch, err := c.journalGen.GenerateStake(d, cmd.CommandID(), c.sequence, now)
	if err != nil {
		return nil, err
	}

	c.duals.Add(id)

	return &applyResult{
		DualID: &id,
		Records: []event.Record{
			&event.DualCreated{
				DualID:       id,
				User:         d.User,
				ChainID:      d.ChainID,
				ParentID:     d.ParentID,
				BaseToken:    d.BaseToken,
				QuoteToken:   d.QuoteToken,
				InputToken:   d.InputToken,
				InputAmount:  d.InputAmount,
				Yield:        d.Yield,
				InitialPrice: d.InitialPrice,
				FinishAt:     d.FinishAt,
			},
		},
		Batch: batch,
	}, nil
}

// applyClaim settles a matured position with no successor. The id is
// recomputed from the caller-supplied record: a record that differs in
// any identity field resolves to a different, almost certainly absent,
// id and fails as NotFound.
func (c *DeterministicCore) applyClaim(cmd *event.ClaimDual, now int64) (*applyResult, error) {
	d := dualFromPosition(cmd.Position)
	id := d.ComputeID()
	d.ID = id

	if err := c.validateSettle(id, cmd.ClosedPrice, d.FinishAt, now); err != nil {
		return nil, err
	}

	outToken, outAmount := ComputePayout(d, cmd.ClosedPrice)
	d.ClosedPrice = cmd.ClosedPrice
	d.OutputToken = outToken
	d.OutputAmount = outAmount

	batch, err := c.journalGen.GenerateSettlement(d, cmd.CommandID(), c.sequence, now)
	if err != nil {
		return nil, err
	}

	c.duals.Remove(id)

	return &applyResult{
		DualID: &id,
		Records: []event.Record{
			&event.DualClaimed{
				DualID:       id,
				User:         d.User,
				ChainID:      d.ChainID,
				ParentID:     d.ParentID,
				OutputToken:  outToken,
				OutputAmount: outAmount,
				ClosedPrice:  cmd.ClosedPrice,
				FinishAt:     d.FinishAt,
			},
		},
		Batch: batch,
	}, nil
}

// applyReplay settles a matured position and opens its successor in one
// atomic step. The payout becomes the successor's input and the closed
// id becomes its parent. Every check on both legs runs before any state
// mutates, so a rejected replay leaves no trace.
func (c *DeterministicCore) applyReplay(cmd *event.ReplayDual, now int64) (*applyResult, error) {
	old := dualFromPosition(cmd.Position)
	oldID := old.ComputeID()
	old.ID = oldID

	if err := c.validateSettle(oldID, cmd.ClosedPrice, old.FinishAt, now); err != nil {
		return nil, err
	}
	if cmd.NewStartedAt < old.FinishAt {
		return nil, ErrBadStartDate
	}

	outToken, outAmount := ComputePayout(old, cmd.ClosedPrice)
	old.ClosedPrice = cmd.ClosedPrice
	old.OutputToken = outToken
	old.OutputAmount = outAmount

	successor := &state.Dual{
		User:         old.User,
		ChainID:      cmd.NewTariff.Chain,
		ParentID:     oldID,
		BaseToken:    cmd.NewTariff.BaseToken,
		QuoteToken:   cmd.NewTariff.QuoteToken,
		InputToken:   outToken,
		InputAmount:  outAmount,
		Yield:        cmd.NewTariff.Yield,
		InitialPrice: cmd.NewInitialPrice,
		FinishAt:     cmd.NewTariff.FinishAt(cmd.NewStartedAt),
	}
	successorID := successor.ComputeID()

	// The successor re-runs the full creation checks, so a bad new
	// tariff surfaces exactly like a bad fresh create.
	if err := c.validateCreate(successor, successorID, cmd.NewTariff.StakingPeriod, now); err != nil {
		return nil, err
	}
	successor.ID = successorID

	batch, err := c.journalGen.GenerateRollover(old, successor, cmd.CommandID(), c.sequence, now)
	if err != nil {
		return nil, err
	}

	c.duals.Remove(oldID)
	c.duals.Add(successorID)

	return &applyResult{
		DualID: &oldID,
		Records: []event.Record{
			&event.DualReplayed{
				DualID:       oldID,
				User:         old.User,
				ChainID:      old.ChainID,
				ParentID:     old.ParentID,
				OutputToken:  outToken,
				OutputAmount: outAmount,
				ClosedPrice:  cmd.ClosedPrice,
				FinishAt:     old.FinishAt,
				SuccessorID:  successorID,
			},
			&event.DualCreated{
				DualID:       successorID,
				User:         successor.User,
				ChainID:      successor.ChainID,
				ParentID:     successor.ParentID,
				BaseToken:    successor.BaseToken,
				QuoteToken:   successor.QuoteToken,
				InputToken:   successor.InputToken,
				InputAmount:  successor.InputAmount,
				Yield:        successor.Yield,
				InitialPrice: successor.InitialPrice,
				FinishAt:     successor.FinishAt,
			},
		},
		Batch: batch,
	}, nil
}

// applyRotateAuthority schedules handover of engine control. The zero
// address can never be handed control.
func (c *DeterministicCore) applyRotateAuthority(cmd *event.RotateAuthority, now int64) (*applyResult, error) {
	if cmd.NewAuthority == (common.Address{}) {
		return nil, ErrBadUser
	}

	previous := c.accessCtl.Authority(now)
	effectiveAt := c.accessCtl.Rotate(cmd.NewAuthority, now)

	return &applyResult{
		Records: []event.Record{
			&event.AuthorityRotated{
				Previous:    previous,
				Next:        cmd.NewAuthority,
				EffectiveAt: effectiveAt,
			},
		},
	}, nil
}

// applySetOperator grants or revokes an operator. Grants mature after
// the governance delay; revocations take effect immediately.
func (c *DeterministicCore) applySetOperator(cmd *event.SetOperator, now int64) (*applyResult, error) {
	if cmd.Operator == (common.Address{}) {
		return nil, ErrBadUser
	}

	effectiveAt := now
	if cmd.Enabled {
		effectiveAt = c.accessCtl.GrantOperator(cmd.Operator, now)
	} else {
		c.accessCtl.RevokeOperator(cmd.Operator)
	}

	return &applyResult{
		Records: []event.Record{
			&event.OperatorSet{
				Operator:    cmd.Operator,
				Enabled:     cmd.Enabled,
				EffectiveAt: effectiveAt,
			},
		},
	}, nil
}

// computeStateDigest creates the canonical bytes folded into the state
// hash. It covers this command's delta: the records produced and the
// post-application balances of every account the batch touched. The
// hash chain extends coverage over the whole history.
func (c *DeterministicCore) computeStateDigest(records []event.Record, batch *ledger.Batch) []byte {
	digest := make([]byte, 0, 256)

	for _, r := range records {
		digest = appendRecordDigest(digest, r)
	}

	if batch != nil {
		affectedAccounts := make(map[ledger.AccountKey]bool)
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}

		// Sort accounts deterministically
		accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
		for key := range affectedAccounts {
			accounts = append(accounts, key)
		}
		sort.Slice(accounts, func(i, j int) bool {
			return accounts[i].AccountPath() < accounts[j].AccountPath()
		})

		for _, key := range accounts {
			path := key.AccountPath()
			digest = append(digest, byte(len(path)))
			digest = append(digest, []byte(path)...)
			digest = appendBigInt(digest, c.balanceTracker.GetBalance(key))
		}
	}

	// Governance commands fold the resulting controller state in full.
	for _, r := range records {
		switch r.RecordType() {
		case event.RecordAuthorityRotated, event.RecordOperatorSet:
			digest = append(digest, c.accessCtl.DigestBytes()...)
		}
	}

	return digest
}

func appendRecordDigest(buf []byte, r event.Record) []byte {
	buf = append(buf, []byte(r.RecordType())...)

	switch rec := r.(type) {
	case *event.DualCreated:
		buf = append(buf, rec.DualID[:]...)
	case *event.DualClaimed:
		buf = append(buf, rec.DualID[:]...)
	case *event.DualReplayed:
		buf = append(buf, rec.DualID[:]...)
		buf = append(buf, rec.SuccessorID[:]...)
	case *event.AuthorityRotated:
		buf = append(buf, rec.Previous.Bytes()...)
		buf = append(buf, rec.Next.Bytes()...)
		buf = appendInt64LE(buf, rec.EffectiveAt)
	case *event.OperatorSet:
		buf = append(buf, rec.Operator.Bytes()...)
		if rec.Enabled {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendInt64LE(buf, rec.EffectiveAt)
	}

	return buf
}

// appendBigInt encodes sign, magnitude length, then magnitude bytes.
func appendBigInt(buf []byte, v *big.Int) []byte {
	buf = append(buf, byte(v.Sign()+1))
	b := v.Bytes()
	buf = append(buf, byte(len(b)))
	return append(buf, b...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants(res *applyResult) error {
	// Claim-side accounts are vault liabilities and must never flip
	// positive; custody only ever accumulates.
	if res.Batch != nil {
		for _, j := range res.Batch.Journals {
			for _, key := range [2]ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				switch {
				case key.Scope == ledger.AccountScopeUser:
					if err := c.balanceTracker.ValidateNonPositive(key); err != nil {
						return fmt.Errorf("post-check user claim: %w", err)
					}
				case key.SubType == ledger.SubTypeCustody:
					if err := c.balanceTracker.ValidateNonNegative(key); err != nil {
						return fmt.Errorf("post-check custody: %w", err)
					}
				}
			}
		}
	}

	// Periodic global zero-sum check
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check at seq %d: %w", c.sequence, err)
		}
	}

	return nil
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	LiveIDs         []common.Hash
	Balances        map[ledger.AccountKey]*big.Int
	Access          access.Snapshot
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a
// snapshot. On warm restart, the latest snapshot is loaded first and
// the event log replayed forward from it.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // Next sequence to assign

	c.hasher.SetPrevHash(snap.StateHash)

	c.duals.Restore(snap.LiveIDs)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}

	c.accessCtl.RestoreSnapshot(snap.Access)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}
}

// AlignPartition forces the expected source sequence for one partition.
// Log replay uses it: commands rejected at first sight are absent from
// the log but consumed source-sequence slots when live.
func (c *DeterministicCore) AlignPartition(partition string, sourceSeq int64) {
	c.sequenceValidator.SetExpectedSequence(partition, sourceSeq)
}

// BeginReplay switches the core into log replay mode: dedup is skipped
// and applied commands are not re-emitted downstream. Only safe before
// live ingestion starts.
func (c *DeterministicCore) BeginReplay() {
	c.replaying = true
}

// EndReplay returns the core to live processing.
func (c *DeterministicCore) EndReplay() {
	c.replaying = false
}

// WarmLRU loads recent idempotency keys into the LRU cache, avoiding
// cold-path DB lookups for recently processed commands.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence number to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// LiveCount returns the number of live positions.
func (c *DeterministicCore) LiveCount() int {
	return c.duals.Count()
}

// Authority returns the governance address as of the given time.
func (c *DeterministicCore) Authority(now int64) common.Address {
	return c.accessCtl.Authority(now)
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		LiveIDs:         c.duals.SortedIDs(),
		Balances:        c.balanceTracker.Snapshot(),
		Access:          c.accessCtl.Snapshot(),
		SequenceState:   c.sequenceValidator.SequenceState(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
