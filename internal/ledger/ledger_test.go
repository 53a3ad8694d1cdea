package ledger_test

import (
	"math/big"
	"testing"

	"DualLedger/internal/ledger"
	"DualLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")

	tokenWBTC = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
	tokenUSDT = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
)

// stakedDual builds a position holding amount of WBTC on chain 1.
func stakedDual(amount int64) *state.Dual {
	return &state.Dual{
		User:        alice,
		ChainID:     1,
		BaseToken:   tokenWBTC,
		QuoteToken:  tokenUSDT,
		InputToken:  tokenWBTC,
		InputAmount: big.NewInt(amount),
	}
}

// settledDual is a stakedDual carrying a USDT payout.
func settledDual(amountIn, amountOut int64) *state.Dual {
	d := stakedDual(amountIn)
	d.OutputToken = tokenUSDT
	d.OutputAmount = big.NewInt(amountOut)
	return d
}

// stakeInto books and applies the stake for d, failing the test on error.
func stakeInto(t *testing.T, bt *ledger.BalanceTracker, jg *ledger.JournalGenerator, d *state.Dual) {
	t.Helper()
	batch, err := jg.GenerateStake(d, uuid.NewString(), 1, 1_700_000_000)
	if err != nil {
		t.Fatalf("GenerateStake failed: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.NewUserAccountKey(alice, ledger.SubTypeStaked, 1, tokenWBTC)

	path := key.AccountPath()
	expected := "user:" + alice.Hex() + ":staked:1:" + tokenWBTC.Hex()
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_VaultPath(t *testing.T) {
	key := ledger.NewVaultAccountKey(ledger.SubTypeCustody, 56, tokenUSDT)

	path := key.AccountPath()
	expected := "vault:custody:56:" + tokenUSDT.Hex()
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_TokenKeySeparatesChains(t *testing.T) {
	mainnet := ledger.NewVaultAccountKey(ledger.SubTypeCustody, 1, tokenUSDT)
	bsc := ledger.NewVaultAccountKey(ledger.SubTypeCustody, 56, tokenUSDT)

	if mainnet.TokenKey() == bsc.TokenKey() {
		t.Error("same token address on different chains must be distinct assets")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if bt.GetUserStaked(alice, 1, tokenWBTC).Sign() != 0 {
		t.Error("initial staked claim should be 0")
	}
	if bt.GetVaultCustody(1, tokenWBTC).Sign() != 0 {
		t.Error("initial custody should be 0")
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	// Stake: debit vault custody, credit user staked
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewVaultAccountKey(ledger.SubTypeCustody, 1, tokenWBTC),
		CreditAccount: ledger.NewUserAccountKey(alice, ledger.SubTypeStaked, 1, tokenWBTC),
		ChainID:       1,
		Token:         tokenWBTC,
		Amount:        big.NewInt(1_000_000),
	})

	if got := bt.GetVaultCustody(1, tokenWBTC); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("custody: got %s, want 1_000_000", got)
	}
	if got := bt.GetUserStaked(alice, 1, tokenWBTC); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("staked claim: got %s, want 1_000_000", got)
	}
}

func TestBalanceTracker_GetBalanceReturnsCopy(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewVaultAccountKey(ledger.SubTypeCustody, 1, tokenWBTC)
	bt.SetBalance(key, big.NewInt(500))

	b := bt.GetBalance(key)
	b.SetInt64(0)

	if bt.GetBalance(key).Cmp(big.NewInt(500)) != 0 {
		t.Error("mutating a returned balance must not affect the tracker")
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	stakeInto(t, bt, jg, stakedDual(1_000_000))

	totals := bt.ComputeGlobalBalance()
	for tk, total := range totals {
		if total.Sign() != 0 {
			t.Errorf("token %s has non-zero global balance: %s", tk, total)
		}
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewVaultAccountKey(ledger.SubTypeCustody, 1, tokenWBTC)
	bt.SetBalance(key, big.NewInt(999))

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k].SetInt64(0)
	}

	if bt.GetBalance(key).Cmp(big.NewInt(999)) != 0 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func validJournal(batchID uuid.UUID) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  ledger.NewVaultAccountKey(ledger.SubTypeCustody, 1, tokenWBTC),
		CreditAccount: ledger.NewUserAccountKey(alice, ledger.SubTypeStaked, 1, tokenWBTC),
		ChainID:       1,
		Token:         tokenWBTC,
		Amount:        big.NewInt(100),
	}
}

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NilAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	j := validJournal(batchID)
	j.Amount = nil

	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
	if err := batch.Validate(); err == nil {
		t.Error("nil amount should fail validation")
	}
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	j := validJournal(batchID)
	j.Amount = big.NewInt(0)

	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatchValidate_NegativeAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	j := validJournal(batchID)
	j.Amount = big.NewInt(-100)

	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
	if err := batch.Validate(); err == nil {
		t.Error("negative amount should fail validation")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	j := validJournal(batchID)
	j.CreditAccount = j.DebitAccount

	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batchID := uuid.New()
	j := validJournal(uuid.New()) // Different batch ID

	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

func TestBatchValidate_AccountTokenMismatch_Fails(t *testing.T) {
	batchID := uuid.New()
	j := validJournal(batchID)
	j.CreditAccount = ledger.NewUserAccountKey(alice, ledger.SubTypeStaked, 1, tokenUSDT)

	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
	if err := batch.Validate(); err == nil {
		t.Error("account moving a different token should fail validation")
	}
}

func TestBatchValidate_ValidBatch_Passes(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{validJournal(batchID)}}

	if err := batch.Validate(); err != nil {
		t.Errorf("valid batch should pass: %v", err)
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestGenerateStake_BooksCustodyAgainstStakedClaim(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	stakeInto(t, bt, jg, stakedDual(1_000_000))

	if got := bt.GetVaultCustody(1, tokenWBTC); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("custody: got %s, want 1_000_000", got)
	}
	if got := bt.GetUserStaked(alice, 1, tokenWBTC); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("staked: got %s, want 1_000_000", got)
	}
}

func TestGenerateStake_ZeroAmount_Fails(t *testing.T) {
	jg := ledger.NewJournalGenerator(ledger.NewBalanceTracker())

	d := stakedDual(0)
	if _, err := jg.GenerateStake(d, uuid.NewString(), 1, 0); err == nil {
		t.Error("zero stake should fail")
	}
}

func TestGenerateSettlement_MovesStakeToTreasuryAndOwed(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	d := settledDual(1_000_000, 30_000_000)
	stakeInto(t, bt, jg, d)

	batch, err := jg.GenerateSettlement(d, uuid.NewString(), 2, 1_700_003_600)
	if err != nil {
		t.Fatalf("GenerateSettlement failed: %v", err)
	}
	if len(batch.Journals) != 2 {
		t.Fatalf("expected 2 journals, got %d", len(batch.Journals))
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	// Staked claim fully extinguished
	if got := bt.GetUserStaked(alice, 1, tokenWBTC); got.Sign() != 0 {
		t.Errorf("staked claim after settlement: got %s, want 0", got)
	}
	// Payout now owed in the output token
	if got := bt.GetUserOwed(alice, 1, tokenUSDT); got.Cmp(big.NewInt(30_000_000)) != 0 {
		t.Errorf("owed: got %s, want 30_000_000", got)
	}
	// Custody untouched: the staked tokens never left the vault
	if got := bt.GetVaultCustody(1, tokenWBTC); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("custody: got %s, want 1_000_000", got)
	}
	// Treasury must fund the payout and retains the settled principal
	if got := bt.GetVaultExposure(1, tokenUSDT); got.Cmp(big.NewInt(30_000_000)) != 0 {
		t.Errorf("USDT exposure: got %s, want 30_000_000", got)
	}
	if got := bt.GetVaultExposure(1, tokenWBTC); got.Cmp(big.NewInt(-1_000_000)) != 0 {
		t.Errorf("WBTC exposure: got %s, want -1_000_000", got)
	}
}

func TestGenerateSettlement_WithoutStake_Fails(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	d := settledDual(1_000_000, 30_000_000)
	if _, err := jg.GenerateSettlement(d, uuid.NewString(), 1, 0); err == nil {
		t.Error("settlement without a booked stake should fail the pre-check")
	}
}

func TestGenerateSettlement_ZeroPayout_SkipsOwedLeg(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	// Dust quote amounts can floor to a zero payout after conversion.
	d := settledDual(1_000_000, 0)
	stakeInto(t, bt, jg, d)

	batch, err := jg.GenerateSettlement(d, uuid.NewString(), 2, 0)
	if err != nil {
		t.Fatalf("GenerateSettlement failed: %v", err)
	}
	if len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal for zero payout, got %d", len(batch.Journals))
	}
	if batch.Journals[0].JournalType != ledger.JournalTypePrincipalSettle {
		t.Error("remaining journal should be the principal settle leg")
	}
}

func TestGenerateRollover_SameChain(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	d := settledDual(1_000_000, 30_000_000)
	stakeInto(t, bt, jg, d)

	successor := &state.Dual{
		User:        alice,
		ChainID:     1,
		BaseToken:   tokenWBTC,
		QuoteToken:  tokenUSDT,
		InputToken:  tokenUSDT,
		InputAmount: big.NewInt(30_000_000),
	}

	batch, err := jg.GenerateRollover(d, successor, uuid.NewString(), 2, 1_700_003_600)
	if err != nil {
		t.Fatalf("GenerateRollover failed: %v", err)
	}
	if len(batch.Journals) != 3 {
		t.Fatalf("expected 3 journals, got %d", len(batch.Journals))
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	// The payout rolled straight into the successor's stake
	if got := bt.GetUserOwed(alice, 1, tokenUSDT); got.Sign() != 0 {
		t.Errorf("owed after rollover: got %s, want 0", got)
	}
	if got := bt.GetUserStaked(alice, 1, tokenUSDT); got.Cmp(big.NewInt(30_000_000)) != 0 {
		t.Errorf("successor staked: got %s, want 30_000_000", got)
	}
	// Old stake extinguished
	if got := bt.GetUserStaked(alice, 1, tokenWBTC); got.Sign() != 0 {
		t.Errorf("old staked: got %s, want 0", got)
	}
}

func TestGenerateRollover_CrossChain_BothChainsZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	d := settledDual(1_000_000, 30_000_000)
	stakeInto(t, bt, jg, d)

	successor := &state.Dual{
		User:        alice,
		ChainID:     56,
		BaseToken:   tokenWBTC,
		QuoteToken:  tokenUSDT,
		InputToken:  tokenUSDT,
		InputAmount: big.NewInt(30_000_000),
	}

	batch, err := jg.GenerateRollover(d, successor, uuid.NewString(), 2, 1_700_003_600)
	if err != nil {
		t.Fatalf("GenerateRollover failed: %v", err)
	}
	if len(batch.Journals) != 4 {
		t.Fatalf("expected 4 journals for cross-chain roll, got %d", len(batch.Journals))
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	// The successor's stake lives on the target chain
	if got := bt.GetUserStaked(alice, 56, tokenUSDT); got.Cmp(big.NewInt(30_000_000)) != 0 {
		t.Errorf("successor staked on chain 56: got %s, want 30_000_000", got)
	}
	if got := bt.GetUserOwed(alice, 1, tokenUSDT); got.Sign() != 0 {
		t.Errorf("source-chain owed after roll: got %s, want 0", got)
	}

	// Each chain's books must balance independently
	for tk, total := range bt.ComputeGlobalBalance() {
		if total.Sign() != 0 {
			t.Errorf("token %s has non-zero global balance: %s", tk, total)
		}
	}
}

func TestGenerateRollover_ZeroPayout_Fails(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	d := settledDual(1_000_000, 0)
	stakeInto(t, bt, jg, d)

	if _, err := jg.GenerateRollover(d, stakedDual(1), uuid.NewString(), 2, 0); err == nil {
		t.Error("rollover with zero payout should fail")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero_AcrossLifecycle(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)
	v := ledger.NewInvariantValidator(bt)

	// Empty ledger should pass
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	d := settledDual(1_000_000, 30_000_000)
	stakeInto(t, bt, jg, d)

	batch, err := jg.GenerateSettlement(d, uuid.NewString(), 2, 0)
	if err != nil {
		t.Fatalf("GenerateSettlement failed: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("ledger should stay zero-sum across stake and settlement: %v", err)
	}
}

func TestInvariantValidator_UserClaimsNonPositive(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	stakeInto(t, bt, ledger.NewJournalGenerator(bt), stakedDual(500))

	if err := v.ValidateUserClaimsNonPositive(alice, 1, tokenWBTC); err != nil {
		t.Errorf("staked claim should be a liability balance: %v", err)
	}

	// Force a corrupt positive claim balance
	bt.SetBalance(ledger.NewUserAccountKey(alice, ledger.SubTypeStaked, 1, tokenWBTC), big.NewInt(1))
	if err := v.ValidateUserClaimsNonPositive(alice, 1, tokenWBTC); err == nil {
		t.Error("positive claim balance should be flagged")
	}
}

func TestInvariantValidator_CustodyNonNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateCustodyNonNegative(1, tokenWBTC); err != nil {
		t.Errorf("zero custody should pass: %v", err)
	}

	bt.SetBalance(ledger.NewVaultAccountKey(ledger.SubTypeCustody, 1, tokenWBTC), big.NewInt(-1))
	if err := v.ValidateCustodyNonNegative(1, tokenWBTC); err == nil {
		t.Error("negative custody should be flagged")
	}
}
