package query

// DualResponse is one position row for API queries. Amounts and
// prices are decimal strings; settlement fields are nil while the
// position is live.
type DualResponse struct {
	DualID       string  `json:"dual_id"`
	User         string  `json:"user"`
	ChainID      uint64  `json:"chain_id"`
	ParentID     string  `json:"parent_id"`
	BaseToken    string  `json:"base_token"`
	QuoteToken   string  `json:"quote_token"`
	InputToken   string  `json:"input_token"`
	InputAmount  string  `json:"input_amount"`
	Yield        string  `json:"yield"`
	InitialPrice string  `json:"initial_price"`
	FinishAt     int64   `json:"finish_at"`
	Status       string  `json:"status"`
	ClosedPrice  *string `json:"closed_price,omitempty"`
	OutputToken  *string `json:"output_token,omitempty"`
	OutputAmount *string `json:"output_amount,omitempty"`
	SuccessorID  *string `json:"successor_id,omitempty"`
	AsOfSequence int64   `json:"as_of_sequence"`
}

// SettlementResponse is one settlement history row.
type SettlementResponse struct {
	Sequence     int64   `json:"sequence"`
	DualID       string  `json:"dual_id"`
	User         string  `json:"user"`
	ChainID      uint64  `json:"chain_id"`
	OutputToken  string  `json:"output_token"`
	OutputAmount string  `json:"output_amount"`
	ClosedPrice  string  `json:"closed_price"`
	SuccessorID  *string `json:"successor_id,omitempty"`
	SettledTs    int64   `json:"settled_ts"`
	AsOfSequence int64   `json:"as_of_sequence"`
}

// JournalHistoryEntry is one obligation journal row for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	CommandRef    string `json:"command_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	ChainID       uint64 `json:"chain_id"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// OperatorInfo is one operator grant in a governance response.
type OperatorInfo struct {
	Operator    string `json:"operator"`
	Enabled     bool   `json:"enabled"`
	EffectiveAt int64  `json:"effective_at"`
}

// GovernanceResponse is the current access control state.
type GovernanceResponse struct {
	Authority        string         `json:"authority"`
	PendingAuthority string         `json:"pending_authority,omitempty"`
	EffectiveAt      int64          `json:"effective_at,omitempty"`
	Operators        []OperatorInfo `json:"operators"`
	AsOfSequence     int64          `json:"as_of_sequence"`
}

// OverviewResponse summarizes the engine for dashboards.
type OverviewResponse struct {
	LivePositions     int64 `json:"live_positions"`
	SettledPositions  int64 `json:"settled_positions"`
	LastEventSequence int64 `json:"last_event_sequence"`
	AsOfSequence      int64 `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedTokens []UnbalancedToken `json:"unbalanced_tokens,omitempty"`
}

// UnbalancedToken is a token whose balances do not sum to zero across
// all accounts on a chain.
type UnbalancedToken struct {
	ChainID   uint64 `json:"chain_id"`
	Token     string `json:"token"`
	Imbalance string `json:"imbalance"`
}
