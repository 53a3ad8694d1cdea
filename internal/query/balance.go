package query

// BalanceResponse is one account balance row. Balances are decimal
// strings: user staked and owed claims read negative (liabilities of
// the vault), custody and treasury carry the vault side.
type BalanceResponse struct {
	AccountPath  string `json:"account_path"`
	ChainID      uint64 `json:"chain_id"`
	Token        string `json:"token"`
	Balance      string `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}
