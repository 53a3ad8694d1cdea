package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeVault
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeStaked AccountSubType = iota // principal the vault must return
	SubTypeOwed                         // settlement payout claimable by the user

	// Vault sub-types
	SubTypeCustody  // tokens taken into custody at stake time
	SubTypeTreasury // house exposure funding settlement payouts
)

// TokenKey identifies an asset: a token contract on a specific chain.
type TokenKey struct {
	ChainID uint64
	Token   common.Address
}

func (t TokenKey) String() string {
	return fmt.Sprintf("%d:%s", t.ChainID, t.Token.Hex())
}

// AccountKey is the in-memory key for balance tracking. Comparable, so
// it can key maps directly.
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address // zero for vault accounts
	SubType AccountSubType
	ChainID uint64
	Token   common.Address
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(user common.Address, subType AccountSubType, chainID uint64, token common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   user,
		SubType: subType,
		ChainID: chainID,
		Token:   token,
	}
}

// NewVaultAccountKey creates a key for vault accounts
func NewVaultAccountKey(subType AccountSubType, chainID uint64, token common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeVault,
		SubType: subType,
		ChainID: chainID,
		Token:   token,
	}
}

// TokenKey returns the asset this account holds.
func (k AccountKey) TokenKey() TokenKey {
	return TokenKey{ChainID: k.ChainID, Token: k.Token}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%d:%s", k.Owner.Hex(), k.subTypeName(), k.ChainID, k.Token.Hex())
	case AccountScopeVault:
		return fmt.Sprintf("vault:%s:%d:%s", k.subTypeName(), k.ChainID, k.Token.Hex())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeStaked:
		return "staked"
	case SubTypeOwed:
		return "owed"
	case SubTypeCustody:
		return "custody"
	case SubTypeTreasury:
		return "treasury"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath. Snapshot restore and
// projection rebuilds read keys back out of their stored string form.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 5 && parts[0] == "user":
		if !common.IsHexAddress(parts[1]) {
			return AccountKey{}, fmt.Errorf("account path %q: bad owner address", path)
		}
		subType, err := parseSubType(parts[2], AccountScopeUser)
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		chainID, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: bad chain id: %w", path, err)
		}
		if !common.IsHexAddress(parts[4]) {
			return AccountKey{}, fmt.Errorf("account path %q: bad token address", path)
		}
		return NewUserAccountKey(common.HexToAddress(parts[1]), subType, chainID, common.HexToAddress(parts[4])), nil

	case len(parts) == 4 && parts[0] == "vault":
		subType, err := parseSubType(parts[1], AccountScopeVault)
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		chainID, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: bad chain id: %w", path, err)
		}
		if !common.IsHexAddress(parts[3]) {
			return AccountKey{}, fmt.Errorf("account path %q: bad token address", path)
		}
		return NewVaultAccountKey(subType, chainID, common.HexToAddress(parts[3])), nil

	default:
		return AccountKey{}, fmt.Errorf("account path %q: unrecognized shape", path)
	}
}

func parseSubType(name string, scope AccountScope) (AccountSubType, error) {
	switch scope {
	case AccountScopeUser:
		switch name {
		case "staked":
			return SubTypeStaked, nil
		case "owed":
			return SubTypeOwed, nil
		}
	case AccountScopeVault:
		switch name {
		case "custody":
			return SubTypeCustody, nil
		case "treasury":
			return SubTypeTreasury, nil
		}
	}
	return 0, fmt.Errorf("unknown account sub-type %q", name)
}
