package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// RootParentID marks a first-generation position with no predecessor.
// The zero hash is reserved as the invalid-parent sentinel, so root
// positions carry this designated non-zero marker instead.
var RootParentID = common.BytesToHash(ethcrypto.Keccak256([]byte("dual:parent:root")))

// Dual is one dual-investment position. The engine holds only liveness
// in memory; the full record travels with commands and rests in the
// event log and projections.
type Dual struct {
	ID         common.Hash
	User       common.Address
	ChainID    uint64
	ParentID   common.Hash
	BaseToken  common.Address
	QuoteToken common.Address

	InputToken   common.Address
	InputAmount  *big.Int
	Yield        *big.Int // 8-decimal fixed point
	InitialPrice *big.Int // 18-decimal fixed point
	FinishAt     int64    // unix seconds

	// Settlement fields, populated at claim/replay
	ClosedPrice  *big.Int // 18-decimal fixed point
	OutputToken  common.Address
	OutputAmount *big.Int
}

// InputIsBase reports whether the staked token is the base side of the pair.
func (d *Dual) InputIsBase() bool {
	return d.InputToken == d.BaseToken
}

// IdentityBytes returns the canonical 320-byte encoding hashed into the
// position id. Each field is left-padded to 32 bytes in the fixed order
// of the on-chain commitment. Settlement fields are excluded so the id
// is fixed at creation.
func (d *Dual) IdentityBytes() []byte {
	buf := make([]byte, 0, 320)

	buf = append(buf, common.LeftPadBytes(d.User.Bytes(), 32)...)
	buf = append(buf, uint64To32Bytes(d.ChainID)...)
	buf = append(buf, d.ParentID.Bytes()...)
	buf = append(buf, common.LeftPadBytes(d.BaseToken.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(d.QuoteToken.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(d.InputToken.Bytes(), 32)...)
	buf = append(buf, bigTo32Bytes(d.InputAmount)...)
	buf = append(buf, bigTo32Bytes(d.Yield)...)
	buf = append(buf, bigTo32Bytes(d.InitialPrice)...)
	buf = append(buf, int64To32Bytes(d.FinishAt)...)

	return buf
}

// ComputeID derives the content-addressed identifier for the position.
// Identical tuples always hash to the same id.
func (d *Dual) ComputeID() common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(d.IdentityBytes()))
}

func bigTo32Bytes(n *big.Int) []byte {
	if n == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(n.Bytes(), 32)
}

func uint64To32Bytes(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

func int64To32Bytes(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}
