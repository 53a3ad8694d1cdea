package access

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Controller decides which callers may submit state-changing commands.
// One authority address owns governance; operator addresses may
// additionally submit lifecycle commands. Authority rotation and
// operator grants mature only after a delay, revocations apply at once.
//
// Not thread-safe. Owned and mutated only by the deterministic core.
// Time always arrives as a command timestamp, never wall clock, so
// maturity checks replay identically.
type Controller struct {
	current   common.Address
	pending   common.Address
	pendingAt int64 // unix time the pending rotation matures; 0 when none

	delay int64 // seconds until a rotation or grant matures

	// operators maps address to the unix time its grant matures
	operators map[common.Address]int64
}

func NewController(authority common.Address, delaySeconds int64) *Controller {
	return &Controller{
		current:   authority,
		delay:     delaySeconds,
		operators: make(map[common.Address]int64),
	}
}

// promote installs a matured rotation. Called before every read so the
// observable state only depends on the supplied timestamp.
func (c *Controller) promote(now int64) {
	if c.pendingAt != 0 && now >= c.pendingAt {
		c.current = c.pending
		c.pending = common.Address{}
		c.pendingAt = 0
	}
}

// IsAuthority reports whether caller holds governance control at now.
func (c *Controller) IsAuthority(caller common.Address, now int64) bool {
	c.promote(now)
	return caller == c.current
}

// IsAuthorized reports whether caller may submit lifecycle commands at
// now: the authority itself, or an operator whose grant has matured.
func (c *Controller) IsAuthorized(caller common.Address, now int64) bool {
	c.promote(now)
	if caller == c.current {
		return true
	}
	maturity, ok := c.operators[caller]
	return ok && now >= maturity
}

// Authority returns the controlling address at now.
func (c *Controller) Authority(now int64) common.Address {
	c.promote(now)
	return c.current
}

// PendingAuthority returns the scheduled successor and its maturity
// time, or a zero address when no rotation is pending.
func (c *Controller) PendingAuthority(now int64) (common.Address, int64) {
	c.promote(now)
	return c.pending, c.pendingAt
}

// Rotate schedules handover to next. A rotation scheduled while one is
// already pending replaces it and restarts the clock. Returns the time
// the new authority takes effect.
func (c *Controller) Rotate(next common.Address, now int64) int64 {
	c.promote(now)
	c.pending = next
	c.pendingAt = now + c.delay
	return c.pendingAt
}

// GrantOperator schedules an operator grant. Re-granting an existing
// operator keeps the earlier maturity, so duplicate grants are
// idempotent. Returns the time the grant takes effect.
func (c *Controller) GrantOperator(op common.Address, now int64) int64 {
	effective := now + c.delay
	if existing, ok := c.operators[op]; ok && existing <= effective {
		return existing
	}
	c.operators[op] = effective
	return effective
}

// RevokeOperator removes an operator immediately, matured or not.
func (c *Controller) RevokeOperator(op common.Address) {
	delete(c.operators, op)
}

// OperatorGrant is one operator entry, used by snapshots and queries.
type OperatorGrant struct {
	Operator    common.Address
	EffectiveAt int64
}

// Operators returns all grants in ascending address order.
func (c *Controller) Operators() []OperatorGrant {
	grants := make([]OperatorGrant, 0, len(c.operators))
	for op, at := range c.operators {
		grants = append(grants, OperatorGrant{Operator: op, EffectiveAt: at})
	}
	sort.Slice(grants, func(i, j int) bool {
		return bytes.Compare(grants[i].Operator[:], grants[j].Operator[:]) < 0
	})
	return grants
}

// DigestBytes returns a canonical encoding of the controller state for
// the state digest: authority, pending rotation, then operator grants
// in ascending address order.
func (c *Controller) DigestBytes() []byte {
	grants := c.Operators()

	buf := make([]byte, 0, 48+len(grants)*28)
	buf = append(buf, c.current.Bytes()...)
	buf = append(buf, c.pending.Bytes()...)
	buf = appendInt64LE(buf, c.pendingAt)

	for _, g := range grants {
		buf = append(buf, g.Operator.Bytes()...)
		buf = appendInt64LE(buf, g.EffectiveAt)
	}

	return buf
}

// Snapshot captures controller state for persistence.
type Snapshot struct {
	Authority common.Address
	Pending   common.Address
	PendingAt int64
	Operators []OperatorGrant
}

func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		Authority: c.current,
		Pending:   c.pending,
		PendingAt: c.pendingAt,
		Operators: c.Operators(),
	}
}

// RestoreSnapshot replaces controller state with the snapshot contents.
// The delay is configuration, not state, and is left untouched.
func (c *Controller) RestoreSnapshot(s Snapshot) {
	c.current = s.Authority
	c.pending = s.Pending
	c.pendingAt = s.PendingAt
	c.operators = make(map[common.Address]int64, len(s.Operators))
	for _, g := range s.Operators {
		c.operators[g.Operator] = g.EffectiveAt
	}
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
