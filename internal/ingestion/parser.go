package ingestion

import (
	"DualLedger/internal/event"
	fpmath "DualLedger/internal/math"
	"DualLedger/internal/state"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type
// string) into a typed event.Command. The ingestion shell validates,
// parses and converts raw payloads before handing them to the
// deterministic core; anything malformed dies here, never inside core.
func ParseRawCommand(raw RawCommand, commandType string) (event.Command, error) {
	switch commandType {
	case "CreateDual":
		return parseCreateDual(raw)
	case "ClaimDual":
		return parseClaimDual(raw)
	case "ReplayDual":
		return parseReplayDual(raw)
	case "RotateAuthority":
		return parseRotateAuthority(raw)
	case "SetOperator":
		return parseSetOperator(raw)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS. Field
// names use snake_case; token amounts, prices and yields travel as
// base-10 strings so uint256 values survive the JSON boundary.

type tariffJSON struct {
	ChainID       uint64 `json:"chain_id"`
	BaseToken     string `json:"base_token"`
	QuoteToken    string `json:"quote_token"`
	StakingPeriod int64  `json:"staking_period"` // hours
	Yield         string `json:"yield"`
}

type createDualJSON struct {
	CommandID    string     `json:"command_id"`
	Sender       string     `json:"sender"`
	Tariff       tariffJSON `json:"tariff"`
	User         string     `json:"user"`
	ParentID     string     `json:"parent_id,omitempty"`
	InputToken   string     `json:"input_token"`
	InputAmount  string     `json:"input_amount"`
	InitialPrice string     `json:"initial_price"`
	StartedAt    int64      `json:"started_at"`
	Sequence     int64      `json:"sequence"`
	SubmittedTs  int64      `json:"submitted_ts,omitempty"`
}

type positionJSON struct {
	User         string `json:"user"`
	ChainID      uint64 `json:"chain_id"`
	ParentID     string `json:"parent_id"`
	BaseToken    string `json:"base_token"`
	QuoteToken   string `json:"quote_token"`
	InputToken   string `json:"input_token"`
	InputAmount  string `json:"input_amount"`
	Yield        string `json:"yield"`
	InitialPrice string `json:"initial_price"`
	FinishAt     int64  `json:"finish_at"`
}

type claimDualJSON struct {
	CommandID   string       `json:"command_id"`
	Sender      string       `json:"sender"`
	Position    positionJSON `json:"position"`
	ClosedPrice string       `json:"closed_price"`
	Sequence    int64        `json:"sequence"`
	SubmittedTs int64        `json:"submitted_ts,omitempty"`
}

type replayDualJSON struct {
	CommandID       string       `json:"command_id"`
	Sender          string       `json:"sender"`
	Position        positionJSON `json:"position"`
	ClosedPrice     string       `json:"closed_price"`
	NewTariff       tariffJSON   `json:"new_tariff"`
	NewInitialPrice string       `json:"new_initial_price"`
	NewStartedAt    int64        `json:"new_started_at"`
	Sequence        int64        `json:"sequence"`
	SubmittedTs     int64        `json:"submitted_ts,omitempty"`
}

type rotateAuthorityJSON struct {
	CommandID    string `json:"command_id"`
	Sender       string `json:"sender"`
	NewAuthority string `json:"new_authority"`
	Sequence     int64  `json:"sequence"`
	SubmittedTs  int64  `json:"submitted_ts,omitempty"`
}

type setOperatorJSON struct {
	CommandID   string `json:"command_id"`
	Sender      string `json:"sender"`
	Operator    string `json:"operator"`
	Enabled     bool   `json:"enabled"`
	Sequence    int64  `json:"sequence"`
	SubmittedTs int64  `json:"submitted_ts,omitempty"`
}

// --- Field parsers ---

func parseAddress(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}

// parseParentID resolves the parent hash. An omitted parent marks a
// root position and maps to the root sentinel.
func parseParentID(s string) (common.Hash, error) {
	if s == "" {
		return state.RootParentID, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("parse parent_id: %w", err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("parse parent_id: want 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b), nil
}

func parseAmount(s, field string) (*big.Int, error) {
	v, err := fpmath.ParseUint(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

func parseTariff(j tariffJSON) (event.TariffTerms, error) {
	base, err := parseAddress(j.BaseToken, "base_token")
	if err != nil {
		return event.TariffTerms{}, err
	}
	quote, err := parseAddress(j.QuoteToken, "quote_token")
	if err != nil {
		return event.TariffTerms{}, err
	}
	yield, err := parseAmount(j.Yield, "yield")
	if err != nil {
		return event.TariffTerms{}, err
	}
	return event.TariffTerms{
		Chain:         j.ChainID,
		BaseToken:     base,
		QuoteToken:    quote,
		StakingPeriod: j.StakingPeriod,
		Yield:         yield,
	}, nil
}

func parsePosition(j positionJSON) (event.PositionRecord, error) {
	user, err := parseAddress(j.User, "position.user")
	if err != nil {
		return event.PositionRecord{}, err
	}
	parentID, err := parseParentID(j.ParentID)
	if err != nil {
		return event.PositionRecord{}, err
	}
	base, err := parseAddress(j.BaseToken, "position.base_token")
	if err != nil {
		return event.PositionRecord{}, err
	}
	quote, err := parseAddress(j.QuoteToken, "position.quote_token")
	if err != nil {
		return event.PositionRecord{}, err
	}
	input, err := parseAddress(j.InputToken, "position.input_token")
	if err != nil {
		return event.PositionRecord{}, err
	}
	amount, err := parseAmount(j.InputAmount, "position.input_amount")
	if err != nil {
		return event.PositionRecord{}, err
	}
	yield, err := parseAmount(j.Yield, "position.yield")
	if err != nil {
		return event.PositionRecord{}, err
	}
	price, err := parseAmount(j.InitialPrice, "position.initial_price")
	if err != nil {
		return event.PositionRecord{}, err
	}
	return event.PositionRecord{
		User:         user,
		Chain:        j.ChainID,
		ParentID:     parentID,
		BaseToken:    base,
		QuoteToken:   quote,
		InputToken:   input,
		InputAmount:  amount,
		Yield:        yield,
		InitialPrice: price,
		FinishAt:     j.FinishAt,
	}, nil
}

// submittedAt resolves the command's "now". Fresh messages are stamped
// with the receive time; replayed messages carry the original stamp so
// time checks replay identically.
func submittedAt(wireTs int64, raw RawCommand) int64 {
	if wireTs != 0 {
		return wireTs
	}
	return raw.Timestamp.Unix()
}

// --- Command parsers ---

func parseCreateDual(raw RawCommand) (*event.CreateDual, error) {
	var j createDualJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse CreateDual: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	sender, err := parseAddress(j.Sender, "sender")
	if err != nil {
		return nil, err
	}
	tariff, err := parseTariff(j.Tariff)
	if err != nil {
		return nil, err
	}
	user, err := parseAddress(j.User, "user")
	if err != nil {
		return nil, err
	}
	parentID, err := parseParentID(j.ParentID)
	if err != nil {
		return nil, err
	}
	inputToken, err := parseAddress(j.InputToken, "input_token")
	if err != nil {
		return nil, err
	}
	inputAmount, err := parseAmount(j.InputAmount, "input_amount")
	if err != nil {
		return nil, err
	}
	initialPrice, err := parseAmount(j.InitialPrice, "initial_price")
	if err != nil {
		return nil, err
	}

	return &event.CreateDual{
		ID:           commandID,
		Sender:       sender,
		Tariff:       tariff,
		User:         user,
		ParentID:     parentID,
		InputToken:   inputToken,
		InputAmount:  inputAmount,
		InitialPrice: initialPrice,
		StartedAt:    j.StartedAt,
		Sequence:     j.Sequence,
		SubmittedTs:  submittedAt(j.SubmittedTs, raw),
	}, nil
}

func parseClaimDual(raw RawCommand) (*event.ClaimDual, error) {
	var j claimDualJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimDual: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	sender, err := parseAddress(j.Sender, "sender")
	if err != nil {
		return nil, err
	}
	position, err := parsePosition(j.Position)
	if err != nil {
		return nil, err
	}
	closedPrice, err := parseAmount(j.ClosedPrice, "closed_price")
	if err != nil {
		return nil, err
	}

	return &event.ClaimDual{
		ID:          commandID,
		Sender:      sender,
		Position:    position,
		ClosedPrice: closedPrice,
		Sequence:    j.Sequence,
		SubmittedTs: submittedAt(j.SubmittedTs, raw),
	}, nil
}

func parseReplayDual(raw RawCommand) (*event.ReplayDual, error) {
	var j replayDualJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse ReplayDual: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	sender, err := parseAddress(j.Sender, "sender")
	if err != nil {
		return nil, err
	}
	position, err := parsePosition(j.Position)
	if err != nil {
		return nil, err
	}
	closedPrice, err := parseAmount(j.ClosedPrice, "closed_price")
	if err != nil {
		return nil, err
	}
	newTariff, err := parseTariff(j.NewTariff)
	if err != nil {
		return nil, err
	}
	newInitialPrice, err := parseAmount(j.NewInitialPrice, "new_initial_price")
	if err != nil {
		return nil, err
	}

	return &event.ReplayDual{
		ID:              commandID,
		Sender:          sender,
		Position:        position,
		ClosedPrice:     closedPrice,
		NewTariff:       newTariff,
		NewInitialPrice: newInitialPrice,
		NewStartedAt:    j.NewStartedAt,
		Sequence:        j.Sequence,
		SubmittedTs:     submittedAt(j.SubmittedTs, raw),
	}, nil
}

func parseRotateAuthority(raw RawCommand) (*event.RotateAuthority, error) {
	var j rotateAuthorityJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse RotateAuthority: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	sender, err := parseAddress(j.Sender, "sender")
	if err != nil {
		return nil, err
	}
	newAuthority, err := parseAddress(j.NewAuthority, "new_authority")
	if err != nil {
		return nil, err
	}

	return &event.RotateAuthority{
		ID:           commandID,
		Sender:       sender,
		NewAuthority: newAuthority,
		Sequence:     j.Sequence,
		SubmittedTs:  submittedAt(j.SubmittedTs, raw),
	}, nil
}

func parseSetOperator(raw RawCommand) (*event.SetOperator, error) {
	var j setOperatorJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse SetOperator: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	sender, err := parseAddress(j.Sender, "sender")
	if err != nil {
		return nil, err
	}
	operator, err := parseAddress(j.Operator, "operator")
	if err != nil {
		return nil, err
	}

	return &event.SetOperator{
		ID:          commandID,
		Sender:      sender,
		Operator:    operator,
		Enabled:     j.Enabled,
		Sequence:    j.Sequence,
		SubmittedTs: submittedAt(j.SubmittedTs, raw),
	}, nil
}

// --- Command encoding ---

// EncodeCommand marshals a typed command back into its wire payload.
// The event log stores this form, so startup replay runs every logged
// command through the same parser that handled it live, resolved
// submitted_ts included.
func EncodeCommand(cmd event.Command) ([]byte, error) {
	switch c := cmd.(type) {
	case *event.CreateDual:
		return json.Marshal(createDualJSON{
			CommandID:    c.ID.String(),
			Sender:       c.Sender.Hex(),
			Tariff:       encodeTariff(c.Tariff),
			User:         c.User.Hex(),
			ParentID:     c.ParentID.Hex(),
			InputToken:   c.InputToken.Hex(),
			InputAmount:  c.InputAmount.String(),
			InitialPrice: c.InitialPrice.String(),
			StartedAt:    c.StartedAt,
			Sequence:     c.Sequence,
			SubmittedTs:  c.SubmittedTs,
		})
	case *event.ClaimDual:
		return json.Marshal(claimDualJSON{
			CommandID:   c.ID.String(),
			Sender:      c.Sender.Hex(),
			Position:    encodePosition(c.Position),
			ClosedPrice: c.ClosedPrice.String(),
			Sequence:    c.Sequence,
			SubmittedTs: c.SubmittedTs,
		})
	case *event.ReplayDual:
		return json.Marshal(replayDualJSON{
			CommandID:       c.ID.String(),
			Sender:          c.Sender.Hex(),
			Position:        encodePosition(c.Position),
			ClosedPrice:     c.ClosedPrice.String(),
			NewTariff:       encodeTariff(c.NewTariff),
			NewInitialPrice: c.NewInitialPrice.String(),
			NewStartedAt:    c.NewStartedAt,
			Sequence:        c.Sequence,
			SubmittedTs:     c.SubmittedTs,
		})
	case *event.RotateAuthority:
		return json.Marshal(rotateAuthorityJSON{
			CommandID:    c.ID.String(),
			Sender:       c.Sender.Hex(),
			NewAuthority: c.NewAuthority.Hex(),
			Sequence:     c.Sequence,
			SubmittedTs:  c.SubmittedTs,
		})
	case *event.SetOperator:
		return json.Marshal(setOperatorJSON{
			CommandID:   c.ID.String(),
			Sender:      c.Sender.Hex(),
			Operator:    c.Operator.Hex(),
			Enabled:     c.Enabled,
			Sequence:    c.Sequence,
			SubmittedTs: c.SubmittedTs,
		})
	default:
		return nil, fmt.Errorf("encode: unknown command type %T", cmd)
	}
}

func encodeTariff(t event.TariffTerms) tariffJSON {
	return tariffJSON{
		ChainID:       t.Chain,
		BaseToken:     t.BaseToken.Hex(),
		QuoteToken:    t.QuoteToken.Hex(),
		StakingPeriod: t.StakingPeriod,
		Yield:         t.Yield.String(),
	}
}

func encodePosition(p event.PositionRecord) positionJSON {
	return positionJSON{
		User:         p.User.Hex(),
		ChainID:      p.Chain,
		ParentID:     p.ParentID.Hex(),
		BaseToken:    p.BaseToken.Hex(),
		QuoteToken:   p.QuoteToken.Hex(),
		InputToken:   p.InputToken.Hex(),
		InputAmount:  p.InputAmount.String(),
		Yield:        p.Yield.String(),
		InitialPrice: p.InitialPrice.String(),
		FinishAt:     p.FinishAt,
	}
}
