package ingestion_test

import (
	"DualLedger/internal/event"
	"DualLedger/internal/ingestion"
	"DualLedger/internal/state"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	addrSender = "0x00000000000000000000000000000000000000Ad"
	addrAlice  = "0x00000000000000000000000000000000000000a1"
	addrWBTC   = "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"
	addrUSDT   = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func tariffPayload() map[string]interface{} {
	return map[string]interface{}{
		"chain_id":       uint64(1),
		"base_token":     addrWBTC,
		"quote_token":    addrUSDT,
		"staking_period": int64(12),
		"yield":          "1000000",
	}
}

func createPayload() map[string]interface{} {
	return map[string]interface{}{
		"command_id":    "550e8400-e29b-41d4-a716-446655440000",
		"sender":        addrSender,
		"tariff":        tariffPayload(),
		"user":          addrAlice,
		"parent_id":     state.RootParentID.Hex(),
		"input_token":   addrWBTC,
		"input_amount":  "1000000000000000000",
		"initial_price": "30000000000000000000000",
		"started_at":    int64(1_700_000_000),
		"sequence":      int64(0),
		"submitted_ts":  int64(1_700_000_050),
	}
}

func positionPayload() map[string]interface{} {
	return map[string]interface{}{
		"user":          addrAlice,
		"chain_id":      uint64(1),
		"parent_id":     state.RootParentID.Hex(),
		"base_token":    addrWBTC,
		"quote_token":   addrUSDT,
		"input_token":   addrWBTC,
		"input_amount":  "1000000000000000000",
		"yield":         "1000000",
		"initial_price": "30000000000000000000000",
		"finish_at":     int64(1_700_043_200),
	}
}

func TestParseCreateDual(t *testing.T) {
	raw := rawFromJSON(t, createPayload())
	cmd, err := ingestion.ParseRawCommand(raw, "CreateDual")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cd, ok := cmd.(*event.CreateDual)
	if !ok {
		t.Fatalf("expected *event.CreateDual, got %T", cmd)
	}

	if cd.Sender != common.HexToAddress(addrSender) {
		t.Errorf("sender: got %s", cd.Sender.Hex())
	}
	if cd.Tariff.Chain != 1 {
		t.Errorf("chain: got %d, want 1", cd.Tariff.Chain)
	}
	if cd.Tariff.BaseToken != common.HexToAddress(addrWBTC) {
		t.Errorf("base token: got %s", cd.Tariff.BaseToken.Hex())
	}
	if cd.Tariff.StakingPeriod != 12 {
		t.Errorf("staking period: got %d, want 12", cd.Tariff.StakingPeriod)
	}
	if cd.Tariff.Yield.String() != "1000000" {
		t.Errorf("yield: got %s, want 1000000", cd.Tariff.Yield)
	}
	if cd.User != common.HexToAddress(addrAlice) {
		t.Errorf("user: got %s", cd.User.Hex())
	}
	if cd.ParentID != state.RootParentID {
		t.Errorf("parent: got %s", cd.ParentID.Hex())
	}
	if cd.InputAmount.String() != "1000000000000000000" {
		t.Errorf("input amount: got %s", cd.InputAmount)
	}
	if cd.InitialPrice.String() != "30000000000000000000000" {
		t.Errorf("initial price: got %s", cd.InitialPrice)
	}
	if cd.StartedAt != 1_700_000_000 {
		t.Errorf("started_at: got %d", cd.StartedAt)
	}
	if cd.SubmittedAt() != 1_700_000_050 {
		t.Errorf("submitted_ts: got %d, want 1_700_000_050", cd.SubmittedAt())
	}
	if cd.CommandType() != event.CommandTypeCreateDual {
		t.Errorf("command type: got %v, want CreateDual", cd.CommandType())
	}
}

func TestParseCreateDual_OmittedParentIsRoot(t *testing.T) {
	payload := createPayload()
	delete(payload, "parent_id")

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "CreateDual")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cd := cmd.(*event.CreateDual)
	if cd.ParentID != state.RootParentID {
		t.Errorf("omitted parent must map to the root marker, got %s", cd.ParentID.Hex())
	}
}

func TestParseCreateDual_StampsReceiveTime(t *testing.T) {
	payload := createPayload()
	delete(payload, "submitted_ts")
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw := ingestion.RawCommand{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Unix(1_700_000_123, 0),
	}

	cmd, err := ingestion.ParseRawCommand(raw, "CreateDual")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cmd.SubmittedAt() != 1_700_000_123 {
		t.Errorf("missing submitted_ts must take the receive time, got %d", cmd.SubmittedAt())
	}
}

func TestParseClaimDual(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "660e8400-e29b-41d4-a716-446655440001",
		"sender":       addrSender,
		"position":     positionPayload(),
		"closed_price": "31000000000000000000000",
		"sequence":     int64(1),
		"submitted_ts": int64(1_700_043_200),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "ClaimDual")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cl, ok := cmd.(*event.ClaimDual)
	if !ok {
		t.Fatalf("expected *event.ClaimDual, got %T", cmd)
	}

	if cl.Position.User != common.HexToAddress(addrAlice) {
		t.Errorf("position user: got %s", cl.Position.User.Hex())
	}
	if cl.Position.InputAmount.String() != "1000000000000000000" {
		t.Errorf("position amount: got %s", cl.Position.InputAmount)
	}
	if cl.Position.FinishAt != 1_700_043_200 {
		t.Errorf("finish_at: got %d", cl.Position.FinishAt)
	}
	if cl.ClosedPrice.String() != "31000000000000000000000" {
		t.Errorf("closed price: got %s", cl.ClosedPrice)
	}
	if cl.ChainID() != 1 {
		t.Errorf("chain partition: got %d, want 1", cl.ChainID())
	}
}

func TestParseReplayDual(t *testing.T) {
	newTariff := tariffPayload()
	newTariff["chain_id"] = uint64(56)

	payload := map[string]interface{}{
		"command_id":        "770e8400-e29b-41d4-a716-446655440002",
		"sender":            addrSender,
		"position":          positionPayload(),
		"closed_price":      "31000000000000000000000",
		"new_tariff":        newTariff,
		"new_initial_price": "31000000000000000000000",
		"new_started_at":    int64(1_700_043_200),
		"sequence":          int64(2),
		"submitted_ts":      int64(1_700_043_200),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "ReplayDual")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	rp, ok := cmd.(*event.ReplayDual)
	if !ok {
		t.Fatalf("expected *event.ReplayDual, got %T", cmd)
	}

	if rp.NewTariff.Chain != 56 {
		t.Errorf("new tariff chain: got %d, want 56", rp.NewTariff.Chain)
	}
	if rp.NewInitialPrice.String() != "31000000000000000000000" {
		t.Errorf("new initial price: got %s", rp.NewInitialPrice)
	}
	if rp.NewStartedAt != 1_700_043_200 {
		t.Errorf("new started_at: got %d", rp.NewStartedAt)
	}
	// Replay partitions by the chain the position lives on, not the
	// successor's chain.
	if rp.ChainID() != 1 {
		t.Errorf("chain partition: got %d, want 1", rp.ChainID())
	}
}

func TestParseRotateAuthority(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":    "880e8400-e29b-41d4-a716-446655440003",
		"sender":        addrSender,
		"new_authority": addrAlice,
		"sequence":      int64(0),
		"submitted_ts":  int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "RotateAuthority")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ra, ok := cmd.(*event.RotateAuthority)
	if !ok {
		t.Fatalf("expected *event.RotateAuthority, got %T", cmd)
	}

	if ra.NewAuthority != common.HexToAddress(addrAlice) {
		t.Errorf("new authority: got %s", ra.NewAuthority.Hex())
	}
	if ra.ChainID() != 0 {
		t.Errorf("governance commands partition globally, got chain %d", ra.ChainID())
	}
}

func TestParseSetOperator(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "990e8400-e29b-41d4-a716-446655440004",
		"sender":       addrSender,
		"operator":     addrAlice,
		"enabled":      true,
		"sequence":     int64(1),
		"submitted_ts": int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "SetOperator")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	so, ok := cmd.(*event.SetOperator)
	if !ok {
		t.Fatalf("expected *event.SetOperator, got %T", cmd)
	}

	if so.Operator != common.HexToAddress(addrAlice) {
		t.Errorf("operator: got %s", so.Operator.Hex())
	}
	if !so.Enabled {
		t.Error("enabled flag lost in parsing")
	}
}

func TestParseUnknownCommandType_Fails(t *testing.T) {
	raw := ingestion.RawCommand{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawCommand(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawCommand{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawCommand(raw, "CreateDual")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := createPayload()
	payload["command_id"] = "not-a-uuid"

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawCommand(raw, "CreateDual")
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestParseBadAddress_Fails(t *testing.T) {
	payload := createPayload()
	payload["user"] = "0xnothex"

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawCommand(raw, "CreateDual")
	if err == nil {
		t.Fatal("expected error for malformed address")
	}
}

func TestParseNegativeAmount_Fails(t *testing.T) {
	payload := createPayload()
	payload["input_amount"] = "-5"

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawCommand(raw, "CreateDual")
	if err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestParseOverflowAmount_Fails(t *testing.T) {
	payload := createPayload()
	// 2^256, one above the largest representable amount.
	payload["input_amount"] = "115792089237316195423570985008687907853269984665640564039457584007913129639936"

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawCommand(raw, "CreateDual")
	if err == nil {
		t.Fatal("expected error for amount above uint256")
	}
}

func TestParseBadParentLength_Fails(t *testing.T) {
	payload := createPayload()
	payload["parent_id"] = "0x1234"

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawCommand(raw, "CreateDual")
	if err == nil {
		t.Fatal("expected error for short parent hash")
	}
}

func TestEncodeCommand_CreateRoundTrip(t *testing.T) {
	raw := rawFromJSON(t, createPayload())
	cmd, err := ingestion.ParseRawCommand(raw, "CreateDual")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	data, err := ingestion.EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// Replaying the encoded form must reproduce the command exactly,
	// including the resolved submitted_ts.
	replayed, err := ingestion.ParseRawCommand(ingestion.RawCommand{
		Data:      data,
		Timestamp: time.Unix(9_999_999_999, 0),
	}, "CreateDual")
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}

	orig := cmd.(*event.CreateDual)
	got := replayed.(*event.CreateDual)

	if got.ID != orig.ID {
		t.Errorf("command id changed: %s vs %s", got.ID, orig.ID)
	}
	if got.InputAmount.Cmp(orig.InputAmount) != 0 {
		t.Errorf("input amount changed: %s vs %s", got.InputAmount, orig.InputAmount)
	}
	if got.ParentID != orig.ParentID {
		t.Errorf("parent changed: %s vs %s", got.ParentID.Hex(), orig.ParentID.Hex())
	}
	if got.SubmittedAt() != orig.SubmittedAt() {
		t.Errorf("submitted_ts not preserved: %d vs %d", got.SubmittedAt(), orig.SubmittedAt())
	}
}

func TestEncodeCommand_ReplayRoundTrip(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":        "770e8400-e29b-41d4-a716-446655440002",
		"sender":            addrSender,
		"position":          positionPayload(),
		"closed_price":      "29000000000000000000000",
		"new_tariff":        tariffPayload(),
		"new_initial_price": "29000000000000000000000",
		"new_started_at":    int64(1_700_043_200),
		"sequence":          int64(2),
		"submitted_ts":      int64(1_700_043_200),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "ReplayDual")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	data, err := ingestion.EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	replayed, err := ingestion.ParseRawCommand(ingestion.RawCommand{
		Data:      data,
		Timestamp: time.Unix(9_999_999_999, 0),
	}, "ReplayDual")
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}

	orig := cmd.(*event.ReplayDual)
	got := replayed.(*event.ReplayDual)

	if got.Position.InputAmount.Cmp(orig.Position.InputAmount) != 0 {
		t.Errorf("position amount changed: %s vs %s", got.Position.InputAmount, orig.Position.InputAmount)
	}
	if got.Position.FinishAt != orig.Position.FinishAt {
		t.Errorf("finish_at changed: %d vs %d", got.Position.FinishAt, orig.Position.FinishAt)
	}
	if got.NewInitialPrice.Cmp(orig.NewInitialPrice) != 0 {
		t.Errorf("new price changed: %s vs %s", got.NewInitialPrice, orig.NewInitialPrice)
	}
	if got.SubmittedAt() != orig.SubmittedAt() {
		t.Errorf("submitted_ts not preserved: %d vs %d", got.SubmittedAt(), orig.SubmittedAt())
	}
}

// ==== Signature tests ====

func TestSignedCommand_RecoversSigner(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	want := ethcrypto.PubkeyToAddress(key.PublicKey)

	payload, err := json.Marshal(createPayload())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	wrapped, err := ingestion.WrapSigned(payload, key)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	inner, signer, err := ingestion.NewVerifier(true).Unwrap(wrapped)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if string(inner) != string(payload) {
		t.Error("payload changed through the signature wrapper")
	}
	if signer == nil {
		t.Fatal("expected a recovered signer")
	}
	if *signer != want {
		t.Errorf("recovered %s, want %s", signer.Hex(), want.Hex())
	}
}

func TestSignedCommand_TamperChangesSigner(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	want := ethcrypto.PubkeyToAddress(key.PublicKey)

	payload := []byte(`{"input_amount":"1000000000000000000"}`)
	sig, err := ingestion.SignCommand(payload, key)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	tampered := []byte(`{"input_amount":"9000000000000000000"}`)
	recovered, err := ingestion.RecoverSigner(tampered, sig)
	if err == nil && recovered == want {
		t.Fatal("tampered payload must not verify as the original signer")
	}
}

func TestUnsignedCommand_RequiredFails(t *testing.T) {
	payload, err := json.Marshal(createPayload())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	_, _, err = ingestion.NewVerifier(true).Unwrap(payload)
	if err == nil {
		t.Fatal("expected error for unsigned command with signatures required")
	}
}

func TestUnsignedCommand_OptionalPassesThrough(t *testing.T) {
	payload, err := json.Marshal(createPayload())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	inner, signer, err := ingestion.NewVerifier(false).Unwrap(payload)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if signer != nil {
		t.Errorf("unsigned command must not recover a signer, got %s", signer.Hex())
	}
	if string(inner) != string(payload) {
		t.Error("payload changed through passthrough")
	}
}
