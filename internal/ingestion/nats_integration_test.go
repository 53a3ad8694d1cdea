package ingestion_test

import (
	"DualLedger/internal/event"
	"DualLedger/internal/ingestion"
	"DualLedger/internal/testutil"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// --- JetStream test helpers ---

// setupJetStream connects to the test NATS server and recreates every
// stream from scratch, so unacked messages from earlier runs cannot
// bleed into this one.
func setupJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v (start with: docker compose -f docker-compose.test.yml up -d)", err)
	}
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stream := range []string{"DUAL_COMMANDS", "DUAL_GOVERNANCE", "DUAL_LEDGER_EVENTS"} {
		_ = js.DeleteStream(ctx, stream)
	}
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}
	return js
}

// startSubscriber wires a subscriber with the production subject map
// and returns its raw command channel.
func startSubscriber(t *testing.T, js jetstream.JetStream) <-chan ingestion.RawCommand {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	rawChan := make(chan ingestion.RawCommand, 16)
	sub := ingestion.NewNATSSubscriber(js, rawChan)
	if err := sub.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		cancel()
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() {
		sub.Stop()
		cancel()
	})
	return rawChan
}

func awaitRaw(t *testing.T, ch <-chan ingestion.RawCommand) ingestion.RawCommand {
	t.Helper()
	select {
	case raw := <-ch:
		return raw
	case <-time.After(10 * time.Second):
		t.Fatal("published command never reached the channel")
		return ingestion.RawCommand{}
	}
}

func publishJSON(t *testing.T, js jetstream.JetStream, subject string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := js.Publish(ctx, subject, data); err != nil {
		t.Fatalf("publish %s: %v", subject, err)
	}
}

// --- Command ingestion ---

func TestNATSSubscriber_DeliversLifecycleCommands(t *testing.T) {
	js := setupJetStream(t)
	rawChan := startSubscriber(t, js)

	publishJSON(t, js, "dual.commands.create.1", createPayload())

	raw := awaitRaw(t, rawChan)
	if raw.Subject != "dual.commands.create.1" {
		t.Errorf("subject %s", raw.Subject)
	}
	if raw.Timestamp.IsZero() {
		t.Error("receive time not stamped")
	}

	// The delivered bytes must survive the production parse path.
	cmd, err := ingestion.ParseRawCommand(raw, "CreateDual")
	if err != nil {
		t.Fatalf("parse delivered command: %v", err)
	}
	create, ok := cmd.(*event.CreateDual)
	if !ok {
		t.Fatalf("parsed a %T", cmd)
	}
	if create.ID != uuid.MustParse("550e8400-e29b-41d4-a716-446655440000") {
		t.Errorf("command id %s", create.ID)
	}
	if create.Sender != common.HexToAddress(addrSender) || create.User != common.HexToAddress(addrAlice) {
		t.Errorf("parties %s / %s", create.Sender.Hex(), create.User.Hex())
	}
	if create.InputAmount.String() != "1000000000000000000" {
		t.Errorf("input amount %s", create.InputAmount)
	}
	raw.AckFunc()
}

func TestNATSSubscriber_RoutesGovernanceStream(t *testing.T) {
	js := setupJetStream(t)
	rawChan := startSubscriber(t, js)

	publishJSON(t, js, "dual.governance.rotate.1", map[string]interface{}{
		"command_id":    uuid.New().String(),
		"sender":        addrSender,
		"new_authority": addrAlice,
		"sequence":      int64(0),
		"submitted_ts":  int64(1_756_000_000),
	})

	raw := awaitRaw(t, rawChan)
	if raw.Subject != "dual.governance.rotate.1" {
		t.Errorf("subject %s", raw.Subject)
	}

	cmd, err := ingestion.ParseRawCommand(raw, "RotateAuthority")
	if err != nil {
		t.Fatalf("parse delivered command: %v", err)
	}
	rotate, ok := cmd.(*event.RotateAuthority)
	if !ok {
		t.Fatalf("parsed a %T", cmd)
	}
	if rotate.NewAuthority != common.HexToAddress(addrAlice) {
		t.Errorf("new authority %s", rotate.NewAuthority.Hex())
	}
	raw.AckFunc()
}

func TestNATSSubscriber_NakRedelivers(t *testing.T) {
	js := setupJetStream(t)
	rawChan := startSubscriber(t, js)

	publishJSON(t, js, "dual.commands.claim.1", map[string]interface{}{
		"command_id":   uuid.New().String(),
		"sender":       addrSender,
		"position":     positionPayload(),
		"closed_price": "29000000000000000000000",
		"sequence":     int64(0),
		"submitted_ts": int64(1_756_000_000),
	})

	first := awaitRaw(t, rawChan)
	first.NakFunc()

	second := awaitRaw(t, rawChan)
	if !bytes.Equal(first.Data, second.Data) {
		t.Error("redelivered payload differs from the original")
	}
	second.AckFunc()
}

// --- Outbound events ---

func TestOutboundPublisher_PublishesAppliedRecords(t *testing.T) {
	js := setupJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		t.Fatalf("ensure outbound stream: %v", err)
	}

	input := make(chan ingestion.PublishableEvent, 4)
	pub := ingestion.NewOutboundPublisher(js, input)
	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pub.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		stop()
		<-done
	})

	dualID := "0x00000000000000000000000000000000000000000000000000000000000000aa"
	commandID := uuid.New().String()
	stateHash := bytes.Repeat([]byte{0xab}, 32)
	input <- ingestion.PublishableEvent{
		Sequence:   12,
		RecordType: "dual_created",
		CommandID:  commandID,
		ChainID:    1,
		DualID:     &dualID,
		Payload:    map[string]string{"user": addrAlice},
		StateHash:  stateHash,
		Timestamp:  time.Unix(1_756_000_000, 0).UTC(),
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, "DUAL_LEDGER_EVENTS", jetstream.ConsumerConfig{
		FilterSubject: "dual.ledger.events.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		t.Fatalf("create consumer: %v", err)
	}

	batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(10*time.Second))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	var got *ingestion.PublishableEvent
	var subject string
	for msg := range batch.Messages() {
		subject = msg.Subject()
		var evt ingestion.PublishableEvent
		if err := json.Unmarshal(msg.Data(), &evt); err != nil {
			t.Fatalf("decode outbound event: %v", err)
		}
		got = &evt
		msg.Ack()
	}
	if err := batch.Error(); err != nil {
		t.Fatalf("fetch batch: %v", err)
	}
	if got == nil {
		t.Fatal("no outbound event landed on the stream")
	}

	if subject != "dual.ledger.events.dual_created.1" {
		t.Errorf("subject %s", subject)
	}
	if got.Sequence != 12 || got.RecordType != "dual_created" || got.CommandID != commandID {
		t.Errorf("event %+v", got)
	}
	if got.DualID == nil || *got.DualID != dualID {
		t.Errorf("dual id %v", got.DualID)
	}
	if !bytes.Equal(got.StateHash, stateHash) {
		t.Error("state hash did not survive the wire")
	}
	payload, ok := got.Payload.(map[string]interface{})
	if !ok || payload["user"] != addrAlice {
		t.Errorf("payload %v", got.Payload)
	}
}
