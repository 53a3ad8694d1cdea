package ingestion

import (
	"context"
	"fmt"
	"time"

	"DualLedger/internal/event"
)

// TimedCommand pairs a parsed command with its ingestion receive time
// so the apply loop can observe receive-to-apply latency.
type TimedCommand struct {
	Command    event.Command
	ReceivedAt time.Time
}

// CommandGateway accepts commands submitted outside the NATS pipeline,
// usually through the HTTP API, and feeds them into the same typed
// command channel the NATS parse loop fills. It is meant for operator
// tooling and low-volume integrations, not bulk ingestion (use NATS
// for that).
type CommandGateway struct {
	commandChan chan<- TimedCommand
	verifier    *Verifier
}

func NewCommandGateway(commandChan chan<- TimedCommand, verifier *Verifier) *CommandGateway {
	return &CommandGateway{commandChan: commandChan, verifier: verifier}
}

// DecodeCommand unwraps an optionally signed envelope, parses the
// payload into a typed command, and checks any recovered signer
// against the command's declared caller.
func DecodeCommand(v *Verifier, data []byte, commandType string, receivedAt time.Time) (event.Command, error) {
	payload, signer, err := v.Unwrap(data)
	if err != nil {
		return nil, err
	}

	cmd, err := ParseRawCommand(RawCommand{Data: payload, Timestamp: receivedAt}, commandType)
	if err != nil {
		return nil, err
	}

	if signer != nil && *signer != cmd.Caller() {
		return nil, fmt.Errorf("signer %s does not match declared caller %s", signer.Hex(), cmd.Caller().Hex())
	}
	return cmd, nil
}

// Submit decodes a command envelope and hands it to the core pipeline.
// It blocks until the command channel accepts the command or the
// context is cancelled, so HTTP callers see backpressure instead of
// silent drops.
func (g *CommandGateway) Submit(ctx context.Context, commandType string, body []byte) (event.Command, error) {
	receivedAt := time.Now()

	cmd, err := DecodeCommand(g.verifier, body, commandType, receivedAt)
	if err != nil {
		return nil, err
	}

	select {
	case g.commandChan <- TimedCommand{Command: cmd, ReceivedAt: receivedAt}:
		return cmd, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
