package ingestion

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// signaturePrefix domain-separates command digests from other signed
// material, in the style of EIP-191 personal messages.
const signaturePrefix = "\x19DualLedger Signed Command:\n"

// signedCommandJSON is the optional outer wrapper around a command
// payload. Clients that sign put the raw command JSON in payload and a
// 65-byte hex signature over its digest in signature.
type signedCommandJSON struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// CommandDigest computes the digest clients sign: the keccak of the
// prefixed keccak of the payload bytes.
func CommandDigest(payload []byte) []byte {
	inner := ethcrypto.Keccak256(payload)
	return ethcrypto.Keccak256([]byte(signaturePrefix), inner)
}

// Verifier unwraps signed command envelopes and recovers the signer.
// When require is set, bare unsigned payloads are rejected; otherwise
// they pass through with no recovered signer, which keeps local dev
// and test setups free of key management.
type Verifier struct {
	require bool
}

func NewVerifier(require bool) *Verifier {
	return &Verifier{require: require}
}

// Unwrap splits a raw message into its command payload and, when a
// signature is present, the recovered signer address. A present
// signature is always verified regardless of the require flag.
func (v *Verifier) Unwrap(data []byte) ([]byte, *common.Address, error) {
	var wrapper signedCommandJSON
	if err := json.Unmarshal(data, &wrapper); err != nil || len(wrapper.Payload) == 0 {
		// Not a signed envelope. Treat the whole message as the payload.
		if v.require {
			return nil, nil, fmt.Errorf("unsigned command rejected: signature required")
		}
		return data, nil, nil
	}
	if wrapper.Signature == "" {
		if v.require {
			return nil, nil, fmt.Errorf("unsigned command rejected: signature required")
		}
		return wrapper.Payload, nil, nil
	}

	signer, err := RecoverSigner(wrapper.Payload, wrapper.Signature)
	if err != nil {
		return nil, nil, err
	}
	return wrapper.Payload, &signer, nil
}

// RecoverSigner returns the address that produced sig over payload's
// command digest. sig is a 0x-prefixed hex string of r||s||v.
func RecoverSigner(payload []byte, sig string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != 65 {
		return common.Address{}, fmt.Errorf("decode signature: want 65 bytes, got %d", len(raw))
	}

	// Normalize v from the Ethereum convention (27/28) back to 0/1
	// for recovery.
	if raw[64] >= 27 {
		raw[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(CommandDigest(payload), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// SignCommand signs payload's command digest with key and returns the
// 0x-prefixed hex signature with v in the 27/28 convention.
func SignCommand(payload []byte, key *ecdsa.PrivateKey) (string, error) {
	sig, err := ethcrypto.Sign(CommandDigest(payload), key)
	if err != nil {
		return "", fmt.Errorf("sign command: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// WrapSigned builds a signed envelope around payload.
func WrapSigned(payload []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := SignCommand(payload, key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(signedCommandJSON{
		Payload:   payload,
		Signature: sig,
	})
}
