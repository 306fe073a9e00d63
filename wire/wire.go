// Package wire defines the consensus transaction wire format: a tagged
// union over {CheckpointSignature, DWalletMPCMessage, DWalletMPCOutput,
// CapabilityNotificationV1, DWalletMPCSessionFailedWithMalicious},
// decoded with a switch at the intake boundary in place of a generic
// instantiation per payload kind.
package wire

import (
	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"

	"github.com/dwallet-labs/ika/accessstructure"
	"github.com/dwallet-labs/ika/codec"
	"github.com/dwallet-labs/ika/errs"
	"github.com/dwallet-labs/ika/protocolversion"
)

// Kind tags the payload carried by a Transaction.
type Kind uint8

const (
	KindCheckpointSignature Kind = iota
	KindDWalletMPCMessage
	KindDWalletMPCOutput
	KindCapabilityNotificationV1
	KindDWalletMPCSessionFailedWithMalicious
)

// Transaction is the wire envelope every consensus transaction kind
// shares: the sender authority, a tracking id for idempotency/dedup, and
// a tagged payload.
type Transaction struct {
	Kind      Kind            `cbor:"1,keyasint"`
	Sender    accessstructure.PID `cbor:"2,keyasint"`
	TrackingID [32]byte       `cbor:"3,keyasint"`
	Payload   cbor.RawMessage `cbor:"4,keyasint"`
}

// CheckpointSignaturePayload carries one authority's partial signature
// over a certified checkpoint.
type CheckpointSignaturePayload struct {
	CheckpointSeq uint64 `cbor:"1,keyasint"`
	Signature     []byte `cbor:"2,keyasint"`
}

// DWalletMPCMessagePayload carries one party's outbound message for one
// MPC round of one session.
type DWalletMPCMessagePayload struct {
	SID      accessstructure.SID `cbor:"1,keyasint"`
	MPCRound uint64              `cbor:"2,keyasint"`
	Message  []byte              `cbor:"3,keyasint"`
}

// DWalletMPCOutputPayload carries one party's claimed final output for a
// session, to be tallied by the output verifier.
type DWalletMPCOutputPayload struct {
	SID            accessstructure.SID `cbor:"1,keyasint"`
	SessionRequest []byte              `cbor:"2,keyasint"`
	Output         []byte              `cbor:"3,keyasint"`
}

// CapabilityNotificationV1Payload announces the protocol version an
// authority supports.
type CapabilityNotificationV1Payload struct {
	Version protocolversion.Version `cbor:"1,keyasint"`
}

// DWalletMPCSessionFailedWithMaliciousPayload announces that the sending
// authority locally observed a session fail due to named malicious
// parties.
type DWalletMPCSessionFailedWithMaliciousPayload struct {
	SID              accessstructure.SID    `cbor:"1,keyasint"`
	MaliciousParties []accessstructure.PID `cbor:"2,keyasint"`
}

// Decode unmarshals t.Payload into the concrete type for t.Kind.
// Unknown tags are a protocol violation.
func Decode(t Transaction) (any, error) {
	switch t.Kind {
	case KindCheckpointSignature:
		var p CheckpointSignaturePayload
		return p, decodeInto(t.Payload, &p)
	case KindDWalletMPCMessage:
		var p DWalletMPCMessagePayload
		return p, decodeInto(t.Payload, &p)
	case KindDWalletMPCOutput:
		var p DWalletMPCOutputPayload
		return p, decodeInto(t.Payload, &p)
	case KindCapabilityNotificationV1:
		var p CapabilityNotificationV1Payload
		return p, decodeInto(t.Payload, &p)
	case KindDWalletMPCSessionFailedWithMalicious:
		var p DWalletMPCSessionFailedWithMaliciousPayload
		return p, decodeInto(t.Payload, &p)
	default:
		return nil, errs.MarkByzantine(errors.Newf("wire: unknown transaction kind %d", t.Kind))
	}
}

// Decoded is one fully-decoded transaction: its envelope fields plus the
// concrete payload value produced by Decode.
type Decoded struct {
	Kind       Kind
	Sender     accessstructure.PID
	TrackingID [32]byte
	Payload    any
}

// DecodeBytes unmarshals raw as a Transaction envelope and decodes its
// payload in one step, for callers (the intake boundary) that only have
// the wire bytes.
func DecodeBytes(raw []byte) (Decoded, error) {
	var t Transaction
	if err := codec.Unmarshal(raw, &t); err != nil {
		return Decoded{}, errs.MarkByzantine(err)
	}
	payload, err := Decode(t)
	if err != nil {
		return Decoded{}, err
	}
	return Decoded{Kind: t.Kind, Sender: t.Sender, TrackingID: t.TrackingID, Payload: payload}, nil
}

func decodeInto(raw cbor.RawMessage, v any) error {
	if err := codec.Unmarshal(raw, v); err != nil {
		return errs.MarkByzantine(err)
	}
	return nil
}

// Encode builds a Transaction envelope carrying payload, tagged kind.
func Encode(kind Kind, sender accessstructure.PID, trackingID [32]byte, payload any) (Transaction, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{Kind: kind, Sender: sender, TrackingID: trackingID, Payload: raw}, nil
}
