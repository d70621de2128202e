package socket

import (
	"errors"

	"livemd/crdt"
)

// The sync sub-protocol spoken over the document WebSocket. Every frame is
// binary and varint-framed: a top-level message type, then for sync frames a
// sub-type, then a length-prefixed payload.
//
//	sync step1  carries a state vector ("here is what I have")
//	sync step2  carries the update diff answering a step1
//	sync update carries an incremental update to relay
//	awareness   carries ephemeral presence state, never persisted
const (
	messageSync      = 0
	messageAwareness = 1
)

const (
	syncStep1  = 0
	syncStep2  = 1
	syncUpdate = 2
)

// ErrProtocol indicates a malformed frame; the connection is dropped.
var ErrProtocol = errors.New("socket: protocol violation")

// Frame is a decoded wire message.
type Frame struct {
	Type    uint64
	SubType uint64 // sync frames only
	Payload []byte
}

func encodeSync(subType uint64, payload []byte) []byte {
	var enc crdt.Encoder
	enc.WriteVarUint(messageSync)
	enc.WriteVarUint(subType)
	enc.WriteVarBytes(payload)
	return enc.Bytes()
}

// EncodeSyncStep1 frames a state vector for the handshake.
func EncodeSyncStep1(sv crdt.StateVector) []byte {
	return encodeSync(syncStep1, crdt.EncodeStateVector(sv))
}

// EncodeSyncStep2 frames the diff answering a peer's step1.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(syncStep2, update)
}

// EncodeSyncUpdate frames an incremental update for relay.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(syncUpdate, update)
}

// Awareness is one client's presence state. An empty State means the client
// is gone and its presence should be discarded.
type Awareness struct {
	ClientID uint64
	Clock    uint64
	State    []byte
}

// Removed reports whether this is an awareness-removal announcement.
func (a Awareness) Removed() bool {
	return len(a.State) == 0
}

// EncodeAwareness frames a presence state.
func EncodeAwareness(a Awareness) []byte {
	var enc crdt.Encoder
	enc.WriteVarUint(messageAwareness)
	enc.WriteVarUint(a.ClientID)
	enc.WriteVarUint(a.Clock)
	enc.WriteVarBytes(a.State)
	return enc.Bytes()
}

// DecodeFrame parses a raw binary frame. Sync payloads stay opaque here; the
// room interprets them. Awareness payloads are parsed by decodeAwareness.
func DecodeFrame(raw []byte) (Frame, error) {
	dec := crdt.NewDecoder(raw)
	msgType, err := dec.ReadVarUint()
	if err != nil {
		return Frame{}, ErrProtocol
	}

	switch msgType {
	case messageSync:
		subType, err := dec.ReadVarUint()
		if err != nil || subType > syncUpdate {
			return Frame{}, ErrProtocol
		}
		payload, err := dec.ReadVarBytes()
		if err != nil || dec.Remaining() != 0 {
			return Frame{}, ErrProtocol
		}
		return Frame{Type: messageSync, SubType: subType, Payload: payload}, nil

	case messageAwareness:
		// The remainder is the awareness payload; decodeAwareness parses it.
		return Frame{Type: messageAwareness, Payload: dec.Rest()}, nil

	default:
		return Frame{}, ErrProtocol
	}
}

func decodeAwareness(payload []byte) (Awareness, error) {
	dec := crdt.NewDecoder(payload)
	var a Awareness
	var err error
	if a.ClientID, err = dec.ReadVarUint(); err != nil {
		return Awareness{}, ErrProtocol
	}
	if a.Clock, err = dec.ReadVarUint(); err != nil {
		return Awareness{}, ErrProtocol
	}
	state, err := dec.ReadVarBytes()
	if err != nil || dec.Remaining() != 0 {
		return Awareness{}, ErrProtocol
	}
	a.State = append([]byte(nil), state...)
	return a, nil
}
