package crdt

import (
	"encoding/binary"
	"errors"
	"sort"
)

// The wire encoding is the lib0-style varint framing used by the sync
// sub-protocol: unsigned base-128 varints and length-prefixed byte strings.

var (
	// ErrMalformed indicates an update or state vector that cannot be decoded.
	ErrMalformed = errors.New("crdt: malformed encoding")
)

// Encoder builds a varint-framed byte string.
type Encoder struct {
	buf []byte
}

func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) WriteVarBytes(p []byte) {
	e.WriteVarUint(uint64(len(p)))
	e.buf = append(e.buf, p...)
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder consumes a varint-framed byte string.
type Decoder struct {
	buf []byte
}

func NewDecoder(p []byte) *Decoder {
	return &Decoder{buf: p}
}

func (d *Decoder) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		return 0, ErrMalformed
	}
	d.buf = d.buf[n:]
	return v, nil
}

func (d *Decoder) ReadVarBytes() ([]byte, error) {
	length, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.buf)) < length {
		return nil, ErrMalformed
	}
	p := d.buf[:length]
	d.buf = d.buf[length:]
	return p, nil
}

// Remaining reports how many undecoded bytes are left.
func (d *Decoder) Remaining() int {
	return len(d.buf)
}

// Rest returns the undecoded remainder of the buffer.
func (d *Decoder) Rest() []byte {
	return d.buf
}

// EncodeStateVector encodes a state vector as a count followed by
// (client, clock) pairs in ascending client order.
func EncodeStateVector(sv StateVector) []byte {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var enc Encoder
	enc.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		enc.WriteVarUint(client)
		enc.WriteVarUint(sv[client])
	}
	return enc.Bytes()
}

func DecodeStateVector(p []byte) (StateVector, error) {
	dec := NewDecoder(p)
	count, err := dec.ReadVarUint()
	if err != nil {
		return nil, err
	}
	sv := make(StateVector, count)
	for i := uint64(0); i < count; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	return sv, nil
}

// EncodeUpdate encodes a batch of entries as a count followed by
// (client, clock, data) triples. Entries are sorted by (client, clock) so
// equal entry sets always encode identically.
func EncodeUpdate(entries []Entry) []byte {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Client != sorted[j].Client {
			return sorted[i].Client < sorted[j].Client
		}
		return sorted[i].Clock < sorted[j].Clock
	})

	var enc Encoder
	enc.WriteVarUint(uint64(len(sorted)))
	for _, entry := range sorted {
		enc.WriteVarUint(entry.Client)
		enc.WriteVarUint(entry.Clock)
		enc.WriteVarBytes(entry.Data)
	}
	return enc.Bytes()
}

func DecodeUpdate(p []byte) ([]Entry, error) {
	dec := NewDecoder(p)
	count, err := dec.ReadVarUint()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var entry Entry
		if entry.Client, err = dec.ReadVarUint(); err != nil {
			return nil, err
		}
		if entry.Clock, err = dec.ReadVarUint(); err != nil {
			return nil, err
		}
		data, err := dec.ReadVarBytes()
		if err != nil {
			return nil, err
		}
		entry.Data = append([]byte(nil), data...)
		entries = append(entries, entry)
	}
	if dec.Remaining() != 0 {
		return nil, ErrMalformed
	}
	return entries, nil
}
