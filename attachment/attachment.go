// Package attachment implements the correlation side-channel record carried
// alongside request and reply payloads. The record is three tagged fields in
// a fixed order; decoding rejects any deviation in tag names, tag order, or
// field lengths.
package attachment

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/meshwire/meshwire/core"
)

// GIDSize is the fixed length of an endpoint identifier.
const GIDSize = 16

// Field tags, in wire order. Tag names are part of the wire format.
const (
	tagSequenceNumber  = "sequence_number"
	tagSourceTimestamp = "source_timestamp"
	tagSourceGID       = "source_gid"
)

// Data is one decoded attachment record.
type Data struct {
	SequenceNumber  int64
	SourceTimestamp int64
	SourceGID       [GIDSize]byte
}

// Encode serializes the record. Each tag is written as a uvarint length
// followed by the tag bytes; int64 values are 8-byte little-endian; the gid
// is a uvarint length followed by exactly 16 raw bytes.
func (d Data) Encode() []byte {
	var buf bytes.Buffer
	writeString(&buf, tagSequenceNumber)
	writeInt64(&buf, d.SequenceNumber)
	writeString(&buf, tagSourceTimestamp)
	writeInt64(&buf, d.SourceTimestamp)
	writeString(&buf, tagSourceGID)
	writeBytes(&buf, d.SourceGID[:])
	return buf.Bytes()
}

// Decode parses an attachment record, validating tag names, tag order, and
// the gid length. Every failure mode returns a distinct error wrapping
// core.ErrMalformedAttachment and never a partial record.
func Decode(raw []byte) (Data, error) {
	var d Data
	r := bytes.NewReader(raw)

	if err := expectTag(r, tagSequenceNumber); err != nil {
		return Data{}, err
	}
	seq, err := readInt64(r, tagSequenceNumber)
	if err != nil {
		return Data{}, err
	}

	if err := expectTag(r, tagSourceTimestamp); err != nil {
		return Data{}, err
	}
	ts, err := readInt64(r, tagSourceTimestamp)
	if err != nil {
		return Data{}, err
	}

	if err := expectTag(r, tagSourceGID); err != nil {
		return Data{}, err
	}
	gid, err := readBytes(r, tagSourceGID)
	if err != nil {
		return Data{}, err
	}
	if len(gid) != GIDSize {
		return Data{}, fmt.Errorf("source_gid length is %d, want %d: %w", len(gid), GIDSize, core.ErrMalformedAttachment)
	}

	d.SequenceNumber = seq
	d.SourceTimestamp = ts
	copy(d.SourceGID[:], gid)
	return d, nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf.Write(lenBuf[:n])
	buf.Write(b)
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func expectTag(r *bytes.Reader, want string) error {
	got, err := readBytes(r, want)
	if err != nil {
		return err
	}
	if string(got) != want {
		return fmt.Errorf("attachment tag is %q, want %q: %w", got, want, core.ErrMalformedAttachment)
	}
	return nil
}

func readBytes(r *bytes.Reader, field string) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s length: %w", field, core.ErrMalformedAttachment)
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%s length %d exceeds remaining %d bytes: %w", field, n, r.Len(), core.ErrMalformedAttachment)
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("reading %s: %w", field, core.ErrMalformedAttachment)
	}
	return b, nil
}

func readInt64(r *bytes.Reader, field string) (int64, error) {
	var b [8]byte
	if n, err := r.Read(b[:]); err != nil || n != 8 {
		return 0, fmt.Errorf("reading %s value: %w", field, core.ErrMalformedAttachment)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}
