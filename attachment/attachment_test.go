package attachment

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/meshwire/core"
)

func testData() Data {
	d := Data{SequenceNumber: 42, SourceTimestamp: 1700000000000000000}
	for i := range d.SourceGID {
		d.SourceGID[i] = byte(i)
	}
	return d
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := testData()
	decoded, err := Decode(d.Encode())
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestEncodeWireLayout(t *testing.T) {
	raw := Data{SequenceNumber: 1}.Encode()

	// First field: uvarint tag length, tag bytes, 8-byte little-endian value.
	r := bytes.NewReader(raw)
	n, err := binary.ReadUvarint(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(len("sequence_number")), n)

	tag := make([]byte, n)
	_, err = r.Read(tag)
	require.NoError(t, err)
	assert.Equal(t, "sequence_number", string(tag))

	var val [8]byte
	_, err = r.Read(val[:])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(val[:]))
}

func TestDecodeRejectsTruncated(t *testing.T) {
	raw := testData().Encode()
	for cut := 0; cut < len(raw); cut++ {
		_, err := Decode(raw[:cut])
		assert.ErrorIs(t, err, core.ErrMalformedAttachment, "truncated at %d", cut)
	}
}

func TestDecodeRejectsWrongTag(t *testing.T) {
	raw := testData().Encode()
	// Corrupt the first tag byte after its length prefix.
	mutated := append([]byte(nil), raw...)
	mutated[1] ^= 0xff
	_, err := Decode(mutated)
	assert.ErrorIs(t, err, core.ErrMalformedAttachment)
}

func TestDecodeRejectsReorderedTags(t *testing.T) {
	var buf bytes.Buffer
	writeString(&buf, tagSourceTimestamp)
	writeInt64(&buf, 1)
	writeString(&buf, tagSequenceNumber)
	writeInt64(&buf, 2)
	writeString(&buf, tagSourceGID)
	writeBytes(&buf, make([]byte, GIDSize))

	_, err := Decode(buf.Bytes())
	assert.ErrorIs(t, err, core.ErrMalformedAttachment)
}

func TestDecodeRejectsBadGIDLength(t *testing.T) {
	for _, size := range []int{0, 8, 15, 17, 32} {
		var buf bytes.Buffer
		writeString(&buf, tagSequenceNumber)
		writeInt64(&buf, 1)
		writeString(&buf, tagSourceTimestamp)
		writeInt64(&buf, 2)
		writeString(&buf, tagSourceGID)
		writeBytes(&buf, make([]byte, size))

		_, err := Decode(buf.Bytes())
		assert.ErrorIs(t, err, core.ErrMalformedAttachment, "gid size %d", size)
	}
}

func TestDecodeRejectsOverlongLength(t *testing.T) {
	// A length prefix larger than the remaining bytes must not allocate or
	// return a partial record.
	var buf bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], 1<<40)
	buf.Write(lenBuf[:n])
	buf.WriteString("x")

	_, err := Decode(buf.Bytes())
	assert.ErrorIs(t, err, core.ErrMalformedAttachment)
}

func TestDecodeEmpty(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, core.ErrMalformedAttachment)
}
