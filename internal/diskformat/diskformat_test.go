package diskformat

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/ffbcore/internal/coretypes"
)

func sampleRecord() coretypes.TickRecord {
	return coretypes.TickRecord{
		Seq:          42,
		TimestampNs:  1234567890,
		InputIndex:   7,
		Faults:       coretypes.FaultDeviceIO | coretypes.FaultThermalPower,
		DeviceResult: int32(coretypes.WriteStall),
		TauCmd:       1.5,
		TauSafe:      0.75,
		MFault:       0.5,
		Estop:        false,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := sampleRecord()
	buf := EncodeRecord(rec)
	assert.Len(t, buf, RecordSize)

	got, err := DecodeRecord(buf[:])
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestEncodeDecodeRoundTripEstop(t *testing.T) {
	rec := sampleRecord()
	rec.Estop = true
	buf := EncodeRecord(rec)

	got, err := DecodeRecord(buf[:])
	require.NoError(t, err)
	assert.True(t, got.Estop)
}

func TestWriteReadRecord(t *testing.T) {
	var b bytes.Buffer
	rec := sampleRecord()
	require.NoError(t, WriteRecord(&b, rec))

	got, err := ReadRecord(&b)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestDecodeRecordShortBuffer(t *testing.T) {
	_, err := DecodeRecord(make([]byte, RecordSize-1))
	assert.ErrorIs(t, err, ErrShortRecord)
}

func TestReadRecordTruncated(t *testing.T) {
	var b bytes.Buffer
	rec := sampleRecord()
	require.NoError(t, WriteRecord(&b, rec))

	truncated := b.Bytes()[:RecordSize-5]
	_, err := ReadRecord(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestSegmentHeaderRoundTrip(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteSegmentHeader(&b, 9))

	idx, err := ReadSegmentHeader(&b)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), idx)
}

func TestSegmentHeaderBadMagic(t *testing.T) {
	buf := make([]byte, SegmentHeaderSize)
	_, err := ReadSegmentHeader(bytes.NewReader(buf))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestSegmentHeaderUnsupportedVersion(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteSegmentHeader(&b, 1))
	buf := b.Bytes()
	buf[4] = 0xFF
	buf[5] = 0xFF

	_, err := ReadSegmentHeader(bytes.NewReader(buf))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestSegmentHeaderTruncated(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteSegmentHeader(&b, 1))
	truncated := b.Bytes()[:SegmentHeaderSize-1]

	_, err := ReadSegmentHeader(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestMultipleRecordsAppendAndRead(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, WriteSegmentHeader(&b, 0))
	recs := []coretypes.TickRecord{sampleRecord(), sampleRecord(), sampleRecord()}
	recs[1].Seq = 43
	recs[2].Seq = 44
	for _, r := range recs {
		require.NoError(t, WriteRecord(&b, r))
	}

	idx, err := ReadSegmentHeader(&b)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), idx)

	for _, want := range recs {
		got, err := ReadRecord(&b)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
