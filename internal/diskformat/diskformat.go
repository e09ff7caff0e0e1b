// Package diskformat implements the on-disk framed stream format for
// flushed TickRecords (spec.md §6). Records are fixed-shape POD; encoding
// is explicit byte-level marshaling, never reflection, matching the
// teacher's internal/uapi/marshal.go hand-written little-endian codec for
// kernel-ABI structs. This package is read-only from the core's
// perspective in the sense that the RT loop never calls it; only the
// supervisor's flush thread (producer) and offline tooling (consumer) do.
package diskformat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/behrlich/ffbcore/internal/coretypes"
)

// SegmentMagic identifies a valid segment file header.
const SegmentMagic uint32 = 0x46464243 // "FFBC"

// FormatVersion is bumped whenever the record layout changes incompatibly.
const FormatVersion uint16 = 1

// RecordSize is the fixed on-disk size of one encoded TickRecord: a
// 28-byte header (8-byte seq, 8-byte timestamp, 4-byte input index, 4-byte
// fault bitset, 4-byte device result code) followed by four little-endian
// f32 fields (tau_cmd, tau_safe, m_fault, and one spare used to carry the
// estop flag as 0.0/1.0 — the header has no dedicated estop bit), per
// spec.md §6.
const RecordSize = 28 + 4*4

// SegmentHeaderSize is the fixed size of the per-file header: magic,
// format version, and a monotonically increasing segment index used to
// detect truncation/gaps across rotated files.
const SegmentHeaderSize = 4 + 2 + 2 + 8 // magic, version, pad, segment index

var (
	ErrBadMagic         = errors.New("diskformat: bad segment magic")
	ErrUnsupportedVersion = errors.New("diskformat: unsupported format version")
	ErrShortRecord      = errors.New("diskformat: truncated record")
)

// WriteSegmentHeader writes the fixed-size segment header to w.
func WriteSegmentHeader(w io.Writer, segmentIndex uint64) error {
	var buf [SegmentHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], SegmentMagic)
	binary.LittleEndian.PutUint16(buf[4:6], FormatVersion)
	// buf[6:8] reserved/pad, left zero
	binary.LittleEndian.PutUint64(buf[8:16], segmentIndex)
	_, err := w.Write(buf[:])
	return err
}

// ReadSegmentHeader reads and validates the fixed-size segment header.
func ReadSegmentHeader(r io.Reader) (segmentIndex uint64, err error) {
	var buf [SegmentHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != SegmentMagic {
		return 0, ErrBadMagic
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != FormatVersion {
		return 0, fmt.Errorf("%w: got %d want %d", ErrUnsupportedVersion, version, FormatVersion)
	}
	segmentIndex = binary.LittleEndian.Uint64(buf[8:16])
	return segmentIndex, nil
}

// EncodeRecord marshals a TickRecord into its fixed RecordSize on-disk
// representation, little-endian.
func EncodeRecord(rec coretypes.TickRecord) [RecordSize]byte {
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], rec.Seq)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(rec.TimestampNs))
	binary.LittleEndian.PutUint32(buf[16:20], rec.InputIndex)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(rec.Faults))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(rec.DeviceResult))
	binary.LittleEndian.PutUint32(buf[28:32], math.Float32bits(rec.TauCmd))
	binary.LittleEndian.PutUint32(buf[32:36], math.Float32bits(rec.TauSafe))
	binary.LittleEndian.PutUint32(buf[36:40], math.Float32bits(rec.MFault))
	estopSpare := float32(0)
	if rec.Estop {
		estopSpare = 1
	}
	binary.LittleEndian.PutUint32(buf[40:44], math.Float32bits(estopSpare))
	return buf
}

// DecodeRecord unmarshals a RecordSize-byte buffer into a TickRecord.
func DecodeRecord(buf []byte) (coretypes.TickRecord, error) {
	if len(buf) < RecordSize {
		return coretypes.TickRecord{}, ErrShortRecord
	}
	rec := coretypes.TickRecord{
		Seq:          binary.LittleEndian.Uint64(buf[0:8]),
		TimestampNs:  int64(binary.LittleEndian.Uint64(buf[8:16])),
		InputIndex:   binary.LittleEndian.Uint32(buf[16:20]),
		Faults:       coretypes.FaultFlag(binary.LittleEndian.Uint32(buf[20:24])),
		DeviceResult: int32(binary.LittleEndian.Uint32(buf[24:28])),
		TauCmd:       math.Float32frombits(binary.LittleEndian.Uint32(buf[28:32])),
		TauSafe:      math.Float32frombits(binary.LittleEndian.Uint32(buf[32:36])),
		MFault:       math.Float32frombits(binary.LittleEndian.Uint32(buf[36:40])),
	}
	rec.Estop = math.Float32frombits(binary.LittleEndian.Uint32(buf[40:44])) != 0
	return rec, nil
}

// WriteRecord encodes and writes a single record to w.
func WriteRecord(w io.Writer, rec coretypes.TickRecord) error {
	buf := EncodeRecord(rec)
	_, err := w.Write(buf[:])
	return err
}

// ReadRecord reads and decodes a single record from r.
func ReadRecord(r io.Reader) (coretypes.TickRecord, error) {
	var buf [RecordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return coretypes.TickRecord{}, err
	}
	return DecodeRecord(buf[:])
}
