// Command ffbcore-record-dump reads a flushed segment file written by the
// supervisor's flush loop and prints its records as text: the offline
// reader side of the on-disk format whose writer lives in
// internal/diskformat and supervisor.flushOnce.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/behrlich/ffbcore/internal/diskformat"
)

// segmentTrailer mirrors supervisor.SegmentTrailer's on-disk shape without
// importing the supervisor package, keeping this tool a pure consumer of
// the file format rather than a dependent of the writer's internals.
type segmentTrailer struct {
	SegmentIndex uint64 `cbor:"segment_index"`
	RecordCount  int    `cbor:"record_count"`
	LostCount    int    `cbor:"lost_count"`
	FirstSeq     uint64 `cbor:"first_seq"`
	LastSeq      uint64 `cbor:"last_seq"`
	ClosedAtNs   int64  `cbor:"closed_at_ns"`
}

func main() {
	raw := flag.Bool("raw", false, "also print every record's fields before the summary lines")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: ffbcore-record-dump [-raw] <segment-file>...")
		os.Exit(2)
	}

	for _, path := range flag.Args() {
		if err := dumpFile(path, *raw); err != nil {
			log.Printf("%s: %v", path, err)
		}
	}
}

func dumpFile(path string, raw bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	segIdx, err := diskformat.ReadSegmentHeader(f)
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	fmt.Printf("segment %d (%s)\n", segIdx, path)

	trailer, trailerSize, err := readTrailer(f, info.Size())
	if err != nil {
		return fmt.Errorf("read trailer: %w", err)
	}

	recordBytes := info.Size() - diskformat.SegmentHeaderSize - trailerSize
	if recordBytes < 0 || recordBytes%diskformat.RecordSize != 0 {
		return fmt.Errorf("record region size %d is not a multiple of %d", recordBytes, diskformat.RecordSize)
	}
	count := int(recordBytes / diskformat.RecordSize)

	if _, err := f.Seek(diskformat.SegmentHeaderSize, 0); err != nil {
		return fmt.Errorf("seek to records: %w", err)
	}
	for i := 0; i < count; i++ {
		rec, err := diskformat.ReadRecord(f)
		if err != nil {
			return fmt.Errorf("read record %d: %w", i, err)
		}
		if raw {
			fmt.Printf("  seq=%d t=%dns faults=%s device=%d tau_cmd=%.3f tau_safe=%.3f m_fault=%.3f estop=%v\n",
				rec.Seq, rec.TimestampNs, rec.Faults, rec.DeviceResult, rec.TauCmd, rec.TauSafe, rec.MFault, rec.Estop)
		}
	}
	fmt.Printf("  %d records\n", count)
	fmt.Printf("  trailer: count=%d lost=%d first_seq=%d last_seq=%d closed_at=%d\n",
		trailer.RecordCount, trailer.LostCount, trailer.FirstSeq, trailer.LastSeq, trailer.ClosedAtNs)
	return nil
}

// readTrailer reads the 4-byte length-prefixed CBOR trailer from the tail
// of the segment file, returning the decoded trailer and the total number
// of bytes it occupies at the end of the file, including the length field.
func readTrailer(f *os.File, fileSize int64) (segmentTrailer, int64, error) {
	const lenFieldSize = 4
	if fileSize < lenFieldSize {
		return segmentTrailer{}, 0, fmt.Errorf("file too short for trailer length")
	}

	var lenBuf [lenFieldSize]byte
	if _, err := f.ReadAt(lenBuf[:], fileSize-lenFieldSize); err != nil {
		return segmentTrailer{}, 0, err
	}
	trailerSize := int64(binary.LittleEndian.Uint32(lenBuf[:]))

	if fileSize < lenFieldSize+trailerSize {
		return segmentTrailer{}, 0, fmt.Errorf("file too short for declared trailer size %d", trailerSize)
	}
	trailerBytes := make([]byte, trailerSize)
	if _, err := f.ReadAt(trailerBytes, fileSize-lenFieldSize-trailerSize); err != nil {
		return segmentTrailer{}, 0, err
	}

	var trailer segmentTrailer
	if err := cbor.Unmarshal(trailerBytes, &trailer); err != nil {
		return segmentTrailer{}, 0, fmt.Errorf("decode: %w", err)
	}
	return trailer, trailerSize + lenFieldSize, nil
}
