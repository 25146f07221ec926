// Package zipstream implements the forward, single-pass ZIP reader (spec
// §4.2): local file headers, ZIP64 extras, and per-entry body framing driven
// by a bytequeue.Queue.
package zipstream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zipcas/zipcasd/internal/bytequeue"
	"github.com/zipcas/zipcasd/internal/zipcaserr"
	"github.com/zipcas/zipcasd/internal/zipformat"
)

// Header is the set of fields extracted from a Local File Header plus its
// ZIP64 extras (spec §3 "ZIP entry header (streaming)").
type Header struct {
	LocalHeaderOffset uint64
	Filename          []byte
	Extra             []byte
	Method            uint16
	Flags             uint16
	CompressedSize    uint64
	UncompressedSize   uint64
	CRC32             uint32

	// HeaderZip64 records whether the LFH's 32-bit size fields were the
	// ZIP64 sentinel, which in turn determines the width of a following
	// data descriptor's size fields.
	HeaderZip64 bool
}

// HasDataDescriptor reports whether flags bit 3 is set.
func (h Header) HasDataDescriptor() bool {
	return h.Flags&zipformat.DataDescriptorFlagBit != 0
}

// DataDescriptor is the trailer read after a data-descriptor-flagged entry's
// body (spec §3 "Data descriptor").
type DataDescriptor struct {
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
}

// Reader drives one forward pass over a bytequeue.Queue.
type Reader struct {
	q *bytequeue.Queue
}

// New wraps q in a forward ZIP reader.
func New(q *bytequeue.Queue) *Reader {
	return &Reader{q: q}
}

// Done is returned by Next when the streaming phase is complete: either the
// Central Directory/EOCD signature was seen, or any other unrecognized
// signature terminated the forward pass (spec §4.2).
var Done = fmt.Errorf("zipstream: streaming phase complete")

// Next inspects the next 4-byte signature and either returns the next
// Header, or returns Done once the stream reader should stop (having called
// DiscardFuture on the queue).
func (r *Reader) Next() (*Header, error) {
	sig, err := r.q.PeekUint32LE()
	if err != nil {
		return nil, err
	}
	switch sig {
	case zipformat.SigLocalFileHeader:
		return r.nextHeader()
	case zipformat.SigCentralDirectory, zipformat.SigEOCD:
		r.q.DiscardFuture()
		return nil, Done
	default:
		r.q.DiscardFuture()
		return nil, Done
	}
}

// lfhFixedSize is the 30-byte fixed-width prefix of a Local File Header,
// signature included.
const lfhFixedSize = 30

func (r *Reader) nextHeader() (*Header, error) {
	offset := r.q.ConsumedTotal()

	raw, err := r.q.Read(lfhFixedSize)
	if err != nil {
		return nil, err
	}
	// raw[0:4] is the signature, already verified by Next via peek.
	flags := binary.LittleEndian.Uint16(raw[6:8])
	method := binary.LittleEndian.Uint16(raw[8:10])
	crc32v := binary.LittleEndian.Uint32(raw[14:18])
	compSize := uint64(binary.LittleEndian.Uint32(raw[18:22]))
	uncompSize := uint64(binary.LittleEndian.Uint32(raw[22:26]))
	nameLen := binary.LittleEndian.Uint16(raw[26:28])
	extraLen := binary.LittleEndian.Uint16(raw[28:30])

	if !zipformat.SupportedMethod(method) {
		return nil, zipcaserr.New(zipcaserr.KindUnsupportedMethod, "zipstream.nextHeader",
			fmt.Errorf("method %d not in {0,8}", method))
	}

	name, err := r.q.Read(int(nameLen))
	if err != nil {
		return nil, err
	}
	extra, err := r.q.Read(int(extraLen))
	if err != nil {
		return nil, err
	}

	headerZip64 := compSize == zipformat.Sentinel32 || uncompSize == zipformat.Sentinel32
	if headerZip64 {
		z, ok, zerr := zipformat.ParseZip64Extra(extra,
			uncompSize == zipformat.Sentinel32,
			compSize == zipformat.Sentinel32,
			false, false)
		if zerr != nil {
			return nil, zipcaserr.New(zipcaserr.KindZip64FieldMissing, "zipstream.nextHeader", zerr)
		}
		if !ok {
			return nil, zipcaserr.New(zipcaserr.KindZip64FieldMissing, "zipstream.nextHeader",
				fmt.Errorf("zip64 sentinel present without zip64 extra"))
		}
		if uncompSize == zipformat.Sentinel32 {
			uncompSize = z.UncompressedSize
		}
		if compSize == zipformat.Sentinel32 {
			compSize = z.CompressedSize
		}
	}

	return &Header{
		LocalHeaderOffset: offset,
		Filename:          name,
		Extra:             extra,
		Method:            method,
		Flags:             flags,
		CompressedSize:    compSize,
		UncompressedSize:  uncompSize,
		CRC32:             crc32v,
		HeaderZip64:       headerZip64,
	}, nil
}

// Body returns the reader for an entry's compressed payload, following spec
// §4.2's rule for data-descriptor vs known-length framing. ok is false when
// the entry must be deferred to CD fallback (STORE with a data descriptor,
// per spec: the end of such a stream cannot be safely located by scanning).
func (r *Reader) Body(h *Header) (body io.Reader, ok bool) {
	if !h.HasDataDescriptor() {
		return r.q.StreamExact(int64(h.CompressedSize)), true
	}
	if h.Method == 0 {
		return nil, false
	}
	return r.q.StreamUnknown(), true
}

// ReadDataDescriptor reads the trailer following a data-descriptor entry's
// body: an optional 4-byte signature, then crc32, compressed size and
// uncompressed size (4 bytes each, or 8 if h.HeaderZip64).
func (r *Reader) ReadDataDescriptor(h *Header) (DataDescriptor, error) {
	var dd DataDescriptor

	sig, err := r.q.PeekUint32LE()
	if err != nil {
		return dd, err
	}
	if sig == zipformat.SigDataDescriptor {
		if _, err := r.q.Read(4); err != nil {
			return dd, err
		}
	}

	crcBytes, err := r.q.Read(4)
	if err != nil {
		return dd, err
	}
	dd.CRC32 = binary.LittleEndian.Uint32(crcBytes)

	width := 4
	if h.HeaderZip64 {
		width = 8
	}

	compBytes, err := r.q.Read(width)
	if err != nil {
		return dd, err
	}
	uncompBytes, err := r.q.Read(width)
	if err != nil {
		return dd, err
	}
	if width == 8 {
		dd.CompressedSize = binary.LittleEndian.Uint64(compBytes)
		dd.UncompressedSize = binary.LittleEndian.Uint64(uncompBytes)
	} else {
		dd.CompressedSize = uint64(binary.LittleEndian.Uint32(compBytes))
		dd.UncompressedSize = uint64(binary.LittleEndian.Uint32(uncompBytes))
	}
	return dd, nil
}
