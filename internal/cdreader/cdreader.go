// Package cdreader implements the random-access Central Directory reader
// (spec §4.3) operating on the complete spool file.
package cdreader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"

	"github.com/zipcas/zipcasd/internal/logging"
	"github.com/zipcas/zipcasd/internal/zipformat"
)

// maxEOCDSearch bounds the search window for the EOCD record: a 22-byte
// fixed record plus up to a 64 KiB comment.
const maxEOCDSearch = 65557

// Entry is a Central Directory entry (spec §3 "Central directory entry").
type Entry struct {
	LocalHeaderOffset uint64
	Filename          string
	Method            uint16
	Flags             uint16
	CompressedSize    uint64
	UncompressedSize  uint64
	CRC32             uint32
	IsDirectory       bool
}

// Result is the outcome of reading a Central Directory: the entries in
// on-disk order plus any non-fatal warnings (spec §4.3, §9).
type Result struct {
	Entries  []Entry
	Warnings []string
}

// Read parses the Central Directory of the ZIP file backing r, whose total
// size is size.
func Read(r io.ReaderAt, size int64, log *logging.Logger) (*Result, error) {
	eocdOffset, eocd, err := findEOCD(r, size)
	if err != nil {
		return nil, err
	}

	cdSize32 := binary.LittleEndian.Uint32(eocd[12:16])
	cdOffset32 := binary.LittleEndian.Uint32(eocd[16:20])
	totalEntries16 := binary.LittleEndian.Uint16(eocd[10:12])

	var warnings []string
	var cdSize, cdOffset int64
	needZip64 := cdSize32 == zipformat.Sentinel32 || cdOffset32 == zipformat.Sentinel32 || totalEntries16 == zipformat.Sentinel16

	if needZip64 {
		locatorOffset := eocdOffset - 20
		cdSize, cdOffset, err = readZip64EOCD(r, locatorOffset)
		if err != nil {
			if log != nil {
				log.Warn("zip64 locator not found; using 32-bit CD fields")
			}
			warnings = append(warnings, "Zip64 needed but Zip64 locator not found; using 32-bit CD fields")
			cdSize, cdOffset = int64(cdSize32), int64(cdOffset32)
		}
	} else {
		cdSize, cdOffset = int64(cdSize32), int64(cdOffset32)
	}

	cdBytes := make([]byte, cdSize)
	if _, err := r.ReadAt(cdBytes, cdOffset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("cdreader: reading central directory: %w", err)
	}

	entries, entryWarnings, err := parseEntries(cdBytes)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, entryWarnings...)

	return &Result{Entries: entries, Warnings: warnings}, nil
}

func findEOCD(r io.ReaderAt, size int64) (offset int64, record []byte, err error) {
	window := int64(maxEOCDSearch)
	if window > size {
		window = size
	}
	buf := make([]byte, window)
	start := size - window
	if _, err := r.ReadAt(buf, start); err != nil && err != io.EOF {
		return 0, nil, fmt.Errorf("cdreader: reading EOCD search window: %w", err)
	}

	sig := []byte{0x50, 0x4b, 0x05, 0x06}
	idx := bytes.LastIndex(buf, sig)
	if idx < 0 {
		return 0, nil, fmt.Errorf("cdreader: EOCD signature not found")
	}
	eocdOffset := start + int64(idx)

	// Fixed 22-byte record; comment may extend beyond it but we only need
	// the fixed fields.
	fixed := make([]byte, 22)
	if _, err := r.ReadAt(fixed, eocdOffset); err != nil && err != io.EOF {
		return 0, nil, fmt.Errorf("cdreader: reading EOCD record: %w", err)
	}
	return eocdOffset, fixed, nil
}

func readZip64EOCD(r io.ReaderAt, locatorOffset int64) (cdSize, cdOffset int64, err error) {
	if locatorOffset < 0 {
		return 0, 0, fmt.Errorf("cdreader: zip64 locator offset out of range")
	}
	locator := make([]byte, 20)
	if _, err := r.ReadAt(locator, locatorOffset); err != nil {
		return 0, 0, err
	}
	if binary.LittleEndian.Uint32(locator[0:4]) != zipformat.SigZip64Locator {
		return 0, 0, fmt.Errorf("cdreader: zip64 locator signature mismatch")
	}
	eocd64Offset := int64(binary.LittleEndian.Uint64(locator[8:16]))

	eocd64 := make([]byte, 56)
	if _, err := r.ReadAt(eocd64, eocd64Offset); err != nil {
		return 0, 0, err
	}
	if binary.LittleEndian.Uint32(eocd64[0:4]) != zipformat.SigZip64EOCD {
		return 0, 0, fmt.Errorf("cdreader: zip64 EOCD signature mismatch")
	}
	cdSize = int64(binary.LittleEndian.Uint64(eocd64[40:48]))
	cdOffset = int64(binary.LittleEndian.Uint64(eocd64[48:56]))
	return cdSize, cdOffset, nil
}

// cdFixedSize is the 46-byte fixed-width prefix of a Central Directory
// record, signature included.
const cdFixedSize = 46

func parseEntries(cd []byte) ([]Entry, []string, error) {
	var entries []Entry
	var warnings []string

	for len(cd) > 0 {
		if len(cd) < cdFixedSize {
			return nil, nil, fmt.Errorf("cdreader: truncated central directory record")
		}
		if binary.LittleEndian.Uint32(cd[0:4]) != zipformat.SigCentralDirectory {
			return nil, nil, fmt.Errorf("cdreader: central directory signature mismatch")
		}

		flags := binary.LittleEndian.Uint16(cd[8:10])
		method := binary.LittleEndian.Uint16(cd[10:12])
		crc32v := binary.LittleEndian.Uint32(cd[16:20])
		compSize := uint64(binary.LittleEndian.Uint32(cd[20:24]))
		uncompSize := uint64(binary.LittleEndian.Uint32(cd[24:28]))
		nameLen := int(binary.LittleEndian.Uint16(cd[28:30]))
		extraLen := int(binary.LittleEndian.Uint16(cd[30:32]))
		commentLen := int(binary.LittleEndian.Uint16(cd[32:34]))
		lhOffset := uint64(binary.LittleEndian.Uint32(cd[42:46]))

		pos := cdFixedSize
		if len(cd) < pos+nameLen+extraLen+commentLen {
			return nil, nil, fmt.Errorf("cdreader: truncated central directory record body")
		}
		nameBytes := cd[pos : pos+nameLen]
		pos += nameLen
		extra := cd[pos : pos+extraLen]
		pos += extraLen
		pos += commentLen

		needOffset := lhOffset == zipformat.Sentinel32
		needComp := compSize == zipformat.Sentinel32
		needUncomp := uncompSize == zipformat.Sentinel32
		if needOffset || needComp || needUncomp {
			z, ok, zerr := zipformat.ParseZip64Extra(extra, needUncomp, needComp, needOffset, false)
			if zerr != nil {
				return nil, nil, fmt.Errorf("cdreader: %w", zerr)
			}
			if !ok {
				return nil, nil, fmt.Errorf("cdreader: zip64 sentinel present without zip64 extra")
			}
			if needUncomp {
				uncompSize = z.UncompressedSize
			}
			if needComp {
				compSize = z.CompressedSize
			}
			if needOffset {
				lhOffset = z.LocalHeaderOffset
			}
		}

		name, err := decodeFilename(nameBytes, flags, extra)
		if err != nil {
			return nil, nil, err
		}

		entries = append(entries, Entry{
			LocalHeaderOffset: lhOffset,
			Filename:          name,
			Method:            method,
			Flags:             flags,
			CompressedSize:    compSize,
			UncompressedSize:  uncompSize,
			CRC32:             crc32v,
			IsDirectory:       strings.HasSuffix(name, "/"),
		})

		cd = cd[pos:]
	}

	return entries, warnings, nil
}

// decodeFilename applies spec §4.3's three-step filename decode order:
// UTF-8 flag, then Unicode Path Extra Field, then Shift-JIS with Latin-1
// fallback.
func decodeFilename(raw []byte, flags uint16, extra []byte) (string, error) {
	if flags&zipformat.UTF8FlagBit != 0 {
		return string(raw), nil
	}
	if override, ok := zipformat.FindUnicodePathExtra(extra); ok {
		return string(override), nil
	}
	if decoded, err := japanese.ShiftJIS.NewDecoder().String(string(raw)); err == nil && !strings.ContainsRune(decoded, utf8.RuneError) {
		return decoded, nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().String(string(raw))
	if err != nil {
		return "", fmt.Errorf("cdreader: decoding filename: %w", err)
	}
	return decoded, nil
}
