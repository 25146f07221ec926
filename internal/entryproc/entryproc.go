// Package entryproc implements the per-entry processing pipeline (spec
// §4.5): tee the raw entry bytes through CRC-32 and SHA-256, enforce
// max_file_bytes, Brotli-compress the result into the CAS, and report the
// digests needed for manifest assembly.
package entryproc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/andybalholm/brotli"

	"github.com/zipcas/zipcasd/internal/cas"
	"github.com/zipcas/zipcasd/internal/zipcaserr"
)

// brotliQuality is fixed at 5 (spec §4.5): favors throughput over ratio for
// ingest-time compression.
const brotliQuality = 5

// Result carries the digests and raw size computed while committing one
// entry's bytes into the CAS.
type Result struct {
	SHA256   string
	CRC32    uint32
	RawSize  int64
}

// Process reads body to completion, computing SHA-256 and CRC-32 over the
// raw (uncompressed) bytes while Brotli-compressing them into a CAS temp
// file, then atomically commits the object. maxFileBytes <= 0 means
// unlimited.
func Process(store *cas.Store, body io.Reader, maxFileBytes int64) (Result, error) {
	tmpPath := store.TmpPath()
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("entryproc: creating object temp file: %w", err)
	}
	defer os.Remove(tmpPath) // no-op once CommitObject has renamed it away

	bw := brotli.NewWriterLevel(f, brotliQuality)

	sha := sha256.New()
	crc := crc32.NewIEEE()

	var rawSize int64
	buf := make([]byte, 64*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			rawSize += int64(n)
			if maxFileBytes > 0 && rawSize > maxFileBytes {
				bw.Close()
				f.Close()
				return Result{}, zipcaserr.New(zipcaserr.KindFileTooLarge, "entryproc.Process",
					fmt.Errorf("entryproc: entry exceeds max_file_bytes (%d)", maxFileBytes))
			}
			chunk := buf[:n]
			sha.Write(chunk)
			crc.Write(chunk)
			if _, werr := bw.Write(chunk); werr != nil {
				bw.Close()
				f.Close()
				return Result{}, fmt.Errorf("entryproc: brotli write: %w", werr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			bw.Close()
			f.Close()
			return Result{}, fmt.Errorf("entryproc: reading entry body: %w", readErr)
		}
	}

	if err := bw.Close(); err != nil {
		f.Close()
		return Result{}, fmt.Errorf("entryproc: closing brotli writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("entryproc: closing object temp file: %w", err)
	}

	shaHex := hex.EncodeToString(sha.Sum(nil))
	if err := store.CommitObject(tmpPath, shaHex); err != nil {
		return Result{}, fmt.Errorf("entryproc: committing object: %w", err)
	}

	return Result{SHA256: shaHex, CRC32: crc.Sum32(), RawSize: rawSize}, nil
}

// VerifyAgainstDeclared cross-checks computed digests against the sizes and
// CRC a ZIP entry declared up front (local header or data descriptor),
// returning a *zipcaserr.Error with KindSizeCRCMismatch on any divergence
// (spec §4.7, §9 "Integrity mismatches").
func VerifyAgainstDeclared(r Result, declaredUncompressedSize uint64, declaredCRC32 uint32) error {
	if uint64(r.RawSize) != declaredUncompressedSize {
		return zipcaserr.New(zipcaserr.KindSizeCRCMismatch, "entryproc.VerifyAgainstDeclared",
			fmt.Errorf("entryproc: size mismatch: computed %d, declared %d", r.RawSize, declaredUncompressedSize))
	}
	if r.CRC32 != declaredCRC32 {
		return zipcaserr.New(zipcaserr.KindSizeCRCMismatch, "entryproc.VerifyAgainstDeclared",
			fmt.Errorf("entryproc: crc32 mismatch: computed %08x, declared %08x", r.CRC32, declaredCRC32))
	}
	return nil
}
