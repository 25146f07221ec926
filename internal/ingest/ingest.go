// Package ingest implements the ingest orchestrator (spec §4.7): runs the
// streaming phase and stream reader concurrently with the spool tee, then
// reconciles against the Central Directory, falling back to random-access
// re-reads, and finally emits a canonical fileset manifest.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/klauspost/compress/flate"
	"golang.org/x/sync/errgroup"

	"github.com/zipcas/zipcasd/internal/bytequeue"
	"github.com/zipcas/zipcasd/internal/cas"
	"github.com/zipcas/zipcasd/internal/cdreader"
	"github.com/zipcas/zipcasd/internal/entryproc"
	"github.com/zipcas/zipcasd/internal/logging"
	"github.com/zipcas/zipcasd/internal/pathnorm"
	"github.com/zipcas/zipcasd/internal/spool"
	"github.com/zipcas/zipcasd/internal/zipcaserr"
	"github.com/zipcas/zipcasd/internal/zipformat"
	"github.com/zipcas/zipcasd/internal/zipstream"
)

// Limits bounds one ingest run (spec §6 upload limits).
type Limits struct {
	MaxEntries    int
	MaxFileBytes  int64
	MaxTotalBytes int64
	MaxZipBytes   int64
}

// FileEntry is one row of a fileset manifest (spec §3 "Fileset manifest").
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest is the canonical, deterministic fileset document (spec §3).
type Manifest struct {
	Schema     string      `json:"schema"`
	FilesetID  string      `json:"fileset_id"`
	FileCount  int         `json:"file_count"`
	TotalBytes int64       `json:"total_bytes"`
	Files      []FileEntry `json:"files"`
	Warnings   []string    `json:"warnings"`
}

// streamedResult is the processed-entry record keyed by local header offset
// (spec §3 "Processed entry record").
type streamedResult struct {
	res entryproc.Result
}

// Ingest drives one upload end to end and returns its canonical manifest.
func Ingest(ctx context.Context, store *cas.Store, body io.Reader, limits Limits, spoolDir string, keepSpool bool, log *logging.Logger) (*Manifest, error) {
	start := time.Now()
	if log != nil {
		log.Info("ingest started")
	}

	m, err := ingest(ctx, store, body, limits, spoolDir, keepSpool, log)

	duration := time.Since(start)
	if log != nil {
		if err != nil {
			log.Error("ingest failed", map[string]interface{}{
				"duration_ms": duration.Milliseconds(),
				"error":       err.Error(),
			})
		} else {
			log.Info("ingest finished", map[string]interface{}{
				"duration_ms":   duration.Milliseconds(),
				"entry_count":   m.FileCount,
				"total_bytes":   m.TotalBytes,
				"warning_count": len(m.Warnings),
			})
		}
	}
	return m, err
}

func ingest(ctx context.Context, store *cas.Store, body io.Reader, limits Limits, spoolDir string, keepSpool bool, log *logging.Logger) (*Manifest, error) {
	sp, err := spool.New(spoolDir, limits.MaxZipBytes, keepSpool, log)
	if err != nil {
		return nil, fmt.Errorf("ingest: creating spool: %w", err)
	}
	defer sp.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sp.TeeFrom(body)
	})

	streamed := make(map[string]streamedResult)
	warnings := []string{}
	var totalBytes int64

	g.Go(func() error {
		return streamPhase(gctx, store, sp.Queue, limits, streamed, &warnings, &totalBytes)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	cdResult, err := cdreader.Read(sp.File(), sp.Size(), log)
	if err != nil {
		return nil, fmt.Errorf("ingest: reading central directory: %w", err)
	}
	warnings = append(warnings, cdResult.Warnings...)

	entries, reconcileWarnings, err := reconcile(store, sp, cdResult, streamed, limits, &totalBytes)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, reconcileWarnings...)

	if log != nil {
		for _, w := range warnings {
			log.Warn(w)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	filesetID := computeFilesetID(entries)

	return &Manifest{
		Schema:     "fileset.v1",
		FilesetID:  filesetID,
		FileCount:  len(entries),
		TotalBytes: sumSizes(entries),
		Files:      entries,
		Warnings:   warnings,
	}, nil
}

func sumSizes(entries []FileEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}

// streamPhase consumes headers from the ZIP stream reader until the
// streaming phase completes, processing each entry's body through the entry
// processor and recording the result keyed by local header offset.
func streamPhase(ctx context.Context, store *cas.Store, q *bytequeue.Queue, limits Limits, streamed map[string]streamedResult, warnings *[]string, totalBytes *int64) error {
	r := zipstream.New(q)
	entryCount := 0

	// Always unstick the spool tee goroutine on exit: a successful Done
	// already discards via zipstream, but an error return here must also
	// release the producer from backpressure so it can observe the
	// errgroup's cancellation instead of blocking forever.
	defer q.DiscardFuture()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		h, err := r.Next()
		if err == zipstream.Done {
			return nil
		}
		if err != nil {
			return err
		}

		entryCount++
		if limits.MaxEntries > 0 && entryCount > limits.MaxEntries {
			return zipcaserr.New(zipcaserr.KindTooManyEntries, "ingest.streamPhase",
				fmt.Errorf("ingest: entry count exceeded max_entries (%d)", limits.MaxEntries))
		}

		key := strconv.FormatUint(h.LocalHeaderOffset, 10)

		body, ok := r.Body(h)
		if !ok {
			*warnings = append(*warnings, fmt.Sprintf("Deferred STORE+DD at offset %d", h.LocalHeaderOffset))
			continue
		}

		rawBody := body
		if h.Method == 8 {
			rawBody = flate.NewReader(body)
		}

		res, err := entryproc.Process(store, rawBody, limits.MaxFileBytes)
		if err != nil {
			return err
		}

		*totalBytes += res.RawSize
		if limits.MaxTotalBytes > 0 && *totalBytes > limits.MaxTotalBytes {
			return zipcaserr.New(zipcaserr.KindTotalTooLarge, "ingest.streamPhase",
				fmt.Errorf("ingest: total bytes exceeded max_total_bytes (%d)", limits.MaxTotalBytes))
		}

		if h.HasDataDescriptor() {
			dd, err := r.ReadDataDescriptor(h)
			if err != nil {
				return err
			}
			if err := entryproc.VerifyAgainstDeclared(res, dd.UncompressedSize, dd.CRC32); err != nil {
				return zipcaserr.New(zipcaserr.KindSizeCRCMismatch, "ingest.streamPhase", err)
			}
		} else {
			if h.UncompressedSize != 0 || h.CRC32 != 0 {
				if err := entryproc.VerifyAgainstDeclared(res, h.UncompressedSize, h.CRC32); err != nil {
					return zipcaserr.New(zipcaserr.KindSizeCRCMismatch, "ingest.streamPhase", err)
				}
			}
		}

		streamed[key] = streamedResult{res: res}
	}
}

// reconcile walks the Central Directory, matching each non-directory entry
// against a streamed result or falling back to a random-access re-read from
// the spool (spec §4.7 "Reconciliation phase").
func reconcile(store *cas.Store, sp *spool.Spool, cdResult *cdreader.Result, streamed map[string]streamedResult, limits Limits, totalBytes *int64) ([]FileEntry, []string, error) {
	warnings := []string{}
	byPath := make(map[string]int) // path -> index into entries
	entries := []FileEntry{}

	for _, cd := range cdResult.Entries {
		if cd.IsDirectory {
			continue
		}
		if !zipformat.SupportedMethod(cd.Method) {
			return nil, nil, zipcaserr.New(zipcaserr.KindUnsupportedMethod, "ingest.reconcile",
				fmt.Errorf("ingest: unsupported method %d in central directory", cd.Method))
		}

		path, err := pathnorm.Normalize(cd.Filename)
		if err != nil {
			return nil, nil, err
		}
		if path == "" {
			continue
		}

		key := strconv.FormatUint(cd.LocalHeaderOffset, 10)

		var res entryproc.Result
		if sr, ok := streamed[key]; ok {
			res = sr.res
			if uint64(res.RawSize) != cd.UncompressedSize || res.CRC32 != cd.CRC32 {
				return nil, nil, zipcaserr.New(zipcaserr.KindSizeCRCMismatch, "ingest.reconcile",
					fmt.Errorf("ingest: streamed result for %q mismatches central directory", path))
			}
		} else {
			res, err = fallbackProcess(store, sp, cd, limits)
			if err != nil {
				return nil, nil, err
			}
			*totalBytes += res.RawSize
			if limits.MaxTotalBytes > 0 && *totalBytes > limits.MaxTotalBytes {
				return nil, nil, zipcaserr.New(zipcaserr.KindTotalTooLarge, "ingest.reconcile",
					fmt.Errorf("ingest: total bytes exceeded max_total_bytes (%d)", limits.MaxTotalBytes))
			}
		}

		fe := FileEntry{Path: path, SHA256: res.SHA256, Size: res.RawSize}

		if idx, exists := byPath[path]; exists {
			warnings = append(warnings, fmt.Sprintf("Duplicate path: %s (last wins)", path))
			entries[idx] = fe
		} else {
			byPath[path] = len(entries)
			entries = append(entries, fe)
		}
	}

	return entries, warnings, nil
}

// fallbackProcess re-reads an entry directly from the spool by local header
// offset (spec §4.7 fallback), used for entries the stream reader deferred
// or never reached.
func fallbackProcess(store *cas.Store, sp *spool.Spool, cd cdreader.Entry, limits Limits) (entryproc.Result, error) {
	f := sp.File()

	lfhFixed := make([]byte, 30)
	if _, err := f.ReadAt(lfhFixed, int64(cd.LocalHeaderOffset)); err != nil {
		return entryproc.Result{}, fmt.Errorf("ingest: reading local header for fallback: %w", err)
	}
	sig := uint32(lfhFixed[0]) | uint32(lfhFixed[1])<<8 | uint32(lfhFixed[2])<<16 | uint32(lfhFixed[3])<<24
	if sig != zipformat.SigLocalFileHeader {
		return entryproc.Result{}, zipcaserr.New(zipcaserr.KindSignatureMismatch, "ingest.fallbackProcess",
			fmt.Errorf("ingest: local header signature mismatch at offset %d", cd.LocalHeaderOffset))
	}
	nameLen := int(uint16(lfhFixed[26]) | uint16(lfhFixed[27])<<8)
	extraLen := int(uint16(lfhFixed[28]) | uint16(lfhFixed[29])<<8)

	dataStart := int64(cd.LocalHeaderOffset) + 30 + int64(nameLen) + int64(extraLen)

	compBytes := make([]byte, cd.CompressedSize)
	if _, err := f.ReadAt(compBytes, dataStart); err != nil && err != io.EOF {
		return entryproc.Result{}, fmt.Errorf("ingest: reading fallback entry body: %w", err)
	}

	var rawBody io.Reader = bytes.NewReader(compBytes)
	if cd.Method == 8 {
		rawBody = flate.NewReader(rawBody)
	}

	res, err := entryproc.Process(store, rawBody, limits.MaxFileBytes)
	if err != nil {
		return entryproc.Result{}, err
	}
	if uint64(res.RawSize) != cd.UncompressedSize || res.CRC32 != cd.CRC32 {
		return entryproc.Result{}, zipcaserr.New(zipcaserr.KindSizeCRCMismatch, "ingest.fallbackProcess",
			fmt.Errorf("ingest: fallback result mismatches central directory for offset %d", cd.LocalHeaderOffset))
	}
	return res, nil
}

// computeFilesetID implements spec §3's deterministic fileset id formula.
func computeFilesetID(entries []FileEntry) string {
	var canonical bytes.Buffer
	for _, e := range entries {
		canonical.WriteString(e.Path)
		canonical.WriteString(" sha256:")
		canonical.WriteString(e.SHA256)
		canonical.WriteString(" ")
		canonical.WriteString(strconv.FormatInt(e.Size, 10))
		canonical.WriteString("\n")
	}
	sum := sha256.Sum256(append([]byte("v1 "), canonical.Bytes()...))
	return hex.EncodeToString(sum[:])
}
