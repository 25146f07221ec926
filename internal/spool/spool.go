// Package spool implements the spool tee (spec §4.4): the incoming HTTP
// body is duplicated into a durable on-disk file (for the later random-access
// Central Directory pass) and into a bytequeue.Queue (for the forward
// streaming pass), while enforcing the max_zip_bytes cap.
package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/zipcas/zipcasd/internal/bytequeue"
	"github.com/zipcas/zipcasd/internal/logging"
	"github.com/zipcas/zipcasd/internal/zipcaserr"
)

// Spool tees an upload body to a file on disk and to a bytequeue.Queue
// concurrently, tracking the running total against a configured cap.
type Spool struct {
	Queue *bytequeue.Queue

	file     *os.File
	path     string
	keep     bool
	maxBytes int64
	total    int64
	log      *logging.Logger
}

// New creates a spool file under dir (os.TempDir() if dir is empty) using an
// exclusive-create open, matching the teacher's tmp-then-commit idiom
// (grounded in the CAS publish pattern). keep controls whether Close removes
// the file afterward (spec §6 KEEP_SPOOL).
func New(dir string, maxBytes int64, keep bool, log *logging.Logger) (*Spool, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: creating spool dir: %w", err)
	}

	path := filepath.Join(dir, "zipcas-spool-"+uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spool: creating spool file: %w", err)
	}

	return &Spool{
		Queue:    bytequeue.New(),
		file:     f,
		path:     path,
		keep:     keep,
		maxBytes: maxBytes,
		log:      log,
	}, nil
}

// Path returns the spool file's path on disk.
func (s *Spool) Path() string { return s.path }

// File returns the spool's backing *os.File, valid for ReaderAt use by
// cdreader once TeeFrom has completed.
func (s *Spool) File() *os.File { return s.file }

// TeeFrom reads src to completion, writing each chunk to the spool file and
// to s.Queue, enforcing maxBytes. It closes s.Queue (with an error on
// failure) when done, and runs in its own goroutine alongside the stream
// reader phase of the ingest orchestrator; CD reconciliation starts only
// after both have finished.
func (s *Spool) TeeFrom(src io.Reader) error {
	buf := make([]byte, 64*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			s.total += int64(n)
			if s.maxBytes > 0 && s.total > s.maxBytes {
				err := zipcaserr.New(zipcaserr.KindZipTooLarge, "spool.TeeFrom", fmt.Errorf("spool: exceeded max_zip_bytes (%d)", s.maxBytes))
				s.Queue.CloseWithError(err)
				return err
			}

			chunk := buf[:n]
			if _, err := s.file.Write(chunk); err != nil {
				werr := fmt.Errorf("spool: writing spool file: %w", err)
				s.Queue.CloseWithError(werr)
				return werr
			}
			if _, err := s.Queue.Write(chunk); err != nil {
				// Consumer side has gone away (e.g. stream reader bailed
				// on an earlier error); the spool write already landed, so
				// surface this but let the caller decide how to treat it.
				if s.log != nil {
					s.log.Warn("bytequeue write failed mid-spool", map[string]interface{}{"error": err.Error()})
				}
				s.Queue.CloseWithError(err)
				return err
			}
		}
		if readErr == io.EOF {
			s.Queue.Close()
			return nil
		}
		if readErr != nil {
			werr := fmt.Errorf("spool: reading upload body: %w", readErr)
			s.Queue.CloseWithError(werr)
			return werr
		}
	}
}

// Size returns the number of bytes written to the spool so far.
func (s *Spool) Size() int64 { return s.total }

// Close closes the spool file, removing it unless keep was requested.
func (s *Spool) Close() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("spool: closing spool file: %w", err)
	}
	if !s.keep {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("spool: removing spool file: %w", err)
		}
	}
	return nil
}
