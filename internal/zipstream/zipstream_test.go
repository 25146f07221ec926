package zipstream

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"hash/crc32"
	"io"
	"testing"

	"github.com/zipcas/zipcasd/internal/bytequeue"
)

// buildStoreZip creates a minimal single-entry STORE zip using the standard
// library writer purely as a test fixture generator. CreateRaw is used so the
// local header carries the CRC and sizes and no data descriptor follows
// (CreateHeader sets the data-descriptor flag on every file entry).
func buildStoreZip(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               name,
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(data),
		CompressedSize64:   uint64(len(data)),
		UncompressedSize64: uint64(len(data)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func feed(q *bytequeue.Queue, data []byte) {
	go func() {
		q.Write(data)
		q.Close()
	}()
}

func TestNextHeaderStore(t *testing.T) {
	payload := []byte("hello\n")
	raw := buildStoreZip(t, "hello.txt", payload)

	q := bytequeue.New()
	feed(q, raw)
	r := New(q)

	h, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(h.Filename) != "hello.txt" {
		t.Errorf("Filename = %q, want hello.txt", h.Filename)
	}
	if h.Method != 0 {
		t.Errorf("Method = %d, want 0", h.Method)
	}
	if h.UncompressedSize != uint64(len(payload)) {
		t.Errorf("UncompressedSize = %d, want %d", h.UncompressedSize, len(payload))
	}

	body, ok := r.Body(h)
	if !ok {
		t.Fatal("Body: expected ok=true for STORE without data descriptor")
	}
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll body: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("body = %q, want %q", got, payload)
	}

	if _, err := r.Next(); err != Done {
		t.Errorf("second Next error = %v, want Done", err)
	}
}

func TestDeferredStoreWithDataDescriptor(t *testing.T) {
	// Hand-built minimal LFH with STORE + data-descriptor flag and no body,
	// assembled byte by byte so the header fields are fixed exactly, to
	// exercise the deferral path described in spec §4.2.
	var buf bytes.Buffer
	buf.Write([]byte{0x50, 0x4b, 0x03, 0x04}) // signature
	buf.Write([]byte{20, 0})                  // version
	buf.Write([]byte{0x08, 0x00})             // flags: bit3 set
	buf.Write([]byte{0, 0})                   // method STORE
	buf.Write([]byte{0, 0})                   // mod time
	buf.Write([]byte{0, 0})                   // mod date
	buf.Write([]byte{0, 0, 0, 0})             // crc32 (unknown at header time)
	buf.Write([]byte{0, 0, 0, 0})             // compressed size
	buf.Write([]byte{0, 0, 0, 0})             // uncompressed size
	name := "a.txt"
	buf.Write([]byte{byte(len(name)), 0}) // name len
	buf.Write([]byte{0, 0})               // extra len
	buf.WriteString(name)

	q := bytequeue.New()
	feed(q, buf.Bytes())
	r := New(q)

	h, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !h.HasDataDescriptor() {
		t.Fatal("expected data descriptor flag set")
	}
	if _, ok := r.Body(h); ok {
		t.Fatal("Body: expected ok=false for STORE+DD (must defer to CD fallback)")
	}
}

func TestDeflateWithDataDescriptor(t *testing.T) {
	payload := []byte("ABC")
	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatal(err)
	}
	fw.Close()

	var buf bytes.Buffer
	buf.Write([]byte{0x50, 0x4b, 0x03, 0x04})
	buf.Write([]byte{20, 0})
	buf.Write([]byte{0x08, 0x00}) // DD flag
	buf.Write([]byte{8, 0})       // DEFLATE
	buf.Write([]byte{0, 0})
	buf.Write([]byte{0, 0})
	buf.Write([]byte{0, 0, 0, 0})
	buf.Write([]byte{0, 0, 0, 0})
	buf.Write([]byte{0, 0, 0, 0})
	name := "a/b.txt"
	buf.Write([]byte{byte(len(name)), 0})
	buf.Write([]byte{0, 0})
	buf.WriteString(name)
	buf.Write(compressed.Bytes())
	// data descriptor, no optional signature
	buf.Write([]byte{0xAA, 0xBB, 0xCC, 0xDD}) // crc32 placeholder (test doesn't assert value)
	buf.Write([]byte{byte(compressed.Len()), 0, 0, 0})
	buf.Write([]byte{byte(len(payload)), 0, 0, 0})

	q := bytequeue.New()
	feed(q, buf.Bytes())
	r := New(q)

	h, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	body, ok := r.Body(h)
	if !ok {
		t.Fatal("Body: expected ok=true for DEFLATE+DD")
	}
	fr := flate.NewReader(body)
	got, err := io.ReadAll(fr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("inflated = %q, want %q", got, payload)
	}

	dd, err := r.ReadDataDescriptor(h)
	if err != nil {
		t.Fatalf("ReadDataDescriptor: %v", err)
	}
	if dd.UncompressedSize != uint64(len(payload)) {
		t.Errorf("dd.UncompressedSize = %d, want %d", dd.UncompressedSize, len(payload))
	}
}
