package catalog

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	return &Store{zenc: enc, zdec: dec}
}

func TestStore_CompressDecompressRoundTrip(t *testing.T) {
	s := newTestStore(t)
	original := []byte("ANSI terminal transcript from the DOS batch run\x1b[0m")

	compressed := s.compress(original)
	if bytes.Equal(compressed, original) {
		t.Fatalf("expected compressed output to differ from input")
	}

	roundTripped, err := s.decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(roundTripped, original) {
		t.Errorf("round trip mismatch: got %q, want %q", roundTripped, original)
	}
}

func TestStore_CompressEmpty(t *testing.T) {
	s := newTestStore(t)
	if got := s.compress(nil); got != nil {
		t.Errorf("compress(nil) = %v, want nil", got)
	}
	got, err := s.decompress(nil)
	if err != nil {
		t.Fatalf("decompress(nil): %v", err)
	}
	if got != nil {
		t.Errorf("decompress(nil) = %v, want nil", got)
	}
}
