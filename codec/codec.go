package codec

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// ErrCorruptPayload is returned when an encoded blob cannot be decoded back
// to its original text (invalid base64, truncated or damaged deflate stream).
var ErrCorruptPayload = errors.New("corrupt payload")

// Size returns the exact UTF-8 byte length of text.
// Size("") == 0 and Size(a+b) == Size(a)+Size(b).
func Size(text string) int {
	return len(text)
}

// Compress deflates text and encodes the result with standard base64 so it
// can be embedded in a JSON string field. Decompress(Compress(x)) == x for
// every string, including the empty string.
func Compress(text string) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := w.Write([]byte(text)); err != nil {
		return "", fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to flush deflate stream: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decompress reverses Compress. It never returns partial output: any decode
// failure yields an error wrapping ErrCorruptPayload.
func Decompress(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrCorruptPayload, err)
	}

	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: truncated or invalid deflate stream: %v", ErrCorruptPayload, err)
	}
	return string(out), nil
}

// Checksum returns a fixed-width hex token over the UTF-8 bytes of text.
// xxhash64 is fast and non-cryptographic; equal inputs always yield equal
// tokens. Used for reassembly integrity only.
func Checksum(text string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(text))
}
