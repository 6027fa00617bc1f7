package chunker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/user/meshpost/codec"
)

// FramingReserve is the byte budget reserved in every unit for the chunk
// envelope fields (messageId, index, totalChunks, checksum, JSON keys).
// Conservative on purpose: the data slice gets maxUnitBytes minus this.
const FramingReserve = 150

var (
	ErrEmptyMessage            = errors.New("cannot split empty message")
	ErrInvalidUTF8             = errors.New("message is not valid UTF-8")
	ErrUnitTooSmall            = errors.New("max unit size cannot fit chunk framing")
	ErrNoChunks                = errors.New("no chunks to reassemble")
	ErrMessageIDMismatch       = errors.New("chunks disagree on message id")
	ErrTotalChunksMismatch     = errors.New("chunks disagree on total chunk count")
	ErrIncompleteChunks        = errors.New("fewer distinct chunks than declared total")
	ErrMissingOrDuplicateIndex = errors.New("chunk indices are not a contiguous set")
	ErrChecksumMismatch        = errors.New("reassembled message checksum mismatch")
)

// Chunk is the framing unit for one slice of an oversized message. All
// chunks of one message share the MessageID and the checksum of the full
// original message.
type Chunk struct {
	MessageID   string `json:"messageId"`
	Index       int    `json:"index"`
	TotalChunks int    `json:"totalChunks"`
	Data        string `json:"data"`
	Checksum    string `json:"checksum"`
}

// Encode serializes the chunk to its JSON wire form.
func (c Chunk) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode chunk: %w", err)
	}
	return string(data), nil
}

// Decode parses a JSON wire payload into a Chunk.
func Decode(payload string) (Chunk, error) {
	var c Chunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Chunk{}, fmt.Errorf("failed to decode chunk: %w", err)
	}
	if c.MessageID == "" || c.TotalChunks <= 0 || c.Checksum == "" {
		return Chunk{}, fmt.Errorf("decoded chunk missing framing fields")
	}
	return c, nil
}

// IsChunk reports whether an inbound payload carries chunk framing rather
// than a direct message envelope. Chunks always carry messageId,
// totalChunks and checksum; no envelope does.
func IsChunk(payload string) bool {
	var probe struct {
		MessageID   string `json:"messageId"`
		TotalChunks int    `json:"totalChunks"`
		Checksum    string `json:"checksum"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		return false
	}
	return probe.MessageID != "" && probe.TotalChunks > 0 && probe.Checksum != ""
}

// escapedRuneLen returns the byte length r contributes to the serialized
// data field once encoding/json escapes it. Quotes, backslashes and common
// control characters become two-byte escapes; the HTML-sensitive runes and
// the remaining control characters become six-byte \u escapes.
func escapedRuneLen(r rune) int {
	switch r {
	case '"', '\\', '\n', '\r', '\t':
		return 2
	case '<', '>', '&', '\u2028', '\u2029':
		return 6
	}
	if r < 0x20 {
		return 6
	}
	return utf8.RuneLen(r)
}

// Split partitions message into chunks such that every serialized chunk,
// JSON escaping included, fits in maxUnitBytes. Slices break at rune
// boundaries so each data field survives the wire form byte-identical;
// invalid UTF-8 is rejected because JSON transit would rewrite it. All
// chunks share one freshly generated MessageID and the checksum of the
// original message. Chunk count is deterministic for the same inputs; the
// MessageID is a freshness token and differs per call.
func Split(message string, maxUnitBytes int) ([]Chunk, error) {
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if !utf8.ValidString(message) {
		return nil, ErrInvalidUTF8
	}

	budget := maxUnitBytes - FramingReserve
	if budget <= 0 {
		return nil, fmt.Errorf("%w: need more than %d bytes, got %d", ErrUnitTooSmall, FramingReserve, maxUnitBytes)
	}

	messageID := uuid.New().String()
	checksum := codec.Checksum(message)

	var slices []string
	start, used := 0, 0
	for i, r := range message {
		n := escapedRuneLen(r)
		if n > budget {
			return nil, fmt.Errorf("%w: rune %q escapes to %d bytes against a %d byte data budget", ErrUnitTooSmall, r, n, budget)
		}
		if used+n > budget {
			slices = append(slices, message[start:i])
			start, used = i, 0
		}
		used += n
	}
	slices = append(slices, message[start:])

	chunks := make([]Chunk, len(slices))
	for i, slice := range slices {
		chunks[i] = Chunk{
			MessageID:   messageID,
			Index:       i,
			TotalChunks: len(slices),
			Data:        slice,
			Checksum:    checksum,
		}
	}

	return chunks, nil
}

// Reassemble rebuilds the original message from chunks in any order,
// absorbing duplicates by index. The returned message is byte-identical to
// the Split input or an error is returned; there is no partial output.
func Reassemble(chunks []Chunk) (string, error) {
	if len(chunks) == 0 {
		return "", ErrNoChunks
	}

	first := chunks[0]
	for _, c := range chunks[1:] {
		if c.MessageID != first.MessageID {
			return "", fmt.Errorf("%w: %s vs %s", ErrMessageIDMismatch, first.MessageID, c.MessageID)
		}
		if c.TotalChunks != first.TotalChunks {
			return "", fmt.Errorf("%w: %d vs %d", ErrTotalChunksMismatch, first.TotalChunks, c.TotalChunks)
		}
		if c.Checksum != first.Checksum {
			return "", fmt.Errorf("%w: chunks declare different checksums", ErrChecksumMismatch)
		}
	}

	// Deduplicate by index, first occurrence wins
	byIndex := make(map[int]Chunk, first.TotalChunks)
	for _, c := range chunks {
		if _, seen := byIndex[c.Index]; !seen {
			byIndex[c.Index] = c
		}
	}

	if len(byIndex) < first.TotalChunks {
		return "", fmt.Errorf("%w: have %d of %d", ErrIncompleteChunks, len(byIndex), first.TotalChunks)
	}

	indices := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for i, idx := range indices {
		if idx != i {
			return "", fmt.Errorf("%w: expected index %d, found %d", ErrMissingOrDuplicateIndex, i, idx)
		}
	}

	var assembled []byte
	for i := 0; i < first.TotalChunks; i++ {
		assembled = append(assembled, byIndex[i].Data...)
	}

	message := string(assembled)
	if codec.Checksum(message) != first.Checksum {
		return "", fmt.Errorf("%w: declared %s, computed %s", ErrChecksumMismatch, first.Checksum, codec.Checksum(message))
	}

	return message, nil
}
