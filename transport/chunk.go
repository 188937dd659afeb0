// Package transport implements the fixed-size chunking scheme the job
// controller and response handler share: a payload larger than the
// configured maximum transfer block is split into ordered chunks before it
// enters the broker's response target, and reassembled on the other side.
package transport

import (
	"encoding/json"
	"fmt"
)

// ResponseChunk is one ordered slice of a response payload, keyed in the
// broker by its fingerprint (spec.md §4.6's "Size handling").
type ResponseChunk struct {
	Request string `json:"request"`
	Index   int    `json:"index"`
	Total   int    `json:"total"`
	Payload string `json:"payload"`
}

// SplitChunks divides payload into ceil(len(payload)/maxBlockSize) ordered
// chunks, each carrying the serialized request so the response handler can
// rebuild it without a second broker round trip. maxBlockSize <= 0 disables
// chunking (a single chunk carrying the whole payload).
func SplitChunks(serializedRequest, payload string, maxBlockSize int) []ResponseChunk {
	if maxBlockSize <= 0 || len(payload) <= maxBlockSize {
		return []ResponseChunk{{Request: serializedRequest, Index: 0, Total: 1, Payload: payload}}
	}

	total := (len(payload) + maxBlockSize - 1) / maxBlockSize
	chunks := make([]ResponseChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxBlockSize
		end := start + maxBlockSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, ResponseChunk{
			Request: serializedRequest,
			Index:   i,
			Total:   total,
			Payload: payload[start:end],
		})
	}
	return chunks
}

// Marshal renders a chunk to the string form stored as one broker entry's
// value.
func (c ResponseChunk) Marshal() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("transport: marshal chunk: %w", err)
	}
	return string(data), nil
}

// UnmarshalResponseChunk parses a broker entry's value back into a chunk.
func UnmarshalResponseChunk(s string) (ResponseChunk, error) {
	var c ResponseChunk
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return ResponseChunk{}, fmt.Errorf("transport: unmarshal chunk: %w", err)
	}
	return c, nil
}

// Reassemble concatenates chunks in index order into the original payload.
// Callers are expected to have retrieved exactly chunks[0].Total chunks for
// one fingerprint, oldest-first, before calling this.
func Reassemble(chunks []ResponseChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	ordered := make([]string, len(chunks))
	for _, c := range chunks {
		if c.Index >= 0 && c.Index < len(ordered) {
			ordered[c.Index] = c.Payload
		}
	}
	out := ""
	for _, p := range ordered {
		out += p
	}
	return out
}
