package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitChunks_SmallPayloadIsSingleChunk(t *testing.T) {
	chunks := SplitChunks("req", "hello", 5000)
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].Total)
	assert.Equal(t, "hello", chunks[0].Payload)
}

func TestSplitChunks_LargePayloadSplitsInOrder(t *testing.T) {
	payload := strings.Repeat("a", 12) + strings.Repeat("b", 12) + strings.Repeat("c", 6)
	chunks := SplitChunks("req", payload, 12)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 3, c.Total)
	}
	assert.Equal(t, payload, Reassemble(chunks))
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	c := ResponseChunk{Request: "req", Index: 1, Total: 2, Payload: "p"}
	s, err := c.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalResponseChunk(s)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestReassemble_OutOfOrderInput(t *testing.T) {
	chunks := []ResponseChunk{
		{Index: 1, Total: 2, Payload: "world"},
		{Index: 0, Total: 2, Payload: "hello"},
	}
	assert.Equal(t, "helloworld", Reassemble(chunks))
}
