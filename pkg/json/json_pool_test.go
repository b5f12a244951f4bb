package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID       string                 `json:"id"`
	Quantity float64                `json:"quantity"`
	Props    map[string]interface{} `json:"props,omitempty"`
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := sample{ID: "evt-1", Quantity: 2.5, Props: map[string]interface{}{"region": "us-east-1"}}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Quantity, out.Quantity)
	assert.Equal(t, "us-east-1", out.Props["region"])
}

func TestMarshalToWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, MarshalToWriter(&buf, sample{ID: "evt-2"}))
	assert.Contains(t, buf.String(), `"evt-2"`)
}

func TestMarshalToBuffer(t *testing.T) {
	buf, err := MarshalToBuffer(sample{ID: "evt-3", Quantity: 1})
	require.NoError(t, err)
	defer PutBuffer(buf)

	var out sample
	require.NoError(t, Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "evt-3", out.ID)
}

func TestBufferPoolReuse(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("scratch")
	PutBuffer(buf)

	reused := GetBuffer()
	defer PutBuffer(reused)
	assert.Zero(t, reused.Len())
}
