package utils

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBody struct {
	r      io.Reader
	read   int64
	closed bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.read += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	b.closed = true
	return nil
}

func TestDrainAndClose(t *testing.T) {
	require.NoError(t, DrainAndClose(nil))

	small := &countingBody{r: bytes.NewReader(make([]byte, 100))}
	require.NoError(t, DrainAndClose(small))
	assert.True(t, small.closed)
	assert.EqualValues(t, 100, small.read)

	huge := &countingBody{r: bytes.NewReader(make([]byte, 4*MaxDrainBytes))}
	require.NoError(t, DrainAndClose(huge))
	assert.True(t, huge.closed)
	assert.EqualValues(t, MaxDrainBytes, huge.read)
}
