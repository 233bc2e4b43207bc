package iolib

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnreadReader(t *testing.T) {
	r := NewUnreadReader(bytes.NewReader([]byte("World!")))

	r.Unread([]byte(", "))
	r.Unread([]byte("Hello"))
	assert.Equal(t, 7, r.Buffered())

	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello, World!"), b)
}

func TestUnreadAfterPartialRead(t *testing.T) {
	r := NewUnreadReader(bytes.NewReader([]byte("ABCDEF")))

	buf := make([]byte, 4)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	// Give back what we did not need.
	r.Unread(buf[2:n])

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("CDEF"), rest)
}

func TestUnreadCopiesInput(t *testing.T) {
	r := NewUnreadReader(bytes.NewReader(nil))

	input := []byte("abc")
	r.Unread(input)
	input[0] = 'x'

	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), b)
}
