package buffer

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestNewAligned(t *testing.T) {
	for _, size := range []int{512, 4096, 12288, 65536} {
		b, err := New(size)
		require.NoError(t, err)
		require.Equal(t, size, b.Len())
		require.Zero(t, uintptr(unsafe.Pointer(&b.Bytes()[0]))%Alignment, "size %d not aligned", size)
		require.NoError(t, b.Close())
	}
}

func TestNewInvalidSize(t *testing.T) {
	_, err := New(0)
	require.ErrorIs(t, err, ErrAllocation)
}

func TestStageTouchesOnlyItsDivision(t *testing.T) {
	b, err := New(512)
	require.NoError(t, err)
	defer b.Close()

	for i := range b.Bytes() {
		b.Bytes()[i] = 0xAA
	}

	b.Stage(1, 4, []byte("hello"))

	div := b.Division(1, 4)
	require.Len(t, div, 128)
	require.Equal(t, []byte("hello"), div[:5])
	require.Equal(t, make([]byte, 123), div[5:], "division must be zero padded")

	for _, i := range []int{0, 2, 3} {
		require.Equal(t, bytes.Repeat([]byte{0xAA}, 128), b.Division(i, 4), "division %d changed", i)
	}
}

func TestStageTruncates(t *testing.T) {
	b, err := New(512)
	require.NoError(t, err)
	defer b.Close()

	msg := bytes.Repeat([]byte("x"), 300)
	b.Stage(3, 4, msg)
	require.Equal(t, msg[:128], b.Division(3, 4))
}

func TestDivisionRemainder(t *testing.T) {
	require.Equal(t, 3, DivisionWidth(10, 0, 3))
	require.Equal(t, 4, DivisionWidth(10, 2, 3))
	require.Panics(t, func() { DivisionWidth(10, 3, 3) })
}

func TestPool(t *testing.T) {
	p, err := NewPool(3, 4096)
	require.NoError(t, err)
	require.Equal(t, 3, p.Len())

	p.Get(0).Bytes()[0] = 1
	require.Zero(t, p.Get(1).Bytes()[0], "buffers must not alias")
	require.NoError(t, p.Close())
}
