package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStackPushPop(t *testing.T) {
	var s Stack
	assert.Equal(t, 0, s.Size())
	assert.Empty(t, s.Data())

	s.Push([]byte("hello "))
	s.Push([]byte("world"))
	s.Push(nil)
	assert.Equal(t, 11, s.Size())
	assert.Equal(t, "hello world", string(s.Data()))

	s.Pop(6)
	assert.Equal(t, "world", string(s.Data()))
	assert.Equal(t, 5, s.Len())

	s.Pop(0)
	s.Pop(-3)
	assert.Equal(t, "world", string(s.Data()))

	s.Pop(100)
	assert.Equal(t, 0, s.Size())
	assert.Equal(t, 0, s.wasted())
}

func TestStackDefersCompaction(t *testing.T) {
	var s Stack
	payload := bytes.Repeat([]byte{0xAB}, 3*compactThreshold)
	s.Push(payload)

	// Below the fixed threshold nothing moves.
	s.Pop(compactThreshold - 1)
	assert.Equal(t, compactThreshold-1, s.wasted())

	// Past the threshold but still under half the backing array.
	s.Pop(2)
	if cap(s.buf)/2 >= s.wasted() {
		assert.Equal(t, compactThreshold+1, s.wasted())
	}

	// Past both bounds the live region moves to the front.
	s.Pop(cap(s.buf) / 2)
	assert.Equal(t, 0, s.wasted())
	assert.Equal(t, len(payload)-(compactThreshold+1)-cap(s.buf)/2, s.Size())
	assert.True(t, bytes.Equal(payload[:s.Size()], s.Data()))
}

func TestStackManySmallPops(t *testing.T) {
	var s Stack
	var want bytes.Buffer
	for i := range 20000 {
		b := []byte{byte(i), byte(i >> 8)}
		s.Push(b)
		want.Write(b)
		if i%3 == 0 {
			s.Pop(1)
			want.Next(1)
		}
	}
	require.Equal(t, want.Len(), s.Size())
	assert.Equal(t, want.Bytes(), s.Data())
}

func TestStackReset(t *testing.T) {
	var s Stack
	s.Push([]byte{1, 2, 3})
	s.Pop(1)
	s.Reset()
	assert.Equal(t, 0, s.Size())
	s.Push([]byte{4})
	assert.Equal(t, []byte{4}, s.Data())
}
