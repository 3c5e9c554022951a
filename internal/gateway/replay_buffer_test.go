package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayBuffer_Range(t *testing.T) {
	rb := NewReplayBuffer(100)
	for i := int64(1); i <= 10; i++ {
		rb.Push(i, []byte("msg"))
	}

	got := rb.Range(3, 7)
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, int64(i)+3, e.Seq)
	}
}

func TestReplayBuffer_Wraparound(t *testing.T) {
	rb := NewReplayBuffer(5)
	for i := int64(1); i <= 8; i++ {
		rb.Push(i, []byte("msg"))
	}

	assert.Equal(t, 5, rb.Len())
	got := rb.Range(1, 10)
	require.Len(t, got, 5)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.Equal(t, int64(8), got[4].Seq)
}

func TestReplayBuffer_CopiesData(t *testing.T) {
	rb := NewReplayBuffer(2)
	buf := []byte("abc")
	rb.Push(1, buf)
	buf[0] = 'z'

	assert.Equal(t, "abc", string(rb.Range(1, 1)[0].Data))
	assert.Empty(t, NewReplayBuffer(3).Range(1, 100))
}
