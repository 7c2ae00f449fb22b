package pool

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolResetsBeforeReuse(t *testing.T) {
	p := New(
		func() *[]int { s := make([]int, 0, 4); return &s },
		func(s *[]int) { *s = (*s)[:0] },
	)

	s := p.Get()
	*s = append(*s, 1, 2, 3)
	p.Put(s)

	again := p.Get()
	assert.Empty(t, *again)
	p.Put(again)

	allocated, inUse, hits, misses := p.Stats()
	assert.Equal(t, int64(0), inUse)
	assert.Equal(t, hits+misses, int64(2))
	assert.Equal(t, misses, allocated)
}

func TestPoolConcurrentAccounting(t *testing.T) {
	p := New(func() *bytes.Buffer { return new(bytes.Buffer) }, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b := p.Get()
				b.WriteByte('x')
				p.Put(b)
			}
		}()
	}
	wg.Wait()

	_, inUse, hits, misses := p.Stats()
	assert.Equal(t, int64(0), inUse)
	assert.Equal(t, int64(3200), hits+misses)
}

func TestPutBufferDropsOversized(t *testing.T) {
	_, before, _, _ := BufferStats()

	big := GetBuffer()
	big.Grow(maxPooledBufferSize + 1)
	PutBuffer(big)
	PutBuffer(nil)

	_, after, _, _ := BufferStats()
	assert.Equal(t, before, after)

	b := GetBuffer()
	assert.Equal(t, 0, b.Len())
	PutBuffer(b)
}
