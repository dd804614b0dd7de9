package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlicePoolLIFO(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	p := NewSlicePool[int](4)
	_, ok := p.Acquire()
	a.False(ok, "empty pool has nothing to hand out")

	a.True(p.Release(1))
	a.True(p.Release(2))

	v, ok := p.Acquire()
	a.True(ok)
	a.Equal(2, v, "most recently released comes back first")
	v, ok = p.Acquire()
	a.True(ok)
	a.Equal(1, v)
}

func TestSlicePoolCapacity(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	p := NewSlicePool[int](2)
	a.True(p.Release(1))
	a.True(p.Release(2))
	a.False(p.Release(3), "full pool drops the value")
	a.Equal(2, p.Len())
}
