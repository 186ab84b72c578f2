package handles

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTable_AcquireRelease(t *testing.T) {
	tbl := NewTable()
	assert.False(t, tbl.IsOpen(7))

	h1 := tbl.Acquire(7)
	h2 := tbl.Acquire(7)
	assert.NotEqual(t, h1, h2)
	assert.True(t, tbl.IsOpen(7))
	assert.Equal(t, 1, tbl.Len())

	assert.False(t, tbl.Release(7))
	assert.True(t, tbl.IsOpen(7))
	assert.True(t, tbl.Release(7))
	assert.False(t, tbl.IsOpen(7))
	assert.Equal(t, 0, tbl.Len())

	// Unbalanced release is ignored.
	assert.False(t, tbl.Release(7))
}

func TestTable_Concurrent(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tbl.Acquire(uint64(j % 4))
			}
		}()
	}
	wg.Wait()

	last := 0
	for ino := uint64(0); ino < 4; ino++ {
		for i := 0; i < 400; i++ {
			if tbl.Release(ino) {
				last++
			}
		}
	}
	assert.Equal(t, 4, last)
	assert.Equal(t, 0, tbl.Len())
}
