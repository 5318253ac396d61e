package latches

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireLatches(t *testing.T) {
	l := NewLatches()

	// Acquiring a new latch is ok.
	wg := l.AcquireLatches([][]byte{{}, {3}, {3, 0, 42}})
	assert.Nil(t, wg)

	// Can only acquire once.
	wg = l.AcquireLatches([][]byte{{}})
	assert.NotNil(t, wg)
	wg = l.AcquireLatches([][]byte{{3, 0, 42}})
	assert.NotNil(t, wg)
	assert.False(t, l.TryAcquireLatches([][]byte{{3}}))

	// Release then acquire is ok.
	l.ReleaseLatches([][]byte{{3}, {3, 0, 43}})
	wg = l.AcquireLatches([][]byte{{3}})
	assert.Nil(t, wg)
	wg = l.AcquireLatches([][]byte{{3, 0, 42}})
	assert.NotNil(t, wg)
}

func TestWaitForLatches(t *testing.T) {
	l := NewLatches()
	key := [][]byte{[]byte("row")}
	l.WaitForLatches(key)

	var mu sync.Mutex
	order := []string{}
	done := make(chan struct{})
	go func() {
		l.WaitForLatches(key)
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		l.ReleaseLatches(key)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, "first")
	mu.Unlock()
	l.ReleaseLatches(key)
	<-done
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestKeyHashStable(t *testing.T) {
	assert.Equal(t, KeyHash([]byte("x")), KeyHash([]byte("x")))
	assert.NotEqual(t, KeyHash([]byte("x")), KeyHash([]byte("y")))
}
