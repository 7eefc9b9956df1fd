package counter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitReturnsImmediatelyWhenZero(t *testing.T) {
	c := New()
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait blocked on a zero counter")
	}
}

func TestWaitBlocksUntilDrained(t *testing.T) {
	c := New()
	c.Add(3)

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("wait returned before the counter drained")
	case <-time.After(20 * time.Millisecond):
	}

	c.Add(-1)
	c.Add(-1)
	select {
	case <-done:
		t.Fatal("wait returned before the counter fully drained")
	case <-time.After(20 * time.Millisecond):
	}

	c.Add(-1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait never returned after the counter drained")
	}
	require.Equal(t, int64(0), c.Value())
}

func TestReArmsAfterLeavingZero(t *testing.T) {
	c := New()
	c.Add(1)
	c.Add(-1) // drains to zero once

	c.Add(1) // leaves zero again
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("wait returned while counter was non-zero")
	case <-time.After(20 * time.Millisecond):
	}

	c.Add(-1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait never observed the second drain to zero")
	}
}

func TestConcurrentAddIsRaceFree(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		c.Add(1)
		go func() {
			defer wg.Done()
			c.Add(-1)
		}()
	}
	wg.Wait()
	c.Wait()
	require.Equal(t, int64(0), c.Value())
}
