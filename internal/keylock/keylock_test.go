package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestLock_SerializesSameKey(t *testing.T) {
	m := New()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("มาตรา 56")
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d after release, want 0", m.Len())
	}
}

func TestLock_IndependentKeys(t *testing.T) {
	m := New()
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked by key a")
	}
}
