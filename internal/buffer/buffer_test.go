package buffer

import (
	"sync"
	"testing"
	"time"
)

func TestGrowableBuffer_FIFO(t *testing.T) {
	buf := New[int](10)
	for i := 0; i < 5; i++ {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}
	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}
	for i := 0; i < 5; i++ {
		v, ok := buf.TryReceive()
		if !ok || v != i {
			t.Fatalf("TryReceive() = %d, %v, want %d, true", v, ok, i)
		}
	}
	if _, ok := buf.TryReceive(); ok {
		t.Error("TryReceive() on empty buffer returned true")
	}
}

func TestGrowableBuffer_GrowsAndWraps(t *testing.T) {
	buf := New[int](4)

	// Interleave so the head has moved before the buffer grows.
	for i := 0; i < 3; i++ {
		buf.Send(i)
	}
	buf.TryReceive()
	buf.TryReceive()
	for i := 3; i < 100; i++ {
		buf.Send(i)
	}
	next := 2
	for _, v := range buf.DrainTo(0) {
		if v != next {
			t.Fatalf("drained %d, want %d", v, next)
		}
		next++
	}
	if next != 100 {
		t.Errorf("drained up to %d, want 100", next)
	}
	if buf.Stats().ResizeCount == 0 {
		t.Error("ResizeCount = 0, want growth")
	}
}

func TestGrowableBuffer_BoundedDrops(t *testing.T) {
	buf := NewBounded[int](2, 3)
	for i := 0; i < 3; i++ {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) under limit returned false", i)
		}
	}
	if buf.Send(3) {
		t.Error("Send() at limit returned true")
	}
	st := buf.Stats()
	if st.Dropped != 1 || st.Count != 3 {
		t.Errorf("Stats() = %+v, want 1 dropped and 3 queued", st)
	}
}

func TestGrowableBuffer_DrainToMax(t *testing.T) {
	buf := New[int](10)
	for i := 0; i < 5; i++ {
		buf.Send(i)
	}
	if got := buf.DrainTo(2); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("DrainTo(2) = %v, want [0 1]", got)
	}
	if buf.Len() != 3 {
		t.Errorf("Len() = %d, want 3", buf.Len())
	}
}

func TestGrowableBuffer_CloseUnblocksReceive(t *testing.T) {
	buf := New[int](4)
	buf.Send(7)

	done := make(chan []int)
	go func() {
		var got []int
		for {
			v, ok := buf.Receive()
			if !ok {
				done <- got
				return
			}
			got = append(got, v)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Close()

	select {
	case got := <-done:
		if len(got) != 1 || got[0] != 7 {
			t.Errorf("received %v, want [7]", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive() did not unblock after Close")
	}
	if buf.Send(1) {
		t.Error("Send() after Close returned true")
	}
}

func TestGrowableBuffer_ConcurrentSendReceive(t *testing.T) {
	buf := New[int](8)
	const producers, perProducer = 4, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				buf.Send(i)
			}
		}()
	}

	received := make(chan int)
	go func() {
		n := 0
		for {
			if _, ok := buf.Receive(); !ok {
				received <- n
				return
			}
			n++
		}
	}()

	wg.Wait()
	buf.Close()
	if n := <-received; n != producers*perProducer {
		t.Errorf("received %d items, want %d", n, producers*perProducer)
	}
}
