package planogram

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultRunner(t *testing.T) {
	ctx := context.Background()
	runner := DefaultRunner(ctx)

	if runner == nil {
		t.Fatal("DefaultRunner returned nil")
	}

	var _ Runner = runner

	_, ok := runner.(*errGroupRunner)
	if !ok {
		t.Errorf("DefaultRunner should return *errGroupRunner, got %T", runner)
	}
}

func TestErrGroupRunner_Go_Success(t *testing.T) {
	ctx := context.Background()
	runner := DefaultRunner(ctx)

	var counter int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		runner.Go(func() error {
			defer wg.Done()
			atomic.AddInt32(&counter, 1)
			return nil
		})
	}

	err := runner.Wait()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	wg.Wait()
	if atomic.LoadInt32(&counter) != 5 {
		t.Errorf("Expected counter to be 5, got %d", atomic.LoadInt32(&counter))
	}
}

func TestErrGroupRunner_Go_WithError(t *testing.T) {
	ctx := context.Background()
	runner := DefaultRunner(ctx)

	expectedErr := errors.New("test error")

	runner.Go(func() error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	runner.Go(func() error {
		return expectedErr
	})

	err := runner.Wait()
	if !errors.Is(err, expectedErr) {
		t.Errorf("Expected %v, got %v", expectedErr, err)
	}
}

func TestLimitedRunner_BoundsConcurrency(t *testing.T) {
	runner := NewLimitedRunner(context.Background(), 2)

	var inFlight, peak int32
	for i := 0; i < 8; i++ {
		runner.Go(func() error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
	}

	if err := runner.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("Expected at most 2 tasks in flight, saw %d", p)
	}
}

func TestLimitedRunner_ZeroMeansOne(t *testing.T) {
	runner := NewLimitedRunner(context.Background(), 0)
	done := make(chan struct{})
	runner.Go(func() error {
		close(done)
		return nil
	})
	if err := runner.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-done
}
