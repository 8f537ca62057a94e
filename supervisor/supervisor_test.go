package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestShutdownCancelsTasks(t *testing.T) {
	s := New(zap.NewNop())

	var stopped atomic.Int32
	for i := 0; i < 3; i++ {
		s.Go("task", func(ctx context.Context) {
			<-ctx.Done()
			stopped.Add(1)
		})
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Shutdown("test")
	}()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after shutdown")
	}
	if got := stopped.Load(); got != 3 {
		t.Errorf("stopped tasks: want 3, got %d", got)
	}
}

func TestShutdownLatches(t *testing.T) {
	s := New(zap.NewNop())
	s.Shutdown("first")
	s.Shutdown("second") // must not panic or block
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("context not cancelled after Shutdown")
	}
}

func TestGracePeriodExpiresOnStuckTask(t *testing.T) {
	s := New(zap.NewNop())
	s.grace = 50 * time.Millisecond

	release := make(chan struct{})
	s.Go("stuck", func(ctx context.Context) {
		<-release // ignores ctx on purpose
	})

	s.Shutdown("test")

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not give up after the grace period")
	}
	close(release)
}
