// Package supervisor owns the proxy's process lifecycle: it
// creates the process-wide shutdown signal, starts the token refresh loop,
// the spool worker, and both front-ends, and on shutdown drains everything
// within a bounded grace period.
package supervisor

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const defaultGrace = 10 * time.Second

// Supervisor runs a set of named tasks under one cancellable context. The
// shutdown signal latches: the first trigger wins, later triggers are
// ignored.
type Supervisor struct {
	log   *zap.Logger
	grace time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	wg   sync.WaitGroup
}

// New builds a Supervisor with the default grace period.
func New(log *zap.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{log: log, grace: defaultGrace, ctx: ctx, cancel: cancel}
}

// Context is the process-wide context every task runs under. It is done
// once shutdown has been triggered.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Shutdown triggers the latching shutdown signal. Safe to call from any
// task; only the first call has effect.
func (s *Supervisor) Shutdown(reason string) {
	s.once.Do(func() {
		s.log.Info("shutdown signal received, stopping", zap.String("reason", reason))
		s.cancel()
	})
}

// Go starts fn as a supervised task. fn must return once its context is
// done.
func (s *Supervisor) Go(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("task started", zap.String("task", name))
		fn(s.ctx)
		s.log.Info("task stopped", zap.String("task", name))
	}()
}

// Wait blocks until shutdown is triggered by SIGINT, SIGTERM, a call to
// Shutdown, or (on platforms without robust signal delivery) a line read
// from standard input. It then waits for all tasks to finish, up to the
// grace period.
func (s *Supervisor) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if runtime.GOOS == "windows" {
		go s.watchStdin()
	}

	select {
	case sig := <-sigCh:
		s.Shutdown(sig.String())
	case <-s.ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all tasks stopped")
	case <-time.After(s.grace):
		s.log.Warn("grace period expired with tasks still running", zap.Duration("grace", s.grace))
	}
}

// watchStdin triggers shutdown when a full line is read from standard input;
// EOF or a read error leaves shutdown untriggered. Skipped entirely when stdin
// is not usable.
func (s *Supervisor) watchStdin() {
	if _, err := os.Stdin.Stat(); err != nil {
		return
	}
	rd := bufio.NewReader(os.Stdin)
	if _, err := rd.ReadString('\n'); err != nil {
		return
	}
	s.Shutdown("stdin")
}
