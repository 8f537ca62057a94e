package spool

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"m365proxy/mailtranslate"
)

// Sender is Mailbox Operations' send verb, as consumed by the Spool Worker.
type Sender interface {
	Send(ctx context.Context, mailFrom string, rcptTos []string, raw []byte, pm *mailtranslate.ParsedMessage) error
}

// Worker is the Spool Worker: periodically drains the Spool,
// retrying each pending submission through Mailbox Operations.send.
type Worker struct {
	spool    *Spool
	sender   Sender
	interval time.Duration
	log      *zap.Logger
}

// NewWorker builds a Worker that drains sp every interval (spec default 5
// minutes).
func NewWorker(sp *Spool, sender Sender, interval time.Duration, log *zap.Logger) *Worker {
	return &Worker{spool: sp, sender: sender, interval: interval, log: log}
}

// Run drains the spool immediately, then on every tick, until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.drainOnce(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	stems, err := w.spool.pendingStems(ctx)
	if err != nil {
		w.log.Error("spool: scan failed", zap.Error(err))
		return
	}
	for _, stem := range stems {
		if ctx.Err() != nil {
			return
		}
		w.processOne(ctx, stem)
	}
}

// processOne implements one Spool Worker iteration step: an
// orphaned .meta.json (no matching .eml) is removed as corrupt; otherwise
// the entry is retried and only removed on success.
func (w *Worker) processOne(ctx context.Context, stem string) {
	metaBytes, err := w.spool.storage.Get(ctx, stem+metaSuffix)
	if err != nil {
		return
	}

	raw, err := w.spool.storage.Get(ctx, stem+emlSuffix)
	if err != nil {
		w.log.Warn("spool: removing orphaned metadata with no matching message", zap.String("stem", stem))
		_ = w.spool.storage.Delete(ctx, stem+metaSuffix)
		return
	}

	var entry Entry
	if err := json.Unmarshal(metaBytes, &entry); err != nil {
		w.log.Error("spool: corrupt metadata, leaving entry", zap.String("stem", stem), zap.Error(err))
		return
	}

	pm, err := mailtranslate.Parse(raw)
	if err != nil {
		w.log.Error("spool: failed to parse spooled message, leaving entry", zap.String("stem", stem), zap.Error(err))
		return
	}

	if err := w.sender.Send(ctx, entry.MailFrom, entry.RcptTos, raw, pm); err != nil {
		w.log.Warn("spool: retry failed, leaving entry", zap.String("stem", stem), zap.Error(err))
		return
	}

	_ = w.spool.storage.Delete(ctx, stem+emlSuffix)
	_ = w.spool.storage.Delete(ctx, stem+metaSuffix)
}
