// Package spool is the Spool: a filesystem-backed (or S3-backed,
// via vault.Storage) store-and-forward queue for submissions that could not
// be delivered immediately.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"m365proxy/vault"
)

const (
	emlSuffix  = ".eml"
	metaSuffix = ".meta.json"
)

// Entry is one Spool Entry's sidecar metadata.
type Entry struct {
	MailFrom string   `json:"mail_from"`
	RcptTos  []string `json:"rcpt_tos"`
}

// Spool enqueues undeliverable submissions and lists pending ones for the
// Spool Worker, storing each as a stem.eml/stem.meta.json pair under a
// vault.Storage backend.
type Spool struct {
	storage vault.Storage
}

// New builds a Spool over storage.
func New(storage vault.Storage) *Spool {
	return &Spool{storage: storage}
}

// Enqueue adds one undeliverable submission: the next stem is assigned by
// counting existing *.meta.json entries, then the .eml and .meta.json
// sidecar are both written.
func (s *Spool) Enqueue(ctx context.Context, mailFrom string, rcptTos []string, raw []byte) error {
	n, err := s.countPending(ctx)
	if err != nil {
		return fmt.Errorf("spool: count pending: %w", err)
	}
	stem := fmt.Sprintf("mail_%04d", n)

	if err := s.storage.Put(ctx, stem+emlSuffix, raw); err != nil {
		return fmt.Errorf("spool: write %s: %w", stem+emlSuffix, err)
	}

	meta, err := json.Marshal(Entry{MailFrom: mailFrom, RcptTos: rcptTos})
	if err != nil {
		return fmt.Errorf("spool: marshal metadata: %w", err)
	}
	if err := s.storage.Put(ctx, stem+metaSuffix, meta); err != nil {
		_ = s.storage.Delete(ctx, stem+emlSuffix)
		return fmt.Errorf("spool: write %s: %w", stem+metaSuffix, err)
	}

	return nil
}

func (s *Spool) countPending(ctx context.Context) (int, error) {
	keys, err := s.storage.List(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if strings.HasSuffix(k, metaSuffix) {
			n++
		}
	}
	return n, nil
}

// pendingStems returns the stem of every *.meta.json entry, in ascending
// lexical order, so the worker drains oldest-first.
func (s *Spool) pendingStems(ctx context.Context) ([]string, error) {
	keys, err := s.storage.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var stems []string
	for _, k := range keys {
		if strings.HasSuffix(k, metaSuffix) {
			stems = append(stems, strings.TrimSuffix(k, metaSuffix))
		}
	}
	sort.Strings(stems)
	return stems, nil
}
