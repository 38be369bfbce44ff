package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// PendingTxStore is an in-process pending-transaction journal.
type PendingTxStore struct {
	mu  sync.Mutex
	txs map[domain.TxHash]domain.PendingTx
}

func NewPendingTxStore() *PendingTxStore {
	return &PendingTxStore{txs: make(map[domain.TxHash]domain.PendingTx)}
}

func (s *PendingTxStore) Add(_ context.Context, tx domain.PendingTx) error {
	s.mu.Lock()
	s.txs[tx.Hash] = tx
	s.mu.Unlock()
	return nil
}

func (s *PendingTxStore) Get(_ context.Context, hash domain.TxHash) (domain.PendingTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[hash]
	if !ok {
		return domain.PendingTx{}, fmt.Errorf("memory: pending tx %s: %w", hash, domain.ErrNotFound)
	}
	return tx, nil
}

func (s *PendingTxStore) List(context.Context) ([]domain.PendingTx, error) {
	s.mu.Lock()
	out := make([]domain.PendingTx, 0, len(s.txs))
	for _, tx := range s.txs {
		out = append(out, tx)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b domain.PendingTx) int { return a.SubmittedAt.Compare(b.SubmittedAt) })
	return out, nil
}

func (s *PendingTxStore) Remove(_ context.Context, hash domain.TxHash) error {
	s.mu.Lock()
	delete(s.txs, hash)
	s.mu.Unlock()
	return nil
}

// AuditStore keeps audit entries in memory.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func NewAuditStore() *AuditStore { return &AuditStore{} }

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries)) + 1,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	s.mu.Unlock()
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	out := slices.Clone(s.entries)
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b domain.AuditEntry) int { return cmp.Compare(b.ID, a.ID) })
	out = slices.DeleteFunc(out, func(e domain.AuditEntry) bool {
		return (opts.Since != nil && e.CreatedAt.Before(*opts.Since)) ||
			(opts.Until != nil && !e.CreatedAt.Before(*opts.Until))
	})
	if opts.Offset > 0 {
		out = out[min(opts.Offset, len(out)):]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

var (
	_ domain.PendingTxStore = (*PendingTxStore)(nil)
	_ domain.AuditStore     = (*AuditStore)(nil)
)
