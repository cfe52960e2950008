package domain

import (
	"context"
	"sync"
)

type ledgerLogKey struct{}

// LedgerLog collects the types of ledger rows appended inside one
// transaction. The owner of the transaction reads it after commit.
type LedgerLog struct {
	mu    sync.Mutex
	types []TransactionType
}

func WithLedgerLog(ctx context.Context) (context.Context, *LedgerLog) {
	log := &LedgerLog{}
	return context.WithValue(ctx, ledgerLogKey{}, log), log
}

func LedgerLogFrom(ctx context.Context) *LedgerLog {
	log, _ := ctx.Value(ledgerLogKey{}).(*LedgerLog)
	return log
}

func (l *LedgerLog) Add(txType TransactionType) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.types = append(l.types, txType)
	l.mu.Unlock()
}

func (l *LedgerLog) Types() []TransactionType {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TransactionType(nil), l.types...)
}
