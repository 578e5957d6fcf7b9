// Package store persists refund requests. Requests are never deleted;
// terminal requests stay for audit.
package store

import (
	"context"
	"errors"

	"github.com/punchamoorthee/refundops/internal/domain"
)

var ErrNotFound = errors.New("refund request not found")

// RefundStore is implemented by MemoryStore and PostgresStore.
//
// Update runs fn against the current record under the store's row lock and
// persists the result only if fn returns nil. The record handed to fn is a
// private copy.
type RefundStore interface {
	Insert(ctx context.Context, r *domain.RefundRequest) (int64, error)
	Get(ctx context.Context, id int64) (*domain.RefundRequest, error)
	Update(ctx context.Context, id int64, fn func(r *domain.RefundRequest) error) (*domain.RefundRequest, error)
	List(ctx context.Context, f domain.Filter) (domain.Page, error)
	Stats(ctx context.Context) (domain.Stats, error)
}
