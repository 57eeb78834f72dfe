package eventstore

import (
	"context"

	"example.com/backstage/eventcore/internal/domain"
)

// Iterator walks the records of a stream in version order
type Iterator struct {
	nextFunc  func(ctx context.Context) (*domain.Record, error)
	closeFunc func() error
	current   *domain.Record
	err       error
	closed    bool
}

// NewIterator creates an Iterator from a function producing the next record.
// next returns (nil, nil) when exhausted. close may be nil.
func NewIterator(next func(ctx context.Context) (*domain.Record, error), close func() error) *Iterator {
	return &Iterator{nextFunc: next, closeFunc: close}
}

// SliceIterator iterates over records already in memory
func SliceIterator(records []domain.Record) *Iterator {
	i := 0
	return NewIterator(func(ctx context.Context) (*domain.Record, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i >= len(records) {
			return nil, nil
		}
		rec := records[i]
		i++
		return &rec, nil
	}, nil)
}

// Next advances the iterator. It returns false when done or on error.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil || it.closed {
		return false
	}
	it.current, it.err = it.nextFunc(ctx)
	if it.current == nil || it.err != nil {
		if cerr := it.Close(); cerr != nil && it.err == nil {
			it.err = cerr
		}
		return false
	}
	return true
}

// Record returns the current record
func (it *Iterator) Record() *domain.Record {
	return it.current
}

// Err returns the error that stopped iteration, if any
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the underlying cursor. It is safe to call more than once.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.closeFunc != nil {
		return it.closeFunc()
	}
	return nil
}

// All consumes the iterator
func (it *Iterator) All(ctx context.Context) ([]domain.Record, error) {
	defer it.Close()
	var records []domain.Record
	for it.Next(ctx) {
		records = append(records, *it.Record())
	}
	return records, it.Err()
}
