// Package boltstore persists the operation queue in a local bbolt file,
// so queued mutations survive process restarts.
//
// Layout: the operations bucket maps the big-endian auto-increment id
// to the JSON record; the unsynced bucket is an index holding only ids
// still waiting for replay, which keeps restart-time pending scans from
// walking synced history; the failed bucket is the dead-letter store.
package boltstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/reportive/synckit/pkg/queue"
)

var (
	opsBucket      = []byte("operations")
	unsyncedBucket = []byte("unsynced")
	failedBucket   = []byte("failed")
)

var ErrNotFound = errors.New("boltstore: operation not found")

type Store struct {
	db *bbolt.DB
}

// Open creates or opens the queue database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: failed to open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{opsBucket, unsyncedBucket, failedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func itob(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func (s *Store) Append(ctx context.Context, op *queue.Operation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ops := tx.Bucket(opsBucket)

		id, err := ops.NextSequence()
		if err != nil {
			return fmt.Errorf("boltstore: failed to allocate id: %w", err)
		}
		op.ID = id

		data, err := marshalOp(op)
		if err != nil {
			return err
		}
		if err := ops.Put(itob(id), data); err != nil {
			return fmt.Errorf("boltstore: failed to save operation: %w", err)
		}
		if err := tx.Bucket(unsyncedBucket).Put(itob(id), nil); err != nil {
			return fmt.Errorf("boltstore: failed to index operation: %w", err)
		}
		return nil
	})
}

func (s *Store) Pending(ctx context.Context) ([]*queue.Operation, error) {
	var out []*queue.Operation

	err := s.db.View(func(tx *bbolt.Tx) error {
		ops := tx.Bucket(opsBucket)
		// Cursor order over the index is ascending id, which is enqueue
		// order.
		return tx.Bucket(unsyncedBucket).ForEach(func(k, _ []byte) error {
			data := ops.Get(k)
			if data == nil {
				return nil
			}
			op, err := unmarshalOp(data)
			if err != nil {
				return err
			}
			out = append(out, op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(unsyncedBucket).Stats().KeyN
		return nil
	})
	return count, err
}

// mutate loads an operation, applies fn and writes it back, all in one
// transaction.
func (s *Store) mutate(id uint64, fn func(op *queue.Operation) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ops := tx.Bucket(opsBucket)
		data := ops.Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		op, err := unmarshalOp(data)
		if err != nil {
			return err
		}
		if err := fn(op); err != nil {
			return err
		}
		updated, err := marshalOp(op)
		if err != nil {
			return err
		}
		if err := ops.Put(itob(id), updated); err != nil {
			return fmt.Errorf("boltstore: failed to update operation: %w", err)
		}
		if op.Status != queue.StatusQueued {
			if err := tx.Bucket(unsyncedBucket).Delete(itob(id)); err != nil {
				return fmt.Errorf("boltstore: failed to unindex operation: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) MarkSynced(ctx context.Context, id uint64, at time.Time) error {
	return s.mutate(id, func(op *queue.Operation) error {
		op.Status = queue.StatusSynced
		op.SyncedAt = &at
		return nil
	})
}

func (s *Store) MarkConflicted(ctx context.Context, id uint64) error {
	return s.mutate(id, func(op *queue.Operation) error {
		op.Status = queue.StatusConflicted
		return nil
	})
}

func (s *Store) UpdateRetryCount(ctx context.Context, id uint64, retryCount int) error {
	return s.mutate(id, func(op *queue.Operation) error {
		op.RetryCount = retryCount
		return nil
	})
}

func (s *Store) MoveToFailed(ctx context.Context, id uint64, reason string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ops := tx.Bucket(opsBucket)
		key := itob(id)
		data := ops.Get(key)
		if data == nil {
			return ErrNotFound
		}
		op, err := unmarshalOp(data)
		if err != nil {
			return err
		}

		failed, err := marshalFailed(&queue.FailedOperation{
			Operation: *op,
			Reason:    reason,
			FailedAt:  at,
		})
		if err != nil {
			return err
		}
		if err := tx.Bucket(failedBucket).Put(key, failed); err != nil {
			return fmt.Errorf("boltstore: failed to record dead letter: %w", err)
		}
		if err := ops.Delete(key); err != nil {
			return fmt.Errorf("boltstore: failed to delete operation: %w", err)
		}
		if err := tx.Bucket(unsyncedBucket).Delete(key); err != nil {
			return fmt.Errorf("boltstore: failed to unindex operation: %w", err)
		}
		return nil
	})
}

func (s *Store) Failed(ctx context.Context) ([]*queue.FailedOperation, error) {
	var out []*queue.FailedOperation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(failedBucket).ForEach(func(_, v []byte) error {
			f, err := unmarshalFailed(v)
			if err != nil {
				return err
			}
			out = append(out, f)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ops := tx.Bucket(opsBucket)
		c := ops.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			op, err := unmarshalOp(v)
			if err != nil {
				return err
			}
			if op.Status == queue.StatusSynced && op.SyncedAt != nil && op.SyncedAt.Before(before) {
				if err := c.Delete(); err != nil {
					return fmt.Errorf("boltstore: failed to purge operation: %w", err)
				}
				purged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}
