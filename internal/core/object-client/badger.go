package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"

	"github.com/markdave123-py/docvault/internal/core"
)

var _ core.BlobBackend = (*BadgerStore)(nil)

// BadgerStore keeps blobs in an embedded Badger database, keyed by blob path.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database at path. An empty path
// opens an in-memory database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // 100MB value log files
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}

	log.Infof("Opened Badger blob store at %q", path)

	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) Upload(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path), data)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w: %w", path, core.ErrStorageUnavailable, err)
	}
	return nil
}

func (b *BadgerStore) DownloadToStream(ctx context.Context, path string, sink io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			_, err := sink.Write(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("badger get %s: %w", path, core.ErrBlobNotFound)
	}
	if err != nil {
		return fmt.Errorf("badger get %s: %w", path, err)
	}
	return nil
}

func (b *BadgerStore) Exists(ctx context.Context, path string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(path))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *BadgerStore) TemporaryReadURL(ctx context.Context, path string, validity time.Duration) (string, error) {
	return "", fmt.Errorf("badger %s: %w", path, core.ErrURLUnsupported)
}

func (b *BadgerStore) Delete(ctx context.Context, path string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(path))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", path, err)
	}
	return nil
}
