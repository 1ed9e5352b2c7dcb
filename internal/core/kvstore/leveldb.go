// Package kvstore implements core.DbClient on an embedded LevelDB database,
// with records encoded as CBOR. It serves single-node deployments and tests.
package kvstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/markdave123-py/docvault/internal/core"
)

const (
	keyPrefixChunk    = "chk/" // chunk record, followed by the chunk hash
	keyPrefixDocument = "doc/" // document record, followed by the document id
	keyPrefixVersion  = "ver/" // version record, followed by the version id
	keyPrefixManifest = "man/" // ordered manifest entries of one version
	keyPrefixDocIndex = "dvi/" // <document id>/<created nanos, 20 digits>/<version id> -> empty
	keyPrefixLegacy   = "leg/" // <created nanos, 20 digits>/<version id> of legacy versions -> empty
)

var _ core.DbClient = (*LevelDBClient)(nil)

// LevelDBClient stores metadata in LevelDB.
//
// Chunk inserts are lock-free: a chunk record is fully determined by its hash,
// so concurrent writers overwrite each other with equivalent records. mu
// serializes the read-validate-write sequences of the registry (version
// commits, migrations, flag flips) and garbage collection.
type LevelDBClient struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
	enc  cbor.EncMode
}

// Open opens or creates a LevelDB database at path.
func Open(path string) (*LevelDBClient, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		log.Warnf("LevelDB at %s is corrupted, attempting recovery", path)
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}

	log.Infof("Opened LevelDB at %s", path)

	return newClient(path, db)
}

// OpenMemory opens a LevelDB database backed by memory.
func OpenMemory() (*LevelDBClient, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newClient(":memory:", db)
}

func newClient(path string, db *leveldb.DB) (*LevelDBClient, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	return &LevelDBClient{path: path, db: db, enc: enc}, nil
}

func (l *LevelDBClient) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

func chunkKey(hash string) []byte { return []byte(keyPrefixChunk + hash) }
func documentKey(id string) []byte { return []byte(keyPrefixDocument + id) }
func versionKey(id string) []byte { return []byte(keyPrefixVersion + id) }
func manifestKey(id string) []byte { return []byte(keyPrefixManifest + id) }
func docIndexPrefix(docID string) []byte { return []byte(keyPrefixDocIndex + docID + "/") }

func docIndexKey(docID string, createdNanos int64, versionID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", keyPrefixDocIndex, docID, createdNanos, versionID))
}

func legacyKey(createdNanos int64, versionID string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", keyPrefixLegacy, createdNanos, versionID))
}

// getRecord loads and decodes the record at key. found is false when the key
// does not exist.
func (l *LevelDBClient) getRecord(key []byte, out any) (found bool, err error) {
	raw, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := cbor.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (l *LevelDBClient) marshal(v any) ([]byte, error) {
	return l.enc.Marshal(v)
}

func (l *LevelDBClient) has(key []byte) (bool, error) {
	return l.db.Has(key, nil)
}

// countPrefix counts keys under prefix.
func (l *LevelDBClient) countPrefix(prefix string) (int64, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var n int64
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

var syncWrite = &opt.WriteOptions{Sync: true}
