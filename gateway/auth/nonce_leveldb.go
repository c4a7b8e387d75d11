package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Keys are fixed-width binary so records decode by offset:
//
//	seen:  's' | signer(20) | timestamp(8) | nonce   -> observed unix nanos
//	index: 'o' | observed(8) | signer(20) | timestamp(8) | nonce -> empty
const (
	seenPrefix  byte = 's'
	indexPrefix byte = 'o'

	signerLen    = 20
	seenHeader   = 1 + signerLen + 8
	indexHeader  = 1 + 8 + signerLen + 8
	nanosOffset  = 1
	signerOffset = 1 + 8
)

// LevelDBNonceStore persists signer nonces in LevelDB so replay protection
// survives restarts. Entries are indexed by observation time for pruning.
type LevelDBNonceStore struct {
	db *leveldb.DB
}

var _ NoncePersistence = (*LevelDBNonceStore)(nil)

// OpenLevelDBNonceStore opens (or creates) the nonce database at path.
func OpenLevelDBNonceStore(path string) (*LevelDBNonceStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &LevelDBNonceStore{db: db}, nil
}

// Close releases the database.
func (s *LevelDBNonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureNonce records first use of a nonce and reports whether it had been
// seen before. A repeated sighting moves the entry forward in the index so
// it is retained for another TTL.
func (s *LevelDBNonceStore) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("nonce store not open")
	}
	if record.Signer == ([signerLen]byte{}) || record.Timestamp <= 0 || record.Nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	nanos := observed.UnixNano()

	seen := seenKey(record)
	raw, err := s.db.Get(seen, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	case len(raw) != 8:
		return false, fmt.Errorf("corrupt nonce entry for %x", record.Signer)
	default:
		previous := int64(binary.BigEndian.Uint64(raw))
		if nanos > previous {
			batch := new(leveldb.Batch)
			batch.Put(seen, nanosBytes(nanos))
			batch.Delete(indexKey(previous, record))
			batch.Put(indexKey(nanos, record), nil)
			if err := s.db.Write(batch, nil); err != nil {
				return false, fmt.Errorf("refresh nonce: %w", err)
			}
		}
		return true, nil
	}

	batch := new(leveldb.Batch)
	batch.Put(seen, nanosBytes(nanos))
	batch.Put(indexKey(nanos, record), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns the nonces observed at or after cutoff, oldest first.
func (s *LevelDBNonceStore) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("nonce store not open")
	}
	iter := s.db.NewIterator(&util.Range{Start: indexBound(cutoff), Limit: []byte{indexPrefix + 1}}, nil)
	defer iter.Release()

	var records []NonceRecord
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, ok := decodeIndexKey(iter.Key())
		if !ok {
			continue
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes every nonce observed before cutoff.
func (s *LevelDBNonceStore) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("nonce store not open")
	}
	iter := s.db.NewIterator(&util.Range{Start: []byte{indexPrefix}, Limit: indexBound(cutoff)}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, ok := decodeIndexKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(bytes.Clone(iter.Key()))
		batch.Delete(seenKey(record))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func seenKey(record NonceRecord) []byte {
	key := make([]byte, seenHeader, seenHeader+len(record.Nonce))
	key[0] = seenPrefix
	copy(key[1:], record.Signer[:])
	binary.BigEndian.PutUint64(key[1+signerLen:], uint64(record.Timestamp))
	return append(key, record.Nonce...)
}

func indexKey(nanos int64, record NonceRecord) []byte {
	key := make([]byte, indexHeader, indexHeader+len(record.Nonce))
	key[0] = indexPrefix
	binary.BigEndian.PutUint64(key[nanosOffset:], uint64(nanos))
	copy(key[signerOffset:], record.Signer[:])
	binary.BigEndian.PutUint64(key[signerOffset+signerLen:], uint64(record.Timestamp))
	return append(key, record.Nonce...)
}

// indexBound is the smallest index key observed at t.
func indexBound(t time.Time) []byte {
	key := make([]byte, 1+8)
	key[0] = indexPrefix
	binary.BigEndian.PutUint64(key[nanosOffset:], uint64(t.UnixNano()))
	return key
}

func decodeIndexKey(key []byte) (NonceRecord, bool) {
	if len(key) <= indexHeader || key[0] != indexPrefix {
		return NonceRecord{}, false
	}
	var record NonceRecord
	record.ObservedAt = time.Unix(0, int64(binary.BigEndian.Uint64(key[nanosOffset:]))).UTC()
	copy(record.Signer[:], key[signerOffset:signerOffset+signerLen])
	record.Timestamp = int64(binary.BigEndian.Uint64(key[signerOffset+signerLen:]))
	record.Nonce = string(key[indexHeader:])
	return record, true
}

func nanosBytes(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
