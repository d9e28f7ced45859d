package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// BlockRecord is one finalized block. Body holds the app-encoded receipts
type BlockRecord struct {
	Height    int64
	Time      time.Time
	StateHash common.Hash
	TxCount   int
	Body      []byte
}

// SaveBlock advances the stored height and, for blocks that carried
// transactions, keeps the record. Both land in one batch
func (s *PebbleStore) SaveBlock(r BlockRecord) error {
	if r.Height <= 0 {
		return fmt.Errorf("invalid block height %d", r.Height)
	}
	b := s.db.NewBatch()
	defer b.Close()

	if r.TxCount > 0 {
		val, err := encodeGob(r)
		if err != nil {
			return fmt.Errorf("encode block %d: %w", r.Height, err)
		}
		if err := b.Set(blockKey(r.Height), val, nil); err != nil {
			return err
		}
	}
	if err := b.Set(heightKey(), encodeUint64(uint64(r.Height)), nil); err != nil {
		return err
	}
	return b.Commit(pebble.NoSync)
}

// Block returns the record at height; ok is false for empty or unknown blocks
func (s *PebbleStore) Block(height int64) (r BlockRecord, ok bool, err error) {
	err = s.getGob(blockKey(height), &r)
	if errors.Is(err, pebble.ErrNotFound) {
		return BlockRecord{}, false, nil
	}
	if err != nil {
		return BlockRecord{}, false, fmt.Errorf("load block %d: %w", height, err)
	}
	return r, true, nil
}

// LatestHeight is the last height passed to SaveBlock, 0 for a new store
func (s *PebbleStore) LatestHeight() (int64, error) {
	h, _, err := s.getUint64(heightKey())
	return int64(h), err
}
