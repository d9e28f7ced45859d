package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperbook/pkg/app/core/engine"
	"github.com/uhyunpark/hyperbook/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperbook/pkg/app/core/market"
	"github.com/uhyunpark/hyperbook/pkg/app/core/orderbook"
)

// Snapshot is everything needed to rebuild an engine
type Snapshot struct {
	State    market.StateV2
	Balances []ledger.Balance
	Nonces   map[common.Address]uint64
}

// legacyAdmin is the v1 configuration record stored under meta:admin
type legacyAdmin struct {
	Owner           common.Address
	FeeTo           common.Address
	FeeBPS          uint64
	MatchingEnabled bool
	BuyEnabled      bool
}

// PebbleStore persists market state; each engine operation lands as one batch
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Commit writes one operation's changes atomically
func (s *PebbleStore) Commit(cs engine.ChangeSet) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, o := range cs.Orders {
		val, err := encodeGob(o)
		if err != nil {
			return fmt.Errorf("encode order %d: %w", o.ID, err)
		}
		if err := b.Set(orderKey(o.ID), val, nil); err != nil {
			return err
		}
	}
	for _, id := range cs.DeletedOrders {
		if err := b.Delete(orderKey(id), nil); err != nil {
			return err
		}
	}
	for _, bal := range cs.Balances {
		key := balanceKey(bal.Asset, bal.Account)
		if bal.Amount.IsZero() {
			if err := b.Delete(key, nil); err != nil {
				return err
			}
			continue
		}
		if err := b.Set(key, encodeAmount(&bal.Amount), nil); err != nil {
			return err
		}
	}
	for acct, n := range cs.Nonces {
		if err := b.Set(nonceKey(acct), encodeUint64(n), nil); err != nil {
			return err
		}
	}
	if cs.Admin != nil {
		val, err := encodeGob(cs.Admin)
		if err != nil {
			return fmt.Errorf("encode admin: %w", err)
		}
		if err := b.Set(adminKey(), val, nil); err != nil {
			return err
		}
	}
	if err := b.Set(lastIDKey(), encodeUint64(cs.LastID), nil); err != nil {
		return err
	}
	if err := b.Set(versionKey(), encodeUint64(market.StateV2Version), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Version returns the stored layout version, 0 for an empty store
func (s *PebbleStore) Version() (uint64, error) {
	v, ok, err := s.getUint64(versionKey())
	if err != nil || !ok {
		return 0, err
	}
	return v, nil
}

// Load reads the full market state. A v1 store is migrated and rewritten first.
// ok is false when the store has never been written
func (s *PebbleStore) Load() (snap Snapshot, ok bool, err error) {
	version, err := s.Version()
	if err != nil {
		return Snapshot{}, false, err
	}
	switch version {
	case 0:
		return Snapshot{}, false, nil
	case market.StateV1Version:
		if err := s.migrateV1(); err != nil {
			return Snapshot{}, false, fmt.Errorf("migrate v1 state: %w", err)
		}
	case market.StateV2Version:
	default:
		return Snapshot{}, false, fmt.Errorf("unknown state version %d", version)
	}

	var admin market.Admin
	if err := s.getGob(adminKey(), &admin); err != nil {
		return Snapshot{}, false, fmt.Errorf("load admin: %w", err)
	}
	if admin.MinSell == nil {
		admin.MinSell = make(map[common.Address]uint256.Int)
	}
	lastID, _, err := s.getUint64(lastIDKey())
	if err != nil {
		return Snapshot{}, false, err
	}

	var orders []orderbook.Order
	err = s.scan(prefixOrder, func(key, val []byte) error {
		var o orderbook.Order
		if err := decodeGob(val, &o); err != nil {
			return fmt.Errorf("decode order %s: %w", key, err)
		}
		orders = append(orders, o)
		return nil
	})
	if err != nil {
		return Snapshot{}, false, err
	}

	balances, err := s.loadBalances()
	if err != nil {
		return Snapshot{}, false, err
	}
	nonces, err := s.loadNonces()
	if err != nil {
		return Snapshot{}, false, err
	}

	return Snapshot{
		State:    market.StateV2{Admin: &admin, LastID: lastID, Orders: orders},
		Balances: balances,
		Nonces:   nonces,
	}, true, nil
}

// WriteV1 stores a market in the legacy layout (imports from the previous deployment)
func (s *PebbleStore) WriteV1(v1 market.StateV1, balances []ledger.Balance) error {
	b := s.db.NewBatch()
	defer b.Close()

	val, err := encodeGob(legacyAdmin{
		Owner:           v1.Owner,
		FeeTo:           v1.FeeTo,
		FeeBPS:          v1.FeeBPS,
		MatchingEnabled: v1.MatchingEnabled,
		BuyEnabled:      v1.BuyEnabled,
	})
	if err != nil {
		return err
	}
	if err := b.Set(adminKey(), val, nil); err != nil {
		return err
	}
	for _, o := range v1.Orders {
		val, err := encodeGob(o)
		if err != nil {
			return err
		}
		if err := b.Set(orderKey(o.ID), val, nil); err != nil {
			return err
		}
	}
	for _, bal := range balances {
		if err := b.Set(balanceKey(bal.Asset, bal.Account), encodeAmount(&bal.Amount), nil); err != nil {
			return err
		}
	}
	if err := b.Set(lastIDKey(), encodeUint64(v1.LastID), nil); err != nil {
		return err
	}
	if err := b.Set(versionKey(), encodeUint64(market.StateV1Version), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// migrateV1 rewrites the legacy admin and order records in the current layout
func (s *PebbleStore) migrateV1() error {
	var la legacyAdmin
	if err := s.getGob(adminKey(), &la); err != nil {
		return fmt.Errorf("load legacy admin: %w", err)
	}
	lastID, _, err := s.getUint64(lastIDKey())
	if err != nil {
		return err
	}
	v1 := market.StateV1{
		Owner:           la.Owner,
		FeeTo:           la.FeeTo,
		FeeBPS:          la.FeeBPS,
		MatchingEnabled: la.MatchingEnabled,
		BuyEnabled:      la.BuyEnabled,
		LastID:          lastID,
	}
	err = s.scan(prefixOrder, func(key, val []byte) error {
		var o market.OrderV1
		if err := decodeGob(val, &o); err != nil {
			return fmt.Errorf("decode legacy order %s: %w", key, err)
		}
		v1.Orders = append(v1.Orders, o)
		return nil
	})
	if err != nil {
		return err
	}

	v2 := market.MigrateV1ToV2(v1)
	return s.Commit(engine.ChangeSet{
		Orders: v2.Orders,
		Admin:  v2.Admin,
		LastID: v2.LastID,
	})
}

func (s *PebbleStore) loadBalances() ([]ledger.Balance, error) {
	var out []ledger.Balance
	err := s.scan(prefixBalance, func(key, val []byte) error {
		asset, account, err := balanceSlotFromKey(key)
		if err != nil {
			return err
		}
		amt, err := decodeAmount(val)
		if err != nil {
			return fmt.Errorf("decode balance %s: %w", key, err)
		}
		out = append(out, ledger.Balance{Key: ledger.Key{Asset: asset, Account: account}, Amount: amt})
		return nil
	})
	return out, err
}

func (s *PebbleStore) loadNonces() (map[common.Address]uint64, error) {
	out := make(map[common.Address]uint64)
	err := s.scan(prefixNonce, func(key, val []byte) error {
		acct, err := nonceAccountFromKey(key)
		if err != nil {
			return err
		}
		n, err := decodeUint64(val)
		if err != nil {
			return err
		}
		out[acct] = n
		return nil
	})
	return out, err
}

func (s *PebbleStore) scan(prefix string, fn func(key, val []byte) error) error {
	lower := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) getUint64(key []byte) (uint64, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	v, err := decodeUint64(val)
	return v, err == nil, err
}

func (s *PebbleStore) getGob(key []byte, v any) error {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return err
	}
	defer closer.Close()
	return decodeGob(val, v)
}

var _ engine.Committer = (*PebbleStore)(nil)
