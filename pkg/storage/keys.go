package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Market key schema for Pebble storage
//
//   meta:version                 → state layout version (uint64)
//   meta:admin                   → market configuration (gob)
//   meta:lastid                  → last assigned order id (uint64)
//   ord:<id, 20 digits>          → order record (gob; layout depends on version)
//   bal:<asset>:<account>        → balance (32-byte big-endian)
//   nonce:<account>              → next expected signer nonce (uint64)
//   meta:height                  → last finalized block height (uint64)
//   blk:<height, 20 digits>      → block record (gob), non-empty blocks only

// Key prefixes
const (
	prefixMeta    = "meta:"
	prefixOrder   = "ord:"
	prefixBalance = "bal:"
	prefixNonce   = "nonce:"
	prefixBlock   = "blk:"
)

func versionKey() []byte { return []byte(prefixMeta + "version") }
func adminKey() []byte   { return []byte(prefixMeta + "admin") }
func lastIDKey() []byte  { return []byte(prefixMeta + "lastid") }
func heightKey() []byte  { return []byte(prefixMeta + "height") }

func blockKey(height int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixBlock, height))
}

// orderKey returns the key for an order
// Format: "ord:{id}" with the id zero-padded so keys sort by id
// Example: "ord:00000000000000000042"
func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

// balanceKey returns the key for one balance slot
// Format: "bal:{asset}:{account}"
func balanceKey(asset, account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, asset.Hex(), account.Hex()))
}

// nonceKey returns the key for an account nonce
// Format: "nonce:{account}"
func nonceKey(account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixNonce, account.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "bal:" -> upper bound "bal;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// orderIDFromKey is the inverse of orderKey
func orderIDFromKey(key []byte) (uint64, error) {
	s := strings.TrimPrefix(string(key), prefixOrder)
	return strconv.ParseUint(s, 10, 64)
}

// balanceSlotFromKey is the inverse of balanceKey
func balanceSlotFromKey(key []byte) (asset, account common.Address, err error) {
	parts := strings.Split(strings.TrimPrefix(string(key), prefixBalance), ":")
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
		return common.Address{}, common.Address{}, fmt.Errorf("invalid balance key: %s", key)
	}
	return common.HexToAddress(parts[0]), common.HexToAddress(parts[1]), nil
}

// nonceAccountFromKey is the inverse of nonceKey
func nonceAccountFromKey(key []byte) (common.Address, error) {
	addrHex := strings.TrimPrefix(string(key), prefixNonce)
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, fmt.Errorf("invalid address in key: %s", addrHex)
	}
	return common.HexToAddress(addrHex), nil
}
