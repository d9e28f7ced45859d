package dex

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// computeStateHash is a keccak256 digest over the full market state.
// Caller holds mu.
//
// Components, in order:
//  1. Admin: owner, feeTo, both fee rates, flags, dust floors sorted by asset
//  2. Last assigned order id
//  3. Live orders sorted by id
//  4. Ledger balances sorted by (asset, account)
//  5. Nonces sorted by account
//
// Block height is not part of the digest; the same transactions give the same
// hash however they were batched
func (a *App) computeStateHash() common.Hash {
	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	putUint64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	putBool := func(v bool) {
		if v {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}

	st := a.engine.State()
	adm := st.Admin
	h.Write(adm.Owner.Bytes())
	h.Write(adm.FeeTo.Bytes())
	putUint64(adm.ProtocolFeeBPS)
	putUint64(adm.MakerFeeBPS)
	putBool(adm.MatchingEnabled)
	putBool(adm.BuyEnabled)
	assets := make([]common.Address, 0, len(adm.MinSell))
	for asset := range adm.MinSell {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool { return bytes.Compare(assets[i][:], assets[j][:]) < 0 })
	for _, asset := range assets {
		v := adm.MinSell[asset]
		h.Write(asset.Bytes())
		b := v.Bytes32()
		h.Write(b[:])
	}

	putUint64(st.LastID)

	// All() is already sorted by id
	for _, o := range st.Orders {
		putUint64(o.ID)
		pay, buy := o.PayAmt.Bytes32(), o.BuyAmt.Bytes32()
		h.Write(pay[:])
		h.Write(o.PayGem.Bytes())
		h.Write(buy[:])
		h.Write(o.BuyGem.Bytes())
		h.Write(o.Owner.Bytes())
		h.Write(o.Recipient.Bytes())
		putUint64(uint64(o.Timestamp))
	}

	balances := a.engine.Balances()
	sort.Slice(balances, func(i, j int) bool {
		if c := bytes.Compare(balances[i].Asset[:], balances[j].Asset[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(balances[i].Account[:], balances[j].Account[:]) < 0
	})
	for _, b := range balances {
		h.Write(b.Asset.Bytes())
		h.Write(b.Account.Bytes())
		amt := b.Amount.Bytes32()
		h.Write(amt[:])
	}

	nonces := a.engine.Nonces()
	accounts := make([]common.Address, 0, len(nonces))
	for acct := range nonces {
		accounts = append(accounts, acct)
	}
	sort.Slice(accounts, func(i, j int) bool { return bytes.Compare(accounts[i][:], accounts[j][:]) < 0 })
	for _, acct := range accounts {
		h.Write(acct.Bytes())
		putUint64(nonces[acct])
	}

	var out common.Hash
	h.Sum(out[:0])
	return out
}
