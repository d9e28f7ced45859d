package dex

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperbook/pkg/app/core/engine"
	"github.com/uhyunpark/hyperbook/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperbook/pkg/app/core/market"
	"github.com/uhyunpark/hyperbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperbook/pkg/app/core/query"
)

// Read-only views. Each takes the read lock for its whole duration

func (a *App) Offer(id uint64) (orderbook.Order, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine.GetOffer(id)
}

func (a *App) IsActive(id uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine.IsActive(id)
}

func (a *App) Book(asset, quote common.Address) query.Book {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.query.BookFromPair(asset, quote)
}

func (a *App) Depth(pay, buy common.Address) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.query.Depth(pay, buy)
}

func (a *App) BestOffer(pay, buy common.Address) (uint64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.query.BestOffer(pay, buy)
}

func (a *App) MakerBalance(asset common.Address, quotes []common.Address, maker common.Address) query.MakerBalance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.query.MakerBalance(asset, quotes, maker)
}

func (a *App) MakerBalanceInPair(asset, quote, maker common.Address) uint256.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.query.MakerBalanceInPair(asset, quote, maker)
}

func (a *App) BalanceOf(asset, account common.Address) uint256.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine.BalanceOf(asset, account)
}

// AccountBalances returns every non-zero free balance held by account
func (a *App) AccountBalances(account common.Address) []ledger.Balance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []ledger.Balance
	for _, b := range a.engine.Balances() {
		if b.Account == account {
			out = append(out, b)
		}
	}
	return out
}

func (a *App) Nonce(account common.Address) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine.Nonce(account)
}

func (a *App) Admin() *market.Admin {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine.Admin()
}

func (a *App) MarketAddress() common.Address { return a.engine.MarketAddress() }

// BuyQuote is what selling payAmt of payGem would return right now
type BuyQuote struct {
	Gross uint256.Int // before fees
	Net   uint256.Int // after fees
}

func (a *App) QuoteBuy(payGem, buyGem common.Address, payAmt *uint256.Int) (BuyQuote, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	gross, err := a.engine.GetBuyAmount(payGem, buyGem, payAmt)
	if err != nil {
		return BuyQuote{}, err
	}
	net, err := a.engine.GetBuyAmountWithFee(payGem, buyGem, payAmt)
	if err != nil {
		return BuyQuote{}, err
	}
	return BuyQuote{Gross: gross, Net: net}, nil
}

// QuotePay is what buying buyAmt of buyGem (before fees) would cost right now
func (a *App) QuotePay(payGem, buyGem common.Address, buyAmt *uint256.Int) (uint256.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine.GetPayAmount(payGem, buyGem, buyAmt)
}

func (a *App) AmountAfterFee(amount *uint256.Int) (uint256.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine.CalcAmountAfterFee(amount)
}

func (a *App) Height() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.height
}

func (a *App) StateHash() common.Hash {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stateHash
}

func (a *App) PendingTxs() int { return a.mempool.Len() }

func (a *App) OfferCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine.OfferCount()
}

var _ query.Source = (*engine.Engine)(nil)

// StoredBlock reads a finalized block from the block log. ok is false for
// blocks without transactions, unknown heights, or when no log is attached
func (a *App) StoredBlock(height int64) (Block, bool, error) {
	a.mu.RLock()
	l := a.blocks
	a.mu.RUnlock()
	if l == nil {
		return Block{}, false, nil
	}
	rec, ok, err := l.Block(height)
	if err != nil || !ok {
		return Block{}, false, err
	}
	blk := Block{Height: rec.Height, Time: rec.Time, StateHash: rec.StateHash}
	if err := json.Unmarshal(rec.Body, &blk.Receipts); err != nil {
		return Block{}, false, fmt.Errorf("decode block %d: %w", height, err)
	}
	return blk, true, nil
}
