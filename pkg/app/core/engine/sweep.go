package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbook/pkg/app/core/orderbook"
)

// SweepResult reports a market sweep
// Filled is what the caller actually received (after fees)
type SweepResult struct {
	Filled uint256.Int
	Gross  uint256.Int
	Spent  uint256.Int
	Fills  []Fill
}

// SellAllAmount sells payAmt of payGem into the best buyGem offers at any price
// Fails with ErrSlippageExceeded, changing nothing, if the caller would receive less than minFill
func (e *Engine) SellAllAmount(caller, payGem common.Address, payAmt *uint256.Int, buyGem common.Address, minFill *uint256.Int) (SweepResult, error) {
	if err := e.validateSweep(payGem, buyGem, payAmt); err != nil {
		return SweepResult{}, err
	}
	p, err := e.planSell(payGem, buyGem, payAmt, nil)
	if err != nil {
		return SweepResult{}, err
	}
	if p.net.Lt(minFill) {
		return SweepResult{}, fmt.Errorf("%w: would receive %s, minimum %s", ErrSlippageExceeded, p.net.Dec(), minFill.Dec())
	}
	return e.runSweep("sell_all_amount", caller, p)
}

// BuyAllAmount buys exactly buyAmt (before fees) of buyGem paying at most maxFill of payGem
func (e *Engine) BuyAllAmount(caller, buyGem common.Address, buyAmt *uint256.Int, payGem common.Address, maxFill *uint256.Int) (SweepResult, error) {
	if err := e.validateSweep(payGem, buyGem, buyAmt); err != nil {
		return SweepResult{}, err
	}
	p, err := e.planBuy(buyGem, payGem, buyAmt)
	if err != nil {
		return SweepResult{}, err
	}
	if p.gross.Lt(buyAmt) {
		return SweepResult{}, fmt.Errorf("%w: book supplies %s of %s", ErrInsufficientLiquidity, p.gross.Dec(), buyAmt.Dec())
	}
	if p.spent.Gt(maxFill) {
		return SweepResult{}, fmt.Errorf("%w: would pay %s, maximum %s", ErrSlippageExceeded, p.spent.Dec(), maxFill.Dec())
	}
	return e.runSweep("buy_all_amount", caller, p)
}

func (e *Engine) runSweep(op string, caller common.Address, p plan) (SweepResult, error) {
	var res SweepResult
	err := e.atomic(func(tx *txn) error {
		fills, err := tx.execute(p, caller, caller)
		if err != nil {
			return err
		}
		res = SweepResult{Filled: p.net, Gross: p.gross, Spent: p.spent, Fills: fills}
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}
	e.logger.Debug(op,
		zap.String("caller", caller.Hex()),
		zap.String("spent", res.Spent.Dec()),
		zap.String("filled", res.Filled.Dec()),
		zap.Int("fills", len(res.Fills)))
	return res, nil
}

func (e *Engine) validateSweep(payGem, buyGem common.Address, amount *uint256.Int) error {
	if !e.admin.MatchingEnabled {
		return ErrMatchingDisabled
	}
	if !orderbook.ValidAmount(amount) {
		return fmt.Errorf("%w: amount must be positive and at most %d bits", ErrInvalidOrder, orderbook.MaxAmountBits)
	}
	if payGem == buyGem {
		return fmt.Errorf("%w: pay and buy asset are both %s", ErrInvalidOrder, payGem.Hex())
	}
	return nil
}

// GetBuyAmount quotes the gross buyGem SellAllAmount would obtain for payAmt
func (e *Engine) GetBuyAmount(payGem, buyGem common.Address, payAmt *uint256.Int) (uint256.Int, error) {
	if err := checkQuote(payAmt); err != nil {
		return uint256.Int{}, err
	}
	p, err := e.planSell(payGem, buyGem, payAmt, nil)
	if err != nil {
		return uint256.Int{}, err
	}
	return p.gross, nil
}

// GetBuyAmountWithFee quotes what SellAllAmount would deliver after fees
func (e *Engine) GetBuyAmountWithFee(payGem, buyGem common.Address, payAmt *uint256.Int) (uint256.Int, error) {
	if err := checkQuote(payAmt); err != nil {
		return uint256.Int{}, err
	}
	p, err := e.planSell(payGem, buyGem, payAmt, nil)
	if err != nil {
		return uint256.Int{}, err
	}
	return p.net, nil
}

// GetPayAmount quotes the payGem BuyAllAmount would spend to obtain buyAmt of buyGem
func (e *Engine) GetPayAmount(payGem, buyGem common.Address, buyAmt *uint256.Int) (uint256.Int, error) {
	if err := checkQuote(buyAmt); err != nil {
		return uint256.Int{}, err
	}
	p, err := e.planBuy(buyGem, payGem, buyAmt)
	if err != nil {
		return uint256.Int{}, err
	}
	if p.gross.Lt(buyAmt) {
		return uint256.Int{}, fmt.Errorf("%w: book supplies %s of %s", ErrInsufficientLiquidity, p.gross.Dec(), buyAmt.Dec())
	}
	return p.spent, nil
}

func checkQuote(amount *uint256.Int) error {
	if !orderbook.ValidAmount(amount) {
		return fmt.Errorf("%w: amount must be positive and at most %d bits", ErrInvalidOrder, orderbook.MaxAmountBits)
	}
	return nil
}
