package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func TestDepositWithdraw(t *testing.T) {
	l := New()
	if err := l.Deposit(usdc, alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.Withdraw(usdc, alice, uint256.NewInt(101)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := l.Withdraw(usdc, alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if bal := l.BalanceOf(usdc, alice); !bal.IsZero() {
		t.Errorf("balance: got %s, want 0", bal.Dec())
	}
	if len(l.Balances()) != 0 {
		t.Errorf("empty slots retained: %d", len(l.Balances()))
	}
	if err := l.Deposit(usdc, alice, uint256.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
}

func TestTransfer(t *testing.T) {
	tests := []struct {
		name      string
		from, to  common.Address
		amount    uint64
		wantErr   error
		wantAlice uint64
		wantBob   uint64
	}{
		{"moves funds", alice, bob, 40, nil, 60, 40},
		{"zero is a no-op", alice, bob, 0, nil, 100, 0},
		{"self transfer keeps balance", alice, alice, 100, nil, 100, 0},
		{"insufficient", alice, bob, 101, ErrInsufficientBalance, 100, 0},
		{"self transfer insufficient", alice, alice, 101, ErrInsufficientBalance, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			if err := l.Deposit(usdc, alice, uint256.NewInt(100)); err != nil {
				t.Fatal(err)
			}
			err := l.Transfer(usdc, tt.from, tt.to, uint256.NewInt(tt.amount))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("Transfer failed: %v", err)
			}
			a, b := l.BalanceOf(usdc, alice), l.BalanceOf(usdc, bob)
			if a.Uint64() != tt.wantAlice || b.Uint64() != tt.wantBob {
				t.Errorf("balances: alice=%d bob=%d, want %d/%d", a.Uint64(), b.Uint64(), tt.wantAlice, tt.wantBob)
			}
		})
	}
}

func TestTransferOverflowLeavesNoTrace(t *testing.T) {
	l := New()
	full := new(uint256.Int).Not(new(uint256.Int))
	l.Set(usdc, bob, full)
	if err := l.Deposit(usdc, alice, uint256.NewInt(5)); err != nil {
		t.Fatal(err)
	}
	if err := l.Transfer(usdc, alice, bob, uint256.NewInt(5)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if a := l.BalanceOf(usdc, alice); a.Uint64() != 5 {
		t.Errorf("sender balance: got %s, want 5", a.Dec())
	}
}

func TestNonces(t *testing.T) {
	l := New()
	if err := l.UseNonce(alice, 1); !errors.Is(err, ErrBadNonce) {
		t.Fatalf("expected ErrBadNonce, got %v", err)
	}
	for n := uint64(0); n < 3; n++ {
		if err := l.UseNonce(alice, n); err != nil {
			t.Fatalf("UseNonce(%d): %v", n, err)
		}
	}
	if l.Nonce(alice) != 3 {
		t.Errorf("nonce: got %d, want 3", l.Nonce(alice))
	}
	if err := l.UseNonce(alice, 1); !errors.Is(err, ErrBadNonce) {
		t.Fatalf("replayed nonce accepted: %v", err)
	}
	l.SetNonce(alice, 0)
	if len(l.Nonces()) != 0 {
		t.Error("SetNonce(0) should clear the slot")
	}
}
