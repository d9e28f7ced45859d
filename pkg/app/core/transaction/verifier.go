package transaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperbook/pkg/crypto"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("transaction expired")
)

// Verified is a transaction whose signer has been authenticated
type Verified struct {
	Type    TxType
	Message crypto.TypedMessage
	Caller  common.Address
	Nonce   uint64
}

// Verifier handles transaction signature verification for one market domain
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// Verify decodes tx, checks its deadline against now and recovers the signer.
// The recovered address must equal the payload owner
func (v *Verifier) Verify(tx *SignedTransaction, now time.Time) (Verified, error) {
	msg, err := tx.Message()
	if err != nil {
		return Verified{}, err
	}
	sig, err := crypto.DecodeSignature(tx.Signature)
	if err != nil {
		return Verified{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	auth := authOf(msg)
	if auth.Deadline != 0 && uint64(now.Unix()) > auth.Deadline {
		return Verified{}, fmt.Errorf("%w: deadline %d", ErrExpired, auth.Deadline)
	}

	signer, err := v.eip712Signer.Recover(msg, sig)
	if err != nil {
		return Verified{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if signer != auth.Owner {
		return Verified{}, fmt.Errorf("%w: signed by %s, owner %s", ErrInvalidSignature, signer.Hex(), auth.Owner.Hex())
	}

	return Verified{Type: tx.Type, Message: msg, Caller: signer, Nonce: auth.Nonce}, nil
}

func authOf(msg crypto.TypedMessage) crypto.Auth {
	switch m := msg.(type) {
	case *crypto.OfferEIP712:
		return m.Auth
	case *crypto.CancelEIP712:
		return m.Auth
	case *crypto.TakeEIP712:
		return m.Auth
	case *crypto.SweepEIP712:
		return m.Auth
	case *crypto.WithdrawEIP712:
		return m.Auth
	case *crypto.AdminEIP712:
		return m.Auth
	}
	return crypto.Auth{Owner: msg.Signer()}
}
