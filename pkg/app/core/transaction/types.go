package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperbook/pkg/crypto"
)

var ErrMalformed = errors.New("malformed transaction")

// TxType represents the type of transaction
type TxType string

const (
	TxTypeOffer    TxType = "offer"    // place a limit offer
	TxTypeCancel   TxType = "cancel"   // cancel own offer
	TxTypeTake     TxType = "take"     // buy from a specific offer
	TxTypeSellAll  TxType = "sell_all" // sweep: sell an exact amount
	TxTypeBuyAll   TxType = "buy_all"  // sweep: buy an exact amount
	TxTypeWithdraw TxType = "withdraw" // move free balance out
	TxTypeAdmin    TxType = "admin"    // owner-only configuration
)

// Admin actions
const (
	AdminSetFeeBPS          = "set_fee_bps"          // Value = bps
	AdminSetMakerFee        = "set_maker_fee"        // Value = bps
	AdminSetFeeTo           = "set_fee_to"           // Account
	AdminSetMatchingEnabled = "set_matching_enabled" // Value = 0/1
	AdminSetBuyEnabled      = "set_buy_enabled"      // Value = 0/1
	AdminSetMinSell         = "set_min_sell"         // Asset, Value = dust floor
	AdminTransferOwnership  = "transfer_ownership"   // Account
)

// SignedTransaction is a JSON envelope around one EIP-712 signed action
type SignedTransaction struct {
	Type      TxType           `json:"type"`
	Offer     *OfferPayload    `json:"offer,omitempty"`
	Cancel    *CancelPayload   `json:"cancel,omitempty"`
	Take      *TakePayload     `json:"take,omitempty"`
	Sweep     *SweepPayload    `json:"sweep,omitempty"` // sell_all and buy_all
	Withdraw  *WithdrawPayload `json:"withdraw,omitempty"`
	Admin     *AdminPayload    `json:"admin,omitempty"`
	Signature string           `json:"signature"` // hex (0x...)
}

// AuthPayload is shared by all payloads. Integers are decimal strings
type AuthPayload struct {
	Nonce    string `json:"nonce"`
	Deadline string `json:"deadline"` // Unix seconds, "0" = no expiry
	Owner    string `json:"owner"`
}

type OfferPayload struct {
	PayAmt    string `json:"pay_amt"`
	PayGem    string `json:"pay_gem"`
	BuyAmt    string `json:"buy_amt"`
	BuyGem    string `json:"buy_gem"`
	Recipient string `json:"recipient,omitempty"`
	AuthPayload
}

type CancelPayload struct {
	OfferID string `json:"offer_id"`
	AuthPayload
}

type TakePayload struct {
	OfferID  string `json:"offer_id"`
	Quantity string `json:"quantity"`
	AuthPayload
}

// SweepPayload: for sell_all Amount is paid and Limit is the minimum received;
// for buy_all Amount is bought and Limit is the maximum paid
type SweepPayload struct {
	PayGem string `json:"pay_gem"`
	BuyGem string `json:"buy_gem"`
	Amount string `json:"amount"`
	Limit  string `json:"limit"`
	AuthPayload
}

type WithdrawPayload struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	AuthPayload
}

type AdminPayload struct {
	Action  string `json:"action"`
	Asset   string `json:"asset,omitempty"`
	Account string `json:"account,omitempty"`
	Value   string `json:"value,omitempty"`
	AuthPayload
}

// Message decodes the payload into the typed message that was signed
func (tx *SignedTransaction) Message() (crypto.TypedMessage, error) {
	switch tx.Type {
	case TxTypeOffer:
		if tx.Offer == nil {
			return nil, fmt.Errorf("%w: offer type requires offer payload", ErrMalformed)
		}
		return tx.Offer.toEIP712()
	case TxTypeCancel:
		if tx.Cancel == nil {
			return nil, fmt.Errorf("%w: cancel type requires cancel payload", ErrMalformed)
		}
		return tx.Cancel.toEIP712()
	case TxTypeTake:
		if tx.Take == nil {
			return nil, fmt.Errorf("%w: take type requires take payload", ErrMalformed)
		}
		return tx.Take.toEIP712()
	case TxTypeSellAll, TxTypeBuyAll:
		if tx.Sweep == nil {
			return nil, fmt.Errorf("%w: %s requires sweep payload", ErrMalformed, tx.Type)
		}
		kind := crypto.SweepSellAll
		if tx.Type == TxTypeBuyAll {
			kind = crypto.SweepBuyAll
		}
		return tx.Sweep.toEIP712(kind)
	case TxTypeWithdraw:
		if tx.Withdraw == nil {
			return nil, fmt.Errorf("%w: withdraw type requires withdraw payload", ErrMalformed)
		}
		return tx.Withdraw.toEIP712()
	case TxTypeAdmin:
		if tx.Admin == nil {
			return nil, fmt.Errorf("%w: admin type requires admin payload", ErrMalformed)
		}
		return tx.Admin.toEIP712()
	case "":
		return nil, fmt.Errorf("%w: missing transaction type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown transaction type: %s", ErrMalformed, tx.Type)
	}
}

// Validate checks structure and field encodings without touching signatures
func (tx *SignedTransaction) Validate() error {
	if tx.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrMalformed)
	}
	_, err := tx.Message()
	return err
}

func (a *AuthPayload) toEIP712() (crypto.Auth, error) {
	nonce, err := parseUint64("nonce", a.Nonce)
	if err != nil {
		return crypto.Auth{}, err
	}
	deadline := uint64(0)
	if a.Deadline != "" {
		if deadline, err = parseUint64("deadline", a.Deadline); err != nil {
			return crypto.Auth{}, err
		}
	}
	owner, err := parseAddress("owner", a.Owner)
	if err != nil {
		return crypto.Auth{}, err
	}
	return crypto.Auth{Nonce: nonce, Deadline: deadline, Owner: owner}, nil
}

func (p *OfferPayload) toEIP712() (*crypto.OfferEIP712, error) {
	auth, err := p.AuthPayload.toEIP712()
	if err != nil {
		return nil, err
	}
	m := &crypto.OfferEIP712{Auth: auth}
	if m.PayAmt, err = parseAmount("pay_amt", p.PayAmt); err != nil {
		return nil, err
	}
	if m.PayGem, err = parseAddress("pay_gem", p.PayGem); err != nil {
		return nil, err
	}
	if m.BuyAmt, err = parseAmount("buy_amt", p.BuyAmt); err != nil {
		return nil, err
	}
	if m.BuyGem, err = parseAddress("buy_gem", p.BuyGem); err != nil {
		return nil, err
	}
	if p.Recipient != "" {
		if m.Recipient, err = parseAddress("recipient", p.Recipient); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (p *CancelPayload) toEIP712() (*crypto.CancelEIP712, error) {
	auth, err := p.AuthPayload.toEIP712()
	if err != nil {
		return nil, err
	}
	id, err := parseUint64("offer_id", p.OfferID)
	if err != nil {
		return nil, err
	}
	return &crypto.CancelEIP712{OfferID: id, Auth: auth}, nil
}

func (p *TakePayload) toEIP712() (*crypto.TakeEIP712, error) {
	auth, err := p.AuthPayload.toEIP712()
	if err != nil {
		return nil, err
	}
	id, err := parseUint64("offer_id", p.OfferID)
	if err != nil {
		return nil, err
	}
	qty, err := parseAmount("quantity", p.Quantity)
	if err != nil {
		return nil, err
	}
	return &crypto.TakeEIP712{OfferID: id, Quantity: qty, Auth: auth}, nil
}

func (p *SweepPayload) toEIP712(kind uint8) (*crypto.SweepEIP712, error) {
	auth, err := p.AuthPayload.toEIP712()
	if err != nil {
		return nil, err
	}
	m := &crypto.SweepEIP712{Kind: kind, Auth: auth}
	if m.PayGem, err = parseAddress("pay_gem", p.PayGem); err != nil {
		return nil, err
	}
	if m.BuyGem, err = parseAddress("buy_gem", p.BuyGem); err != nil {
		return nil, err
	}
	if m.Amount, err = parseAmount("amount", p.Amount); err != nil {
		return nil, err
	}
	if m.Limit, err = parseAmount("limit", p.Limit); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *WithdrawPayload) toEIP712() (*crypto.WithdrawEIP712, error) {
	auth, err := p.AuthPayload.toEIP712()
	if err != nil {
		return nil, err
	}
	m := &crypto.WithdrawEIP712{Auth: auth}
	if m.Asset, err = parseAddress("asset", p.Asset); err != nil {
		return nil, err
	}
	if m.Amount, err = parseAmount("amount", p.Amount); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *AdminPayload) toEIP712() (*crypto.AdminEIP712, error) {
	auth, err := p.AuthPayload.toEIP712()
	if err != nil {
		return nil, err
	}
	m := &crypto.AdminEIP712{Action: p.Action, Auth: auth}
	if p.Asset != "" {
		if m.Asset, err = parseAddress("asset", p.Asset); err != nil {
			return nil, err
		}
	}
	if p.Account != "" {
		if m.Account, err = parseAddress("account", p.Account); err != nil {
			return nil, err
		}
	}
	if p.Value != "" {
		if m.Value, err = parseAmount("value", p.Value); err != nil {
			return nil, err
		}
	}

	switch p.Action {
	case AdminSetFeeBPS, AdminSetMakerFee:
		if !m.Value.IsUint64() {
			return nil, fmt.Errorf("%w: bps out of range", ErrMalformed)
		}
	case AdminSetMatchingEnabled, AdminSetBuyEnabled:
		if m.Value.GtUint64(1) {
			return nil, fmt.Errorf("%w: flag must be 0 or 1", ErrMalformed)
		}
	case AdminSetFeeTo, AdminTransferOwnership:
		if m.Account == (common.Address{}) {
			return nil, fmt.Errorf("%w: %s requires account", ErrMalformed, p.Action)
		}
	case AdminSetMinSell:
		if m.Asset == (common.Address{}) {
			return nil, fmt.Errorf("%w: set_min_sell requires asset", ErrMalformed)
		}
	default:
		return nil, fmt.Errorf("%w: unknown admin action: %s", ErrMalformed, p.Action)
	}
	return m, nil
}

// NewSignedTransaction wraps a typed message and its signature in the wire envelope
func NewSignedTransaction(msg crypto.TypedMessage, sig []byte) (*SignedTransaction, error) {
	tx := &SignedTransaction{Signature: fmt.Sprintf("0x%x", sig)}
	switch m := msg.(type) {
	case *crypto.OfferEIP712:
		tx.Type = TxTypeOffer
		tx.Offer = &OfferPayload{
			PayAmt: m.PayAmt.Dec(), PayGem: m.PayGem.Hex(),
			BuyAmt: m.BuyAmt.Dec(), BuyGem: m.BuyGem.Hex(),
			AuthPayload: fromAuth(m.Auth),
		}
		if m.Recipient != (common.Address{}) {
			tx.Offer.Recipient = m.Recipient.Hex()
		}
	case *crypto.CancelEIP712:
		tx.Type = TxTypeCancel
		tx.Cancel = &CancelPayload{OfferID: strconv.FormatUint(m.OfferID, 10), AuthPayload: fromAuth(m.Auth)}
	case *crypto.TakeEIP712:
		tx.Type = TxTypeTake
		tx.Take = &TakePayload{OfferID: strconv.FormatUint(m.OfferID, 10), Quantity: m.Quantity.Dec(), AuthPayload: fromAuth(m.Auth)}
	case *crypto.SweepEIP712:
		tx.Type = TxTypeSellAll
		if m.Kind == crypto.SweepBuyAll {
			tx.Type = TxTypeBuyAll
		}
		tx.Sweep = &SweepPayload{
			PayGem: m.PayGem.Hex(), BuyGem: m.BuyGem.Hex(),
			Amount: m.Amount.Dec(), Limit: m.Limit.Dec(),
			AuthPayload: fromAuth(m.Auth),
		}
	case *crypto.WithdrawEIP712:
		tx.Type = TxTypeWithdraw
		tx.Withdraw = &WithdrawPayload{Asset: m.Asset.Hex(), Amount: m.Amount.Dec(), AuthPayload: fromAuth(m.Auth)}
	case *crypto.AdminEIP712:
		tx.Type = TxTypeAdmin
		tx.Admin = &AdminPayload{
			Action: m.Action, Asset: m.Asset.Hex(), Account: m.Account.Hex(), Value: m.Value.Dec(),
			AuthPayload: fromAuth(m.Auth),
		}
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}
	return tx, nil
}

func fromAuth(a crypto.Auth) AuthPayload {
	return AuthPayload{
		Nonce:    strconv.FormatUint(a.Nonce, 10),
		Deadline: strconv.FormatUint(a.Deadline, 10),
		Owner:    a.Owner.Hex(),
	}
}

// Serialize converts SignedTransaction to JSON bytes
func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// ParseTransaction decodes and validates a JSON transaction
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}

func parseAmount(field, s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: invalid %s %q", ErrMalformed, field, s)
	}
	return *v, nil
}

func parseUint64(field, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrMalformed, field, s)
	}
	return v, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid %s %q", ErrMalformed, field, s)
	}
	return common.HexToAddress(s), nil
}

// Example:
//   {
//     "type": "offer",
//     "offer": {
//       "pay_amt": "100", "pay_gem": "0xaaaa...", "buy_amt": "90", "buy_gem": "0xbbbb...",
//       "nonce": "0", "deadline": "0", "owner": "0x742d..."
//     },
//     "signature": "0x1234..."
//   }
