package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/markets
type EIP712Domain struct {
	Name              string         // Protocol name
	Version           string         // Protocol version
	ChainID           *big.Int       // Chain ID (1337 for local)
	VerifyingContract common.Address // Market escrow address
}

// DefaultDomain returns the local development domain for a market
func DefaultDomain(market common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "Hyperbook",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: market,
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// TypedMessage is a user action that can be signed with eth_signTypedData_v4
type TypedMessage interface {
	PrimaryType() string
	Fields() []apitypes.Type
	Message() apitypes.TypedDataMessage
	Signer() common.Address
}

// Auth is the replay protection shared by every action
type Auth struct {
	Nonce    uint64         // must equal the signer's next nonce
	Deadline uint64         // Unix seconds, 0 = no expiry
	Owner    common.Address // claimed signer
}

var authFields = []apitypes.Type{
	{Name: "nonce", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
	{Name: "owner", Type: "address"},
}

func (a Auth) fill(m apitypes.TypedDataMessage) apitypes.TypedDataMessage {
	m["nonce"] = strconv.FormatUint(a.Nonce, 10)
	m["deadline"] = strconv.FormatUint(a.Deadline, 10)
	m["owner"] = a.Owner.Hex()
	return m
}

func (a Auth) Signer() common.Address { return a.Owner }

// OfferEIP712 places a limit offer
type OfferEIP712 struct {
	PayAmt    uint256.Int
	PayGem    common.Address
	BuyAmt    uint256.Int
	BuyGem    common.Address
	Recipient common.Address // zero = owner
	Auth
}

func (o *OfferEIP712) PrimaryType() string { return "Offer" }

func (o *OfferEIP712) Fields() []apitypes.Type {
	return append([]apitypes.Type{
		{Name: "payAmt", Type: "uint256"},
		{Name: "payGem", Type: "address"},
		{Name: "buyAmt", Type: "uint256"},
		{Name: "buyGem", Type: "address"},
		{Name: "recipient", Type: "address"},
	}, authFields...)
}

func (o *OfferEIP712) Message() apitypes.TypedDataMessage {
	return o.fill(apitypes.TypedDataMessage{
		"payAmt":    o.PayAmt.Dec(),
		"payGem":    o.PayGem.Hex(),
		"buyAmt":    o.BuyAmt.Dec(),
		"buyGem":    o.BuyGem.Hex(),
		"recipient": o.Recipient.Hex(),
	})
}

// CancelEIP712 cancels a resting offer
type CancelEIP712 struct {
	OfferID uint64
	Auth
}

func (c *CancelEIP712) PrimaryType() string { return "Cancel" }

func (c *CancelEIP712) Fields() []apitypes.Type {
	return append([]apitypes.Type{{Name: "offerId", Type: "uint256"}}, authFields...)
}

func (c *CancelEIP712) Message() apitypes.TypedDataMessage {
	return c.fill(apitypes.TypedDataMessage{"offerId": strconv.FormatUint(c.OfferID, 10)})
}

// TakeEIP712 buys quantity of a specific offer's pay asset
type TakeEIP712 struct {
	OfferID  uint64
	Quantity uint256.Int
	Auth
}

func (t *TakeEIP712) PrimaryType() string { return "Take" }

func (t *TakeEIP712) Fields() []apitypes.Type {
	return append([]apitypes.Type{
		{Name: "offerId", Type: "uint256"},
		{Name: "quantity", Type: "uint256"},
	}, authFields...)
}

func (t *TakeEIP712) Message() apitypes.TypedDataMessage {
	return t.fill(apitypes.TypedDataMessage{
		"offerId":  strconv.FormatUint(t.OfferID, 10),
		"quantity": t.Quantity.Dec(),
	})
}

// Sweep kinds
const (
	SweepSellAll uint8 = 1 // sell Amount of PayGem, receive at least Limit of BuyGem
	SweepBuyAll  uint8 = 2 // buy Amount of BuyGem, spend at most Limit of PayGem
)

// SweepEIP712 fills against the best offers until an amount is reached
type SweepEIP712 struct {
	Kind   uint8
	PayGem common.Address
	BuyGem common.Address
	Amount uint256.Int
	Limit  uint256.Int
	Auth
}

func (s *SweepEIP712) PrimaryType() string { return "Sweep" }

func (s *SweepEIP712) Fields() []apitypes.Type {
	return append([]apitypes.Type{
		{Name: "kind", Type: "uint8"},
		{Name: "payGem", Type: "address"},
		{Name: "buyGem", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "limit", Type: "uint256"},
	}, authFields...)
}

func (s *SweepEIP712) Message() apitypes.TypedDataMessage {
	return s.fill(apitypes.TypedDataMessage{
		"kind":   strconv.FormatUint(uint64(s.Kind), 10),
		"payGem": s.PayGem.Hex(),
		"buyGem": s.BuyGem.Hex(),
		"amount": s.Amount.Dec(),
		"limit":  s.Limit.Dec(),
	})
}

// WithdrawEIP712 moves free balance out of the market
type WithdrawEIP712 struct {
	Asset  common.Address
	Amount uint256.Int
	Auth
}

func (w *WithdrawEIP712) PrimaryType() string { return "Withdraw" }

func (w *WithdrawEIP712) Fields() []apitypes.Type {
	return append([]apitypes.Type{
		{Name: "asset", Type: "address"},
		{Name: "amount", Type: "uint256"},
	}, authFields...)
}

func (w *WithdrawEIP712) Message() apitypes.TypedDataMessage {
	return w.fill(apitypes.TypedDataMessage{
		"asset":  w.Asset.Hex(),
		"amount": w.Amount.Dec(),
	})
}

// AdminEIP712 is an owner-only configuration change
// Value carries bps, a flag (0/1) or a dust amount depending on Action
type AdminEIP712 struct {
	Action  string
	Asset   common.Address
	Account common.Address
	Value   uint256.Int
	Auth
}

func (a *AdminEIP712) PrimaryType() string { return "Admin" }

func (a *AdminEIP712) Fields() []apitypes.Type {
	return append([]apitypes.Type{
		{Name: "action", Type: "string"},
		{Name: "asset", Type: "address"},
		{Name: "account", Type: "address"},
		{Name: "value", Type: "uint256"},
	}, authFields...)
}

func (a *AdminEIP712) Message() apitypes.TypedDataMessage {
	return a.fill(apitypes.TypedDataMessage{
		"action":  a.Action,
		"asset":   a.Asset.Hex(),
		"account": a.Account.Hex(),
		"value":   a.Value.Dec(),
	})
}

// EIP712Signer hashes, signs and recovers typed market actions for one domain
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func (e *EIP712Signer) typedData(msg TypedMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":    domainType,
			msg.PrimaryType(): msg.Fields(),
		},
		PrimaryType: msg.PrimaryType(),
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg.Message(),
	}
}

// Hash returns the digest a wallet signs for msg
func (e *EIP712Signer) Hash(msg TypedMessage) ([]byte, error) {
	td := e.typedData(msg)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", td.PrimaryType, err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

func (e *EIP712Signer) Sign(signer *Signer, msg TypedMessage) ([]byte, error) {
	hash, err := e.Hash(msg)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", msg.PrimaryType(), err)
	}
	return sig, nil
}

// Recover returns the address that produced signature over msg
func (e *EIP712Signer) Recover(msg TypedMessage, signature []byte) (common.Address, error) {
	hash, err := e.Hash(msg)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// Verify reports whether signature was made by msg's claimed signer
func (e *EIP712Signer) Verify(msg TypedMessage, signature []byte) (bool, error) {
	addr, err := e.Recover(msg, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return addr == msg.Signer(), nil
}

// ToJSON renders msg in the eth_signTypedData_v4 wallet format
func (e *EIP712Signer) ToJSON(msg TypedMessage) (string, error) {
	b, err := json.MarshalIndent(e.typedData(msg), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(b), nil
}
