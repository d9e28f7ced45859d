package events

import (
	"crypto/rand"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/uhyunpark/hyperbook/pkg/app/core/engine"
	"github.com/uhyunpark/hyperbook/pkg/app/core/orderbook"
)

// OrderView is the JSON form of an order; amounts are decimal strings
type OrderView struct {
	ID        uint64 `json:"id"`
	PayAmt    string `json:"pay_amt"`
	PayGem    string `json:"pay_gem"`
	BuyAmt    string `json:"buy_amt"`
	BuyGem    string `json:"buy_gem"`
	Owner     string `json:"owner"`
	Recipient string `json:"recipient"` // effective proceeds recipient
	Timestamp int64  `json:"timestamp"`
	Active    bool   `json:"active"`
}

func OrderViewOf(o orderbook.Order) OrderView {
	return OrderView{
		ID:        o.ID,
		PayAmt:    o.PayAmt.Dec(),
		PayGem:    o.PayGem.Hex(),
		BuyAmt:    o.BuyAmt.Dec(),
		BuyGem:    o.BuyGem.Hex(),
		Owner:     o.Owner.Hex(),
		Recipient: o.ProceedsRecipient().Hex(),
		Timestamp: o.Timestamp,
		Active:    o.Active,
	}
}

type FillView struct {
	OrderID        uint64 `json:"order_id"`
	Maker          string `json:"maker"`
	MakerRecipient string `json:"maker_recipient"`
	Taker          string `json:"taker"`
	TakerRecipient string `json:"taker_recipient"`
	PayGem         string `json:"pay_gem"`
	BuyGem         string `json:"buy_gem"`
	Gross          string `json:"gross"`
	Net            string `json:"net"`
	ProtocolFee    string `json:"protocol_fee"`
	MakerFee       string `json:"maker_fee"`
	Spend          string `json:"spend"`
	FeeTo          string `json:"fee_to"`
	MakerClosed    bool   `json:"maker_closed"`
	Refund         string `json:"refund,omitempty"`
}

func FillViewOf(f *engine.Fill) FillView {
	v := FillView{
		OrderID:        f.OrderID,
		Maker:          f.Maker.Hex(),
		MakerRecipient: f.MakerRecipient.Hex(),
		Taker:          f.Taker.Hex(),
		TakerRecipient: f.TakerRecipient.Hex(),
		PayGem:         f.PayGem.Hex(),
		BuyGem:         f.BuyGem.Hex(),
		Gross:          f.Gross.Dec(),
		Net:            f.Fees.Net.Dec(),
		ProtocolFee:    f.Fees.Protocol.Dec(),
		MakerFee:       f.Fees.Maker.Dec(),
		Spend:          f.Spend.Dec(),
		FeeTo:          f.FeeTo.Hex(),
		MakerClosed:    f.MakerClosed,
	}
	if !f.Refund.IsZero() {
		v.Refund = f.Refund.Dec()
	}
	return v
}

// Message is the published form of an engine event
type Message struct {
	ID     string     `json:"id"` // ULID, sortable by time
	Kind   string     `json:"kind"`
	Pay    string     `json:"pay_gem"`
	Buy    string     `json:"buy_gem"`
	Time   int64      `json:"time"`
	Order  *OrderView `json:"order,omitempty"`
	Fill   *FillView  `json:"fill,omitempty"`
	Action string     `json:"action,omitempty"`
}

// IDSource hands out monotonic ULIDs; safe for concurrent use
type IDSource struct {
	mu      sync.Mutex
	entropy io.Reader
}

func NewIDSource() *IDSource {
	return &IDSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *IDSource) New(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// NewMessage converts ev; admin events carry no pair
func NewMessage(ev engine.Event, ids *IDSource) Message {
	m := Message{
		ID:     ids.New(time.Unix(ev.Time, 0)),
		Kind:   string(ev.Kind),
		Time:   ev.Time,
		Action: ev.Action,
	}
	if ev.Kind != engine.EventAdmin {
		m.Pay = ev.Pair.Pay.Hex()
		m.Buy = ev.Pair.Buy.Hex()
		ov := OrderViewOf(ev.Order)
		m.Order = &ov
	}
	if ev.Fill != nil {
		fv := FillViewOf(ev.Fill)
		m.Fill = &fv
	}
	return m
}

// Key partitions messages by pair so each book's events stay ordered
func (m *Message) Key() []byte {
	if m.Pay == "" {
		return []byte("admin")
	}
	return []byte(m.Pay + "/" + m.Buy)
}

func (m *Message) Encode() ([]byte, error) { return json.Marshal(m) }
