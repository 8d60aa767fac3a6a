package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Contract offer status codes as reported by the chain bridge.
const (
	StatusNone = iota
	StatusCreated
	StatusAccepted
	StatusFinalized
	StatusWithdrawn
)

var weiPerCoin = new(big.Float).SetFloat64(1e18)

// ContractOffer is the snapshot of the on-chain offer struct. Monetary
// values are decimal wei strings.
type ContractOffer struct {
	Buyer    string `json:"buyer"`
	Seller   string `json:"seller"`
	Status   int    `json:"status"`
	Value    string `json:"value"`
	Refund   string `json:"refund"`
	Verifier string `json:"verifier"`
}

// Zeroed reports whether the chain has no record of the offer.
func (c ContractOffer) Zeroed() bool {
	return c.Status == StatusNone && isZeroAddress(c.Buyer)
}

// NetValue returns the payable escrow amount in wei: value minus refund.
func (c ContractOffer) NetValue() (*big.Int, error) {
	value, ok := parseWei(c.Value)
	if !ok {
		return nil, fmt.Errorf("ledger: malformed value %q", c.Value)
	}
	refund, ok := parseWei(c.Refund)
	if !ok {
		return nil, fmt.Errorf("ledger: malformed refund %q", c.Refund)
	}
	return new(big.Int).Sub(value, refund), nil
}

// Open reports whether the offer has no bound recipient.
func (c ContractOffer) Open() bool {
	return isZeroAddress(c.Seller)
}

// Voucher is a signed payout claim against an offer's escrow.
type Voucher struct {
	ListingID string `json:"listingID"`
	OfferID   string `json:"offerID"`
	Payout    string `json:"payout"`
	Fee       string `json:"fee"`
	Signature string `json:"signature"`
}

// PayoutWei parses the voucher payout.
func (v Voucher) PayoutWei() (*big.Int, bool) {
	return parseWeiOK(v.Payout)
}

// FeeWei parses the voucher fee.
func (v Voucher) FeeWei() (*big.Int, bool) {
	return parseWeiOK(v.Fee)
}

// CreationEvent identifies the transaction that created an offer and the
// content hash of its off-chain terms.
type CreationEvent struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	ContentHash string `json:"contentHash"`
}

// Offer is the persisted reconciliation record for one on-chain offer.
// Rows are never deleted; an offer leaves circulation by turning inactive.
type Offer struct {
	FullID           string     `gorm:"column:full_id;primaryKey;size:256;not null"`
	From             string     `gorm:"column:from_address;size:64;not null;index:idx_offers_from"`
	To               string     `gorm:"column:to_address;size:64;not null;default:'';index:idx_offers_to"`
	Amount           float64    `gorm:"column:amount;not null;default:0"`
	AmountType       string     `gorm:"column:amount_type;size:16;not null;default:''"`
	ContractSnapshot string     `gorm:"column:contract_offer;type:text;not null;default:''"`
	InitInfo         string     `gorm:"column:init_info;type:text;not null;default:''"`
	LastVoucher      string     `gorm:"column:last_voucher;type:text;not null;default:''"`
	Active           bool       `gorm:"column:active;not null;default:false"`
	Dismissed        bool       `gorm:"column:dismissed;not null;default:false"`
	Rejected         bool       `gorm:"column:rejected;not null;default:false"`
	FromNewMsg       bool       `gorm:"column:from_new_msg;not null;default:false"`
	ToNewMsg         bool       `gorm:"column:to_new_msg;not null;default:false"`
	LastNotify       *time.Time `gorm:"column:last_notify"`
	LastFromNotify   *time.Time `gorm:"column:last_from_notify"`
}

// TableName provides the explicit table binding for GORM.
func (Offer) TableName() string {
	return "webrtc_offers"
}

// FullOfferID builds the composite listing+offer identifier.
func FullOfferID(listingID, offerID string) string {
	return listingID + "-" + offerID
}

// SplitFullID recovers the listing and offer ids from a composite id.
func SplitFullID(fullID string) (string, string, error) {
	parts := strings.SplitN(fullID, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("ledger: malformed full offer id")
	}
	return parts[0], parts[1], nil
}

// Contract decodes the stored contract snapshot.
func (o *Offer) Contract() (ContractOffer, error) {
	var snapshot ContractOffer
	if o.ContractSnapshot == "" {
		return snapshot, nil
	}
	err := json.Unmarshal([]byte(o.ContractSnapshot), &snapshot)
	return snapshot, err
}

// SetContract stores the contract snapshot.
func (o *Offer) SetContract(snapshot ContractOffer) error {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	o.ContractSnapshot = string(encoded)
	return nil
}

// Voucher decodes the stored last-seen voucher, if any.
func (o *Offer) Voucher() (*Voucher, error) {
	if o.LastVoucher == "" {
		return nil, nil
	}
	var voucher Voucher
	if err := json.Unmarshal([]byte(o.LastVoucher), &voucher); err != nil {
		return nil, err
	}
	return &voucher, nil
}

// SetVoucher stores the last-seen voucher.
func (o *Offer) SetVoucher(voucher Voucher) error {
	encoded, err := json.Marshal(voucher)
	if err != nil {
		return err
	}
	o.LastVoucher = string(encoded)
	return nil
}

// Open reports whether the offer has no bound recipient address.
func (o *Offer) Open() bool {
	return o.To == ""
}

// Accepted reports whether the stored contract snapshot is in the accepted
// state.
func (o *Offer) Accepted() bool {
	snapshot, err := o.Contract()
	if err != nil {
		return false
	}
	return snapshot.Status == StatusAccepted
}

func isZeroAddress(address string) bool {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(address), "0x"), "0X")
	if trimmed == "" {
		return true
	}
	return strings.Trim(trimmed, "0") == ""
}

func parseWei(value string) (*big.Int, bool) {
	if strings.TrimSpace(value) == "" {
		return big.NewInt(0), true
	}
	parsed, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	return parsed, ok
}

func parseWeiOK(value string) (*big.Int, bool) {
	parsed, ok := parseWei(value)
	if !ok || parsed.Sign() < 0 {
		return nil, false
	}
	return parsed, true
}

// CoinAmount converts a wei quantity to a display amount.
func CoinAmount(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	amount, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerCoin).Float64()
	return amount
}
