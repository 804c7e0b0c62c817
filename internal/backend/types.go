package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// envelope is the common response wrapper of the BidWin API
type envelope struct {
	Code    Int64           `json:"code"`
	Message string          `json:"message"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Token   string          `json:"token"`
}

// AuthRequest is the body of the mini-app auth call. InitData carries the
// signed Telegram init data; User is the dev payload used when no init data
// is available.
type AuthRequest struct {
	InitData string    `json:"init_data,omitempty"`
	User     *AuthUser `json:"user,omitempty"`
}

type AuthUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Profile is the account returned by the auth call
type Profile struct {
	Name      string          `json:"name"`
	Username  string          `json:"username"`
	Points    decimal.Decimal `json:"points"`
	TgID      Int64           `json:"tg_id" validate:"required"`
	CreatedTS string          `json:"created_ts"`
}

type AuthResult struct {
	Profile Profile
	Token   string
}

type Photo struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// Item is an auction listing
type Item struct {
	ID             int64           `json:"id" validate:"required"`
	Name           string          `json:"name" validate:"required"`
	CategoryID     int64           `json:"category_id"`
	OpensAt        string          `json:"opens_at"`
	ClosesAt       string          `json:"closes_at" validate:"required"`
	TotalBidders   int64           `json:"total_bidders" validate:"gte=0"`
	StartingBid    int64           `json:"starting_bid" validate:"gte=0"`
	CurrentBid     int64           `json:"current_bid" validate:"gte=0"`
	BidIncremental decimal.Decimal `json:"bid_incremental"`
	USDValue       decimal.Decimal `json:"usd_value"`
	StatusLabel    string          `json:"status_label" validate:"omitempty,oneof=Live Upcoming Closed"`
	IsFeatured     bool            `json:"is_featured"`
	Photo          Photo           `json:"photo"`
}

// Package is a one-time points package
type Package struct {
	ID        int64           `json:"id" validate:"required"`
	Name      string          `json:"name" validate:"required"`
	Points    int64           `json:"points" validate:"gt=0"`
	Amount    decimal.Decimal `json:"amount"`
	Tag       string          `json:"tag"`
	IsPopular bool            `json:"is_popular"`
	Bonus     decimal.Decimal `json:"bonus"`
	Photo     Photo           `json:"photo"`
	Weight    int             `json:"weight"`
}

type BundleDetails struct {
	TotalValue   decimal.Decimal `json:"total_value"`
	DailyPoints  Int64           `json:"daily_points"`
	DailyUSDT    decimal.Decimal `json:"daily_usdt"`
	DurationDays Int64           `json:"duration_days" validate:"gt=0"`
}

// Bundle is a subscription paying daily rewards
type Bundle struct {
	Code           string        `json:"code" validate:"required"`
	Name           string        `json:"name" validate:"required"`
	PackageDetails BundleDetails `json:"package_details"`
	IsPopular      bool          `json:"is_popular"`
	Tag            string        `json:"tag"`
	Photo          Photo         `json:"photo"`
	Weight         int           `json:"weight"`
}

// TopupRequest is the payment target issued by a purchase
type TopupRequest struct {
	Reference     string    `json:"reference" validate:"required"`
	WalletAddress string    `json:"wallet_address" validate:"required,eth_addr"`
	Status        string    `json:"status"`
	Currency      string    `json:"currency"`
	ExpireTS      Timestamp `json:"expire_ts"`
}

type PurchaseResult struct {
	PurchasableType string          `json:"purchasable_type"`
	Title           string          `json:"title"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentMethod   string          `json:"payment_method"`
	TopupRequest    TopupRequest    `json:"topup_request"`
}

type SubmitHashResult struct {
	Reference     string    `json:"reference" validate:"required"`
	Status        string    `json:"status"`
	TxnHash       string    `json:"txn_hash"`
	WalletAddress string    `json:"wallet_address"`
	Currency      string    `json:"currency"`
	CompletedAt   Timestamp `json:"completed_at"`
	ExpireAt      Timestamp `json:"expire_at"`
	CreatedAt     Timestamp `json:"created_at"`

	// Message is the human readable message of the envelope
	Message string `json:"-"`
}

// Int64 accepts JSON numbers and numeric strings
type Int64 int64

func (i *Int64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*i = 0
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*i = Int64(v)
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() {
		return fmt.Errorf("invalid integer %q", s)
	}
	if d.LessThan(minInt64) || d.GreaterThan(maxInt64) {
		return fmt.Errorf("integer %q out of range", s)
	}
	*i = Int64(d.IntPart())
	return nil
}

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Timestamp accepts RFC 3339 strings, SQL datetimes and unix seconds or
// milliseconds
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	s := strings.Trim(string(b), `"`)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			t.Time = time.UnixMilli(n)
		} else {
			t.Time = time.Unix(n, 0)
		}
		return nil
	}

	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}

	return fmt.Errorf("invalid timestamp %q", s)
}
