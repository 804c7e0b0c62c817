package catalog

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/suspectuso/bidwin-topup/internal/backend"
)

// Package is a points package as shown to the user
type Package struct {
	ID      int64
	Name    string
	Points  int64
	Price   decimal.Decimal
	Bonus   decimal.Decimal // percent
	Tag     string
	Popular bool
	Photo   string
	Weight  int
}

// BonusPoints returns the whole bonus points granted on top of Points
func (p Package) BonusPoints() int64 {
	if !p.Bonus.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(p.Points).Mul(p.Bonus).Div(decimal.NewFromInt(100)).Floor().IntPart()
}

// TotalPoints returns base plus bonus points
func (p Package) TotalPoints() int64 {
	return p.Points + p.BonusPoints()
}

func NewPackage(p backend.Package) Package {
	return Package{
		ID:      p.ID,
		Name:    p.Name,
		Points:  p.Points,
		Price:   p.Amount,
		Bonus:   p.Bonus,
		Tag:     p.Tag,
		Popular: p.IsPopular,
		Photo:   p.Photo.URL,
		Weight:  p.Weight,
	}
}

// NewPackages converts and sorts packages by weight
func NewPackages(list []backend.Package) []Package {
	out := make([]Package, 0, len(list))
	for _, p := range list {
		out = append(out, NewPackage(p))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight < out[j].Weight })
	return out
}

// Bundle is a subscription paying daily rewards
type Bundle struct {
	Code         string
	Name         string
	PointsCost   int64
	DailyPoints  int64
	DailyUSDT    decimal.Decimal
	DurationDays int64
	TotalValue   decimal.Decimal
	Popular      bool
	Tag          string
	Photo        string
	Weight       int
}

func NewBundle(b backend.Bundle) Bundle {
	d := b.PackageDetails
	return Bundle{
		Code:         b.Code,
		Name:         b.Name,
		PointsCost:   d.TotalValue.Mul(decimal.NewFromInt(100)).Round(0).IntPart(),
		DailyPoints:  int64(d.DailyPoints),
		DailyUSDT:    d.DailyUSDT,
		DurationDays: int64(d.DurationDays),
		TotalValue:   d.TotalValue,
		Popular:      b.IsPopular,
		Tag:          b.Tag,
		Photo:        b.Photo.URL,
		Weight:       b.Weight,
	}
}

// NewBundles converts and sorts bundles by weight
func NewBundles(list []backend.Bundle) []Bundle {
	out := make([]Bundle, 0, len(list))
	for _, b := range list {
		out = append(out, NewBundle(b))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight < out[j].Weight })
	return out
}

// Auction status labels
const (
	StatusLive     = "Live"
	StatusUpcoming = "Upcoming"
	StatusClosed   = "Closed"
)

// Item is an auction listing
type Item struct {
	ID           int64
	Title        string
	Description  string
	Image        string
	CurrentBid   int64
	StartingBid  int64
	Bidders      int64
	StartsAt     time.Time
	EndsAt       time.Time
	Status       string
	BidIncrement decimal.Decimal
	USDValue     decimal.Decimal
	Featured     bool
}

func NewItem(it backend.Item) Item {
	startsAt, _ := ParseAPIDate(it.OpensAt)
	endsAt, _ := ParseAPIDate(it.ClosesAt)

	return Item{
		ID:    it.ID,
		Title: it.Name,
		Description: fmt.Sprintf("Valued at $%s | Bid Increment: $%s",
			it.USDValue.String(), it.BidIncremental.String()),
		Image:        it.Photo.URL,
		CurrentBid:   it.CurrentBid,
		StartingBid:  it.StartingBid,
		Bidders:      it.TotalBidders,
		StartsAt:     startsAt,
		EndsAt:       endsAt,
		Status:       it.StatusLabel,
		BidIncrement: it.BidIncremental,
		USDValue:     it.USDValue,
		Featured:     it.IsFeatured,
	}
}

func NewItems(list []backend.Item) []Item {
	out := make([]Item, 0, len(list))
	for _, it := range list {
		out = append(out, NewItem(it))
	}
	return out
}

// MinBid is the lowest acceptable next bid
func (it Item) MinBid() int64 {
	if it.CurrentBid > 0 {
		return it.CurrentBid + 10
	}
	return it.StartingBid
}

// QuickBids returns the preset bid amounts offered next to the input
func QuickBids(minBid int64) []int64 {
	return []int64{minBid, minBid + 50, minBid + 100}
}

var apiDateLayouts = []string{
	"Jan 2, 2006 3:04PM",
	"Jan 2, 2006 03:04PM",
	"Jan 2, 2006 3:04 PM",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ParseAPIDate parses the listing dates of the auction API, which are in
// UTC unless an offset is given
func ParseAPIDate(s string) (time.Time, error) {
	for _, layout := range apiDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// TimeRemaining formats the time left until end
func TimeRemaining(end, now time.Time) string {
	diff := end.Sub(now)
	if diff <= 0 {
		return "Ended"
	}

	hours := int(diff / time.Hour)
	minutes := int((diff % time.Hour) / time.Minute)

	if hours > 24 {
		return fmt.Sprintf("%dd %dh", hours/24, hours%24)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// TimeUntilStart formats the time left until an upcoming auction opens
func TimeUntilStart(start, now time.Time) string {
	diff := start.Sub(now)
	if diff <= 0 {
		return "Starting soon"
	}

	days := int(diff / (24 * time.Hour))
	hours := int((diff % (24 * time.Hour)) / time.Hour)

	if days > 0 {
		return fmt.Sprintf("Starts in %dd %dh", days, hours)
	}
	return fmt.Sprintf("Starts in %dh", hours)
}
