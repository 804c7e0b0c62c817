package telegram

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suspectuso/bidwin-topup/internal/backend"
	"github.com/suspectuso/bidwin-topup/internal/catalog"
	"github.com/suspectuso/bidwin-topup/internal/storage"
	"github.com/suspectuso/bidwin-topup/internal/topup"
)

var gold = catalog.Package{
	ID:     7,
	Name:   "Gold",
	Points: 250,
	Price:  decimal.NewFromInt(20),
	Bonus:  decimal.NewFromInt(10),
}

func callbackData(t *testing.T, s topup.Session) []string {
	t.Helper()
	var out []string
	for _, row := range PaymentKeyboard(s).InlineKeyboard {
		for _, btn := range row {
			out = append(out, btn.CallbackData)
		}
	}
	return out
}

func TestRenderSelectingPackage(t *testing.T) {
	text := RenderSession(topup.Session{Package: gold, Step: topup.StepSelectingPackage}, time.Now())

	assert.Contains(t, text, "<b>Gold</b>")
	assert.Contains(t, text, "Bonus: <b>+25</b> (10%)")
	assert.Contains(t, text, "Total: <b>275 points</b>")
	assert.Contains(t, text, "Price: <b>$20.00</b>")
}

func TestRenderAwaitingPayment(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := topup.Session{
		Package:        gold,
		Step:           topup.StepAwaitingPayment,
		Reference:      "REF123",
		DepositAddress: "0x1f9840a85d5af5bf1d1762f925bdaddc4201f984",
		ExpiresAt:      now.Add(29*time.Minute + 5*time.Second),
	}

	text := RenderSession(s, now)
	assert.Contains(t, text, "<b>20.00 USDT</b>")
	assert.Contains(t, text, "<code>0x1f9840a85d5aF5bf1D1762F925BDADdC4201F984</code>")
	assert.Contains(t, text, "<code>REF123</code>")
	assert.Contains(t, text, "Time left: <b>29:05</b>")
	assert.Contains(t, text, "api.qrserver.com")

	text = RenderSession(s, now.Add(time.Hour))
	assert.Contains(t, text, "Expired")
}

func TestRenderAwaitingConfirmation(t *testing.T) {
	s := topup.Session{
		Package:         gold,
		Step:            topup.StepAwaitingConfirmation,
		Status:          topup.StatusConfirming,
		Reference:       "REF123",
		TransactionHash: "0xdeadbeef",
	}

	text := RenderSession(s, time.Now())
	assert.Contains(t, text, "Verifying your payment")
	assert.Contains(t, text, "https://bscscan.com/tx/0xdeadbeef")

	s.Status = topup.StatusFailed
	assert.Contains(t, RenderSession(s, time.Now()), "Verification failed")
}

func TestRenderCompleted(t *testing.T) {
	s := topup.Session{Package: gold, Step: topup.StepCompleted, CreditedPoints: 1275}
	assert.Contains(t, RenderSession(s, time.Now()), "<b>1,275 points</b> from Gold")

	s.CreditedPoints = 0
	assert.Contains(t, RenderSession(s, time.Now()), "<b>275 points</b>")
}

func TestPaymentKeyboard(t *testing.T) {
	tests := []struct {
		session topup.Session
		want    []string
	}{
		{topup.Session{Step: topup.StepSelectingPackage}, []string{cbContinue, cbCancel}},
		{topup.Session{Step: topup.StepAwaitingPayment}, []string{cbSent, cbBack, cbRefresh, cbCancel}},
		{topup.Session{Step: topup.StepEnteringHash}, []string{cbHash, cbBack}},
		{topup.Session{Step: topup.StepAwaitingConfirmation, Status: topup.StatusConfirming}, []string{cbClose}},
		{topup.Session{Step: topup.StepAwaitingConfirmation, Status: topup.StatusFailed}, []string{cbHash, cbClose}},
		{topup.Session{Step: topup.StepCompleted}, []string{cbFinish}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.session.Step, tt.session.Status), func(t *testing.T) {
			assert.Equal(t, tt.want, callbackData(t, tt.session))
		})
	}
}

func TestPackagesKeyboard(t *testing.T) {
	kb := PackagesKeyboard([]catalog.Package{gold, {ID: 1, Name: "Starter", Points: 100, Price: decimal.NewFromInt(5), Popular: true}})

	require.Len(t, kb.InlineKeyboard, 3)
	assert.Equal(t, "Gold · 275 pts · $20.00", kb.InlineKeyboard[0][0].Text)
	assert.Equal(t, "pkg:7", kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "⭐ Starter · 100 pts · $5.00", kb.InlineKeyboard[1][0].Text)
	assert.Equal(t, cbMenu, kb.InlineKeyboard[2][0].CallbackData)
}

func TestRenderCatalogs(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	text := RenderPackages(catalog.Listing[catalog.Package]{Entries: []catalog.Package{gold}, Stale: true})
	assert.Contains(t, text, "<b>Gold</b>: 275 points for $20.00")
	assert.Contains(t, text, "Showing saved data")

	text = RenderAuctions(catalog.Listing[catalog.Item]{Entries: []catalog.Item{
		{Title: "Phone", Status: catalog.StatusLive, CurrentBid: 250, EndsAt: now.Add(2*time.Hour + 15*time.Minute), Bidders: 3},
		{Title: "Watch", Status: catalog.StatusUpcoming, StartingBid: 1000, StartsAt: now.Add(5 * time.Hour)},
	}}, now)
	assert.Contains(t, text, "2h 15m · min bid 260 pts · 3 bidders")
	assert.Contains(t, text, "💡 Quick bids: 260 · 310 · 360 pts")
	assert.Contains(t, text, "Starts in 5h · starting bid 1,000 pts")
	assert.NotContains(t, text, "Showing saved data")

	text = RenderBundles(catalog.Listing[catalog.Bundle]{Entries: []catalog.Bundle{
		{Name: "Gold", PointsCost: 5000, DailyPoints: 10, DailyUSDT: decimal.RequireFromString("0.5"), DurationDays: 30},
	}})
	assert.Contains(t, text, "<b>Gold</b> · 5,000 points")
	assert.Contains(t, text, "10 points + $0.50 daily for 30 days")

	assert.Contains(t, RenderBundles(catalog.Listing[catalog.Bundle]{}), "No bundles")
}

func TestRenderProfile(t *testing.T) {
	p := &storage.Profile{Username: "bidder", Points: 12500}

	text := RenderProfile(p, false)
	assert.Contains(t, text, "<b>bidder</b>")
	assert.Contains(t, text, "<b>12,500 points</b>")
	assert.NotContains(t, text, "last known balance")

	assert.Contains(t, RenderProfile(p, true), "last known balance")
}

func TestDisplayAddress(t *testing.T) {
	assert.Equal(t, "0x1f9840a85d5aF5bf1D1762F925BDADdC4201F984", DisplayAddress("0x1f9840a85d5af5bf1d1762f925bdaddc4201f984"))
	assert.Equal(t, "TXYZ", DisplayAddress("TXYZ"))
}

func TestFormatPoints(t *testing.T) {
	assert.Equal(t, "0", formatPoints(0))
	assert.Equal(t, "999", formatPoints(999))
	assert.Equal(t, "1,000", formatPoints(1000))
	assert.Equal(t, "1,234,567", formatPoints(1234567))
	assert.Equal(t, "-12,000", formatPoints(-12000))
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "Please enter the transaction hash.", userMessage(topup.ErrEmptyHash))
	assert.Equal(t, "Your payment is being verified and can no longer be changed.", userMessage(topup.ErrIrreversible))
	assert.Equal(t, "Package sold out", userMessage(&backend.APIError{Op: "purchase", Status: 200, Code: 1001, Message: "Package sold out"}))
	assert.Equal(t, "An unexpected error occurred", userMessage(errors.New("boom")))
}
