package telegram

import (
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/suspectuso/bidwin-topup/internal/catalog"
	"github.com/suspectuso/bidwin-topup/internal/storage"
	"github.com/suspectuso/bidwin-topup/internal/topup"
)

const (
	bscScanTxURL = "https://bscscan.com/tx/"
	qrCodeURL    = "https://api.qrserver.com/v1/create-qr-code/"
)

// RenderSession renders the payment view of a session
func RenderSession(s topup.Session, now time.Time) string {
	p := s.Package
	name := html.EscapeString(p.Name)

	switch s.Step {
	case topup.StepSelectingPackage:
		lines := []string{
			fmt.Sprintf("💎 <b>%s</b>", name),
			"",
			fmt.Sprintf("Points: <b>%s</b>", formatPoints(p.Points)),
		}
		if bonus := p.BonusPoints(); bonus > 0 {
			lines = append(lines, fmt.Sprintf("Bonus: <b>+%s</b> (%s%%)", formatPoints(bonus), p.Bonus.String()))
		}
		lines = append(lines,
			fmt.Sprintf("Total: <b>%s points</b>", formatPoints(p.TotalPoints())),
			fmt.Sprintf("Price: <b>$%s</b>", p.Price.StringFixed(2)),
			"",
			"Payment is made in USDT on BNB Smart Chain (BEP-20).",
		)
		return strings.Join(lines, "\n")

	case topup.StepAwaitingPayment:
		addr := DisplayAddress(s.DepositAddress)
		lines := []string{
			"💳 <b>Send your payment</b>",
			"",
			fmt.Sprintf("Send exactly <b>%s %s</b> (BEP-20) to:", p.Price.StringFixed(2), currency(s)),
			fmt.Sprintf("<code>%s</code>", addr),
			"",
			fmt.Sprintf("Reference: <code>%s</code>", html.EscapeString(s.Reference)),
		}
		if left := s.TimeLeft(now); left != "" {
			lines = append(lines, fmt.Sprintf("Time left: <b>%s</b>", left))
		}
		lines = append(lines, fmt.Sprintf("\n<a href='%s'>QR code</a>", QRCodeLink(addr)))
		return strings.Join(lines, "\n")

	case topup.StepEnteringHash:
		return "🧾 <b>Confirm your transaction</b>\n\n" +
			"Tap <b>Submit Transaction</b> and send the transaction hash of your payment " +
			fmt.Sprintf("(reference <code>%s</code>).", html.EscapeString(s.Reference))

	case topup.StepAwaitingConfirmation:
		lines := []string{}
		if s.Status == topup.StatusFailed {
			lines = append(lines,
				"❌ <b>Verification failed</b>",
				"",
				"We could not verify this transaction. Check the hash and submit it again.",
			)
		} else {
			lines = append(lines,
				"⏳ <b>Verifying your payment</b>",
				"",
				"This usually takes a few minutes. You can close this and check back later.",
			)
		}
		if s.TransactionHash != "" {
			lines = append(lines, "", fmt.Sprintf("Transaction: <a href='%s'>%s</a>",
				TxLink(s.TransactionHash), html.EscapeString(shorten(s.TransactionHash, 10))))
		}
		lines = append(lines, fmt.Sprintf("Reference: <code>%s</code>", html.EscapeString(s.Reference)))
		return strings.Join(lines, "\n")

	case topup.StepCompleted:
		points := s.CreditedPoints
		if points <= 0 {
			points = p.TotalPoints()
		}
		return fmt.Sprintf("✅ <b>Payment confirmed!</b>\n\n<b>%s points</b> from %s have been added to your balance.",
			formatPoints(points), name)
	}

	return ""
}

// RenderPackages renders the package catalog
func RenderPackages(listing catalog.Listing[catalog.Package]) string {
	if len(listing.Entries) == 0 {
		return "💎 <b>Buy Points</b>\n\nNo packages are available right now."
	}

	lines := []string{"💎 <b>Buy Points</b>", ""}
	for _, p := range listing.Entries {
		line := fmt.Sprintf("• <b>%s</b>: %s points for $%s",
			html.EscapeString(p.Name), formatPoints(p.TotalPoints()), p.Price.StringFixed(2))
		if p.Tag != "" {
			line += fmt.Sprintf(" <i>%s</i>", html.EscapeString(p.Tag))
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "Choose a package 👇")

	return withStale(strings.Join(lines, "\n"), listing.Stale)
}

// RenderAuctions renders the auction listing
func RenderAuctions(listing catalog.Listing[catalog.Item], now time.Time) string {
	if len(listing.Entries) == 0 {
		return "🔥 <b>Auctions</b>\n\nNo auctions right now. Check back soon!"
	}

	lines := []string{"🔥 <b>Auctions</b>"}
	for _, it := range listing.Entries {
		lines = append(lines, "", fmt.Sprintf("<b>%s</b>", html.EscapeString(it.Title)))
		if it.Featured {
			lines[len(lines)-1] += " ⭐"
		}

		switch it.Status {
		case catalog.StatusUpcoming:
			lines = append(lines, fmt.Sprintf("🕒 %s · starting bid %s pts",
				catalog.TimeUntilStart(it.StartsAt, now), formatPoints(it.StartingBid)))
		case catalog.StatusClosed:
			lines = append(lines, fmt.Sprintf("🔒 Closed · final bid %s pts", formatPoints(it.CurrentBid)))
		default:
			lines = append(lines, fmt.Sprintf("⏱ %s · min bid %s pts · %d bidders",
				catalog.TimeRemaining(it.EndsAt, now), formatPoints(it.MinBid()), it.Bidders))
			lines = append(lines, "💡 Quick bids: "+formatBids(catalog.QuickBids(it.MinBid())))
		}
		lines = append(lines, html.EscapeString(it.Description))
	}

	return withStale(strings.Join(lines, "\n"), listing.Stale)
}

func formatBids(bids []int64) string {
	parts := make([]string, len(bids))
	for i, bid := range bids {
		parts[i] = formatPoints(bid)
	}
	return strings.Join(parts, " · ") + " pts"
}

// RenderBundles renders the bundle catalog
func RenderBundles(listing catalog.Listing[catalog.Bundle]) string {
	if len(listing.Entries) == 0 {
		return "📦 <b>Bundles</b>\n\nNo bundles are available right now."
	}

	lines := []string{"📦 <b>Bundles</b>"}
	for _, b := range listing.Entries {
		lines = append(lines,
			"",
			fmt.Sprintf("<b>%s</b> · %s points", html.EscapeString(b.Name), formatPoints(b.PointsCost)),
			fmt.Sprintf("%s points + $%s daily for %d days", formatPoints(b.DailyPoints), b.DailyUSDT.StringFixed(2), b.DurationDays),
		)
	}

	return withStale(strings.Join(lines, "\n"), listing.Stale)
}

// RenderProfile renders the welcome view. cached is set when the profile
// could not be refreshed.
func RenderProfile(p *storage.Profile, cached bool) string {
	text := fmt.Sprintf(
		"👋 <b>%s</b>, welcome to <b>BidWin</b>!\n\n"+
			"Balance: <b>%s points</b>\n\n"+
			"Bid on live auctions, buy points with USDT and collect daily rewards with bundles.",
		html.EscapeString(p.DisplayName()), formatPoints(p.Points),
	)
	if cached {
		text += "\n\n⚠️ <i>Could not reach BidWin, showing your last known balance.</i>"
	}
	return text
}

// DisplayAddress returns the checksummed form of an EVM address
func DisplayAddress(addr string) string {
	if !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

// TxLink returns the block explorer link of a transaction
func TxLink(hash string) string {
	return bscScanTxURL + url.PathEscape(hash)
}

// QRCodeLink returns an image link encoding addr
func QRCodeLink(addr string) string {
	q := url.Values{}
	q.Set("size", "240x240")
	q.Set("data", addr)
	return qrCodeURL + "?" + q.Encode()
}

func currency(s topup.Session) string {
	if s.Currency == "" {
		return "USDT"
	}
	return s.Currency
}

func withStale(text string, stale bool) string {
	if !stale {
		return text
	}
	return text + "\n\n⚠️ <i>Showing saved data, BidWin is not responding.</i>"
}

func shorten(s string, n int) string {
	if len(s) <= 2*n {
		return s
	}
	return s[:n] + "…" + s[len(s)-n:]
}

// formatPoints formats n with thousands separators
func formatPoints(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	if neg {
		return "-" + b.String()
	}
	return b.String()
}
