package notifier

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot/models"
	"github.com/suspectuso/bidwin-topup/internal/storage"
	"github.com/suspectuso/bidwin-topup/internal/telegram"
	"github.com/suspectuso/bidwin-topup/internal/topup"
)

// Sender delivers chat messages
type Sender interface {
	SendNotification(ctx context.Context, userID int64, text string, keyboard *models.InlineKeyboardMarkup) error
}

// Notifier credits confirmed payments and tells users about it
type Notifier struct {
	storage *storage.Storage
	sender  Sender
	log     *slog.Logger
}

// New creates a new Notifier
func New(store *storage.Storage, sender Sender, log *slog.Logger) *Notifier {
	return &Notifier{
		storage: store,
		sender:  sender,
		log:     log,
	}
}

// Credited adds the points of a confirmed payment to the user's balance
func (n *Notifier) Credited(ctx context.Context, c topup.Credit) {
	n.log.Info("crediting points",
		"user_id", c.UserID,
		"reference", c.Reference,
		"points", c.Points,
	)

	balance, err := n.storage.AddPoints(c.UserID, c.Points)
	if err != nil {
		n.log.Error("add points", "user_id", c.UserID, "error", err)
	}

	text := formatCreditMessage(c, balance, err == nil)
	if err := n.sender.SendNotification(ctx, c.UserID, text, nil); err != nil {
		n.log.Error("send credit notification", "error", err)
	}
}

// Completed tells the user the finished payment's points are ready to bid
func (n *Notifier) Completed(ctx context.Context, userID, points int64) {
	var balance int64
	if p, err := n.storage.GetProfile(userID); err == nil {
		balance = p.Points
	}

	text := fmt.Sprintf("🎯 <b>%s points</b> are ready. Your balance is <b>%s points</b>, good luck!",
		formatNumber(points), formatNumber(balance))

	if err := n.sender.SendNotification(ctx, userID, text, telegram.MainKeyboard()); err != nil {
		n.log.Error("send completion notification", "error", err)
	}
}

func formatCreditMessage(c topup.Credit, balance int64, haveBalance bool) string {
	lines := []string{
		"✅ <b>Payment confirmed</b>",
		"",
	}

	if c.PackageName != "" {
		lines = append(lines, fmt.Sprintf("+%s points (%s)", formatNumber(c.Points), html.EscapeString(c.PackageName)))
	} else {
		lines = append(lines, fmt.Sprintf("+%s points", formatNumber(c.Points)))
	}

	if haveBalance {
		lines = append(lines, fmt.Sprintf("Balance: <b>%s points</b>", formatNumber(balance)))
	}
	lines = append(lines, "", fmt.Sprintf("Reference: <code>%s</code>", html.EscapeString(c.Reference)))

	return strings.Join(lines, "\n")
}

func formatNumber(num int64) string {
	abs := num
	if abs < 0 {
		abs = -abs
	}

	switch {
	case abs >= 1_000_000_000:
		return fmt.Sprintf("%.2fB", float64(num)/1_000_000_000)
	case abs >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(num)/1_000_000)
	case abs >= 10_000:
		return fmt.Sprintf("%.1fK", float64(num)/1_000)
	default:
		return fmt.Sprintf("%d", num)
	}
}
