package telegram

import (
	"fmt"

	"github.com/go-telegram/bot/models"
	"github.com/suspectuso/bidwin-topup/internal/catalog"
	"github.com/suspectuso/bidwin-topup/internal/topup"
)

// Callback data
const (
	cbMenu     = "menu"
	cbPackages = "packages"
	cbAuctions = "auctions"
	cbBundles  = "bundles"
	cbBalance  = "balance"

	cbPackagePrefix = "pkg:"

	cbContinue = "pay:continue"
	cbCancel   = "pay:cancel"
	cbSent     = "pay:sent"
	cbBack     = "pay:back"
	cbHash     = "pay:hash"
	cbClose    = "pay:close"
	cbFinish   = "pay:finish"
	cbRefresh  = "pay:refresh"
)

// MainKeyboard returns the main menu keyboard
func MainKeyboard() *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "🔥 Auctions", CallbackData: cbAuctions},
				{Text: "💎 Buy Points", CallbackData: cbPackages},
			},
			{
				{Text: "📦 Bundles", CallbackData: cbBundles},
				{Text: "💰 Balance", CallbackData: cbBalance},
			},
		},
	}
}

// PackagesKeyboard returns one button per package
func PackagesKeyboard(pkgs []catalog.Package) *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton

	for _, p := range pkgs {
		label := fmt.Sprintf("%s · %s pts · $%s", p.Name, formatPoints(p.TotalPoints()), p.Price.StringFixed(2))
		if p.Popular {
			label = "⭐ " + label
		}
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: label, CallbackData: fmt.Sprintf("%s%d", cbPackagePrefix, p.ID)},
		})
	}

	rows = append(rows, []models.InlineKeyboardButton{
		{Text: "⬅️ Back", CallbackData: cbMenu},
	})

	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// PaymentKeyboard returns the actions available at the session's step
func PaymentKeyboard(s topup.Session) *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton

	switch s.Step {
	case topup.StepSelectingPackage:
		rows = [][]models.InlineKeyboardButton{
			{{Text: "Continue to Payment", CallbackData: cbContinue}},
			{{Text: "Cancel", CallbackData: cbCancel}},
		}
	case topup.StepAwaitingPayment:
		rows = [][]models.InlineKeyboardButton{
			{{Text: "I've Sent Payment", CallbackData: cbSent}},
			{
				{Text: "⬅️ Back", CallbackData: cbBack},
				{Text: "🔄 Timer", CallbackData: cbRefresh},
			},
			{{Text: "Cancel", CallbackData: cbCancel}},
		}
	case topup.StepEnteringHash:
		rows = [][]models.InlineKeyboardButton{
			{{Text: "Submit Transaction", CallbackData: cbHash}},
			{{Text: "⬅️ Back", CallbackData: cbBack}},
		}
	case topup.StepAwaitingConfirmation:
		if s.Status == topup.StatusFailed {
			rows = append(rows, []models.InlineKeyboardButton{
				{Text: "Submit Transaction", CallbackData: cbHash},
			})
		}
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: "Close (Check Back Later)", CallbackData: cbClose},
		})
	case topup.StepCompleted:
		rows = [][]models.InlineKeyboardButton{
			{{Text: "Start Bidding", CallbackData: cbFinish}},
		}
	}

	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// RetryKeyboard offers to reload a view
func RetryKeyboard(target string) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "🔄 Retry", CallbackData: target},
			},
			{
				{Text: "⬅️ Back", CallbackData: cbMenu},
			},
		},
	}
}

// BackKeyboard returns a simple back button
func BackKeyboard() *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "⬅️ Back", CallbackData: cbMenu},
			},
		},
	}
}
