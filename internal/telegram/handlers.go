package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/suspectuso/bidwin-topup/internal/backend"
	"github.com/suspectuso/bidwin-topup/internal/catalog"
	"github.com/suspectuso/bidwin-topup/internal/config"
	"github.com/suspectuso/bidwin-topup/internal/storage"
	"github.com/suspectuso/bidwin-topup/internal/topup"
)

// Payments gives access to the payment controller of a user
type Payments interface {
	Controller(userID int64) *topup.Controller
}

// Bot wraps the telegram bot with handlers
type Bot struct {
	bot      *bot.Bot
	cfg      *config.Config
	storage  *storage.Storage
	api      *backend.Client
	catalog  *catalog.Service
	payments Payments
	states   *StateManager
	log      *slog.Logger
	now      func() time.Time
}

// New creates a new telegram bot
func New(cfg *config.Config, store *storage.Storage, api *backend.Client, cat *catalog.Service, log *slog.Logger) (*Bot, error) {
	b := &Bot{
		cfg:     cfg,
		storage: store,
		api:     api,
		catalog: cat,
		states:  NewStateManager(),
		log:     log,
		now:     time.Now,
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
		bot.WithCallbackQueryDataHandler("", bot.MatchTypePrefix, b.callbackHandler),
	}

	tgBot, err := bot.New(cfg.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	b.bot = tgBot

	// Register command handlers
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypeExact, b.startHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/start ", bot.MatchTypePrefix, b.startHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/balance", bot.MatchTypeExact, b.balanceHandler)

	return b, nil
}

// UsePayments attaches the payment controllers. Must be called before Start.
func (b *Bot) UsePayments(p Payments) {
	b.payments = p
}

// Start starts the bot polling
func (b *Bot) Start(ctx context.Context) {
	b.bot.Start(ctx)
}

// --- Handlers ---

func (b *Bot) startHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}

	from := update.Message.From
	b.states.SetState(from.ID, StateIdle)

	profile, cached, err := b.authenticate(ctx, from)
	if err != nil {
		b.sendMessage(ctx, update.Message.Chat.ID,
			"❌ "+backend.UserMessage(err)+"\n\nSend /start to try again.", nil)
		return
	}

	text := RenderProfile(profile, cached) + b.pendingNote(from.ID)
	b.sendMessage(ctx, update.Message.Chat.ID, text, MainKeyboard())
}

func (b *Bot) balanceHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}

	b.sendMessage(ctx, update.Message.Chat.ID, b.balanceText(update.Message.From.ID), MainKeyboard())
}

// authenticate signs the user in and caches the profile. When the backend
// is unreachable the cached profile is returned with cached set.
func (b *Bot) authenticate(ctx context.Context, from *models.User) (*storage.Profile, bool, error) {
	res, err := b.api.Authenticate(ctx, backend.AuthRequest{
		User: &backend.AuthUser{
			ID:        from.ID,
			Username:  from.Username,
			FirstName: from.FirstName,
			LastName:  from.LastName,
		},
	})
	if err != nil {
		b.log.Warn("authenticate", "user_id", from.ID, "error", err)

		profile, cacheErr := b.storage.GetProfile(from.ID)
		if cacheErr != nil {
			return nil, false, err
		}
		return profile, true, nil
	}

	profile := &storage.Profile{
		UserID:    from.ID,
		Name:      res.Profile.Name,
		Username:  res.Profile.Username,
		Points:    res.Profile.Points.IntPart(),
		Token:     res.Token,
		CreatedTS: res.Profile.CreatedTS,
	}
	if err := b.storage.SaveProfile(profile); err != nil {
		b.log.Error("save profile", "user_id", from.ID, "error", err)
	}

	b.log.Info("user authenticated", "user_id", from.ID, "points", profile.Points)
	return profile, false, nil
}

func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Text == "" {
		return
	}

	userID := update.Message.From.ID
	text := strings.TrimSpace(update.Message.Text)

	state, ok := b.states.Get(userID)
	if !ok {
		return
	}

	switch state.State {
	case StateWaitHash:
		b.handleWaitHash(ctx, update.Message, text)
	}
}

func (b *Bot) handleWaitHash(ctx context.Context, msg *models.Message, hash string) {
	userID := msg.From.ID
	c := b.payments.Controller(userID)

	s, err := c.SubmitHash(ctx, hash)
	if errors.Is(err, topup.ErrEmptyHash) {
		b.sendMessage(ctx, msg.Chat.ID, "❌ "+userMessage(err), nil)
		return
	}

	b.states.SetState(userID, StateIdle)

	if err != nil {
		b.log.Warn("submit hash", "user_id", userID, "error", err)
		b.sendMessage(ctx, msg.Chat.ID, "❌ "+userMessage(err), nil)
		if _, open := c.Session(); !open {
			return
		}
	}

	sent := b.sendMessage(ctx, msg.Chat.ID, RenderSession(s, b.now()), PaymentKeyboard(s))
	if sent != nil {
		b.states.TrackMessage(userID, msg.Chat.ID, sent.ID)
	}
}

func (b *Bot) callbackHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.CallbackQuery == nil {
		return
	}

	cb := update.CallbackQuery
	userID := cb.From.ID
	data := cb.Data

	var alert string
	switch {
	case data == cbMenu:
		b.showMainMenu(ctx, cb)
	case data == cbBalance:
		b.editMessage(ctx, cb.Message, b.balanceText(userID), MainKeyboard())
	case data == cbPackages:
		b.showPackages(ctx, cb)
	case data == cbAuctions:
		b.showAuctions(ctx, cb)
	case data == cbBundles:
		b.showBundles(ctx, cb)
	case strings.HasPrefix(data, cbPackagePrefix):
		alert = b.handleOpen(ctx, cb, data)
	case strings.HasPrefix(data, "pay:"):
		alert = b.handlePayment(ctx, cb, data)
	default:
		b.log.Warn("unknown callback", "data", data, "user_id", userID)
	}

	params := &bot.AnswerCallbackQueryParams{CallbackQueryID: cb.ID}
	if alert != "" {
		params.Text = alert
		params.ShowAlert = true
	}
	if _, err := tgBot.AnswerCallbackQuery(ctx, params); err != nil {
		b.log.Debug("answer callback", "error", err)
	}
}

func (b *Bot) showMainMenu(ctx context.Context, cb *models.CallbackQuery) {
	userID := cb.From.ID
	b.states.SetState(userID, StateIdle)

	profile, err := b.storage.GetProfile(userID)
	if err != nil {
		profile = &storage.Profile{UserID: userID, Name: cb.From.FirstName, Username: cb.From.Username}
	}

	b.editMessage(ctx, cb.Message, RenderProfile(profile, false)+b.pendingNote(userID), MainKeyboard())
}

func (b *Bot) showPackages(ctx context.Context, cb *models.CallbackQuery) {
	listing, err := b.catalog.Packages(ctx, b.source(cb.From.ID))
	if err != nil {
		b.log.Warn("load packages", "error", err)
		b.editMessage(ctx, cb.Message, "❌ Could not load packages. "+backend.UserMessage(err), RetryKeyboard(cbPackages))
		return
	}

	b.editMessage(ctx, cb.Message, RenderPackages(listing), PackagesKeyboard(listing.Entries))
}

func (b *Bot) showAuctions(ctx context.Context, cb *models.CallbackQuery) {
	listing, err := b.catalog.Items(ctx, b.source(cb.From.ID))
	if err != nil {
		b.log.Warn("load auctions", "error", err)
		b.editMessage(ctx, cb.Message, "❌ Could not load auctions. "+backend.UserMessage(err), RetryKeyboard(cbAuctions))
		return
	}

	b.editMessage(ctx, cb.Message, RenderAuctions(listing, b.now()), RetryKeyboard(cbAuctions))
}

func (b *Bot) showBundles(ctx context.Context, cb *models.CallbackQuery) {
	listing, err := b.catalog.Bundles(ctx, b.source(cb.From.ID))
	if err != nil {
		b.log.Warn("load bundles", "error", err)
		b.editMessage(ctx, cb.Message, "❌ Could not load bundles. "+backend.UserMessage(err), RetryKeyboard(cbBundles))
		return
	}

	b.editMessage(ctx, cb.Message, RenderBundles(listing), BackKeyboard())
}

func (b *Bot) handleOpen(ctx context.Context, cb *models.CallbackQuery, data string) string {
	userID := cb.From.ID

	id, err := strconv.ParseInt(strings.TrimPrefix(data, cbPackagePrefix), 10, 64)
	if err != nil {
		return "Package not found"
	}

	pkg, ok, err := b.catalog.Package(ctx, b.source(userID), id)
	if err != nil {
		return backend.UserMessage(err)
	}
	if !ok {
		return "Package not found"
	}

	s, err := b.payments.Controller(userID).Open(pkg)
	if err != nil && !errors.Is(err, topup.ErrSessionOpen) {
		return userMessage(err)
	}

	b.showSession(ctx, cb, s)
	if err != nil {
		return userMessage(err)
	}
	return ""
}

func (b *Bot) handlePayment(ctx context.Context, cb *models.CallbackQuery, data string) string {
	userID := cb.From.ID
	c := b.payments.Controller(userID)

	var s topup.Session
	var err error

	switch data {
	case cbContinue:
		s, err = c.Continue(ctx)
	case cbSent:
		s, err = c.ConfirmSent()
	case cbBack:
		b.states.SetState(userID, StateIdle)
		s, err = c.Back()
	case cbRefresh:
		var ok bool
		if s, ok = c.Session(); !ok {
			err = topup.ErrNoSession
		}
	case cbHash:
		return b.promptHash(ctx, cb, c)
	case cbCancel:
		c.Close()
		b.states.SetState(userID, StateIdle)
		b.showPackages(ctx, cb)
		return ""
	case cbClose:
		c.Close()
		b.states.SetState(userID, StateIdle)
		b.editMessage(ctx, cb.Message,
			"👌 We'll let you know here as soon as your payment is confirmed.", MainKeyboard())
		return ""
	case cbFinish:
		if err := c.Finish(ctx); err != nil {
			return userMessage(err)
		}
		b.states.Clear(userID)
		b.catalog.Invalidate()
		b.showAuctions(ctx, cb)
		return ""
	default:
		b.log.Warn("unknown payment action", "data", data, "user_id", userID)
		return ""
	}

	if errors.Is(err, topup.ErrNoSession) || errors.Is(err, topup.ErrSessionClosed) {
		b.editMessage(ctx, cb.Message, userMessage(err), MainKeyboard())
		return ""
	}

	b.showSession(ctx, cb, s)
	if err != nil {
		b.log.Warn("payment action", "action", data, "user_id", userID, "error", err)
		return userMessage(err)
	}
	return ""
}

func (b *Bot) promptHash(ctx context.Context, cb *models.CallbackQuery, c *topup.Controller) string {
	s, ok := c.Session()
	if !ok {
		return userMessage(topup.ErrNoSession)
	}
	if s.Step != topup.StepEnteringHash && !(s.Step == topup.StepAwaitingConfirmation && s.Status == topup.StatusFailed) {
		return userMessage(topup.ErrWrongStep)
	}

	b.states.SetState(cb.From.ID, StateWaitHash)
	b.editMessage(ctx, cb.Message,
		RenderSession(s, b.now())+"\n\n✍️ <b>Send the transaction hash as a message.</b>",
		&models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
			{{Text: "⬅️ Back", CallbackData: cbBack}},
		}},
	)
	return ""
}

func (b *Bot) showSession(ctx context.Context, cb *models.CallbackQuery, s topup.Session) {
	b.editMessage(ctx, cb.Message, RenderSession(s, b.now()), PaymentKeyboard(s))
	if msg := cb.Message.Message; msg != nil {
		b.states.TrackMessage(cb.From.ID, msg.Chat.ID, msg.ID)
	}
}

// ShowSession refreshes the payment view of a user after a pushed update
func (b *Bot) ShowSession(ctx context.Context, userID int64, s topup.Session) {
	text := RenderSession(s, b.now())
	keyboard := PaymentKeyboard(s)

	st, ok := b.states.Get(userID)
	if ok && st.MessageID != 0 {
		_, err := b.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:      st.ChatID,
			MessageID:   st.MessageID,
			Text:        text,
			ParseMode:   models.ParseModeHTML,
			ReplyMarkup: keyboard,
		})
		if err == nil || isNotModified(err) {
			return
		}
		b.log.Debug("edit payment view", "user_id", userID, "error", err)
	}

	sent := b.sendMessage(ctx, userID, text, keyboard)
	if sent != nil {
		b.states.TrackMessage(userID, userID, sent.ID)
	}
}

// --- Helpers ---

// source returns a catalog source authenticated as the user when a token
// is cached
func (b *Bot) source(userID int64) catalog.Source {
	token, err := b.storage.GetToken(userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		b.log.Warn("load token", "user_id", userID, "error", err)
	}
	return b.api.WithToken(token)
}

func (b *Bot) balanceText(userID int64) string {
	profile, err := b.storage.GetProfile(userID)
	if err != nil {
		return "💰 No balance yet. Send /start to sign in."
	}
	return fmt.Sprintf("💰 Balance: <b>%s points</b>", formatPoints(profile.Points)) + b.pendingNote(userID)
}

func (b *Bot) pendingNote(userID int64) string {
	if b.payments == nil {
		return ""
	}
	ref := b.payments.Controller(userID).Pending()
	if ref == "" {
		return ""
	}
	return fmt.Sprintf("\n\n⏳ Payment <code>%s</code> is awaiting confirmation.", html.EscapeString(ref))
}

// userMessage returns text safe to show for a payment error
func userMessage(err error) string {
	switch {
	case errors.Is(err, topup.ErrEmptyHash):
		return "Please enter the transaction hash."
	case errors.Is(err, topup.ErrSessionOpen):
		return "Finish or close your current payment first."
	case errors.Is(err, topup.ErrNoSession), errors.Is(err, topup.ErrSessionClosed):
		return "This payment is no longer open."
	case errors.Is(err, topup.ErrIrreversible):
		return "Your payment is being verified and can no longer be changed."
	case errors.Is(err, topup.ErrBusy):
		return "Please wait, your request is in progress."
	case errors.Is(err, topup.ErrWrongStep):
		return "This action is not available right now."
	}
	return backend.UserMessage(err)
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) *models.Message {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	msg, err := b.bot.SendMessage(ctx, params)
	if err != nil {
		b.log.Error("send message", "error", err)
		return nil
	}
	return msg
}

func (b *Bot) editMessage(ctx context.Context, msg models.MaybeInaccessibleMessage, text string, keyboard *models.InlineKeyboardMarkup) {
	if msg.Message == nil {
		return
	}

	params := &bot.EditMessageTextParams{
		ChatID:    msg.Message.Chat.ID,
		MessageID: msg.Message.ID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.EditMessageText(ctx, params)
	if err != nil && !isNotModified(err) {
		b.log.Error("edit message", "error", err)
	}
}

// isNotModified reports whether Telegram refused an edit because the message
// already has the given content
func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

// SendNotification sends a notification message to a user
func (b *Bot) SendNotification(ctx context.Context, userID int64, text string, keyboard *models.InlineKeyboardMarkup) error {
	disablePreview := true
	params := &bot.SendMessageParams{
		ChatID:    userID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: &disablePreview,
		},
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.SendMessage(ctx, params)
	return err
}
