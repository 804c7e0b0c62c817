package topup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/suspectuso/bidwin-topup/internal/backend"
	"github.com/suspectuso/bidwin-topup/internal/realtime"
	"github.com/suspectuso/bidwin-topup/internal/storage"
)

// Subscriber registers controllers for pushed events
type Subscriber interface {
	SubscribeToUserChannel(userID int64, h realtime.Handler) string
	UnsubscribeFromChannel(channel string, h realtime.Handler)
}

// Manager owns the controller of every user that opened a payment
type Manager struct {
	client *backend.Client
	store  *storage.Storage
	rt     Subscriber
	opts   Options
	log    *slog.Logger

	mu          sync.Mutex
	controllers map[int64]*Controller
	channels    map[int64]string
}

func NewManager(client *backend.Client, store *storage.Storage, rt Subscriber, opts Options, log *slog.Logger) *Manager {
	return &Manager{
		client:      client,
		store:       store,
		rt:          rt,
		opts:        opts,
		log:         log,
		controllers: make(map[int64]*Controller),
		channels:    make(map[int64]string),
	}
}

// Controller returns the controller of a user, creating and subscribing it
// on first use
func (m *Manager) Controller(userID int64) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.controllers[userID]; ok {
		return c
	}

	c := NewController(
		userID,
		&userBackend{client: m.client, store: m.store, userID: userID},
		m.store.References(userID),
		m.opts,
		m.log,
	)
	m.controllers[userID] = c
	m.channels[userID] = m.rt.SubscribeToUserChannel(userID, c)

	return c
}

// Resume creates controllers for every user with a pending payment so
// confirmations pushed while the process was down still credit
func (m *Manager) Resume() (int, error) {
	records, err := m.store.ListReferences()
	if err != nil {
		return 0, fmt.Errorf("list references: %w", err)
	}

	maxAge := m.opts.MaxAge
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}

	now := time.Now()
	resumed := 0
	for _, rec := range records {
		if rec.Age(now) > maxAge {
			m.log.Info("discarding expired reference", "user_id", rec.UserID, "reference", rec.Reference)
			if err := m.store.ClearReference(rec.UserID); err != nil {
				m.log.Error("clear reference", "user_id", rec.UserID, "error", err)
			}
			continue
		}

		m.Controller(rec.UserID)
		resumed++
	}

	m.log.Info("resumed pending payments", "count", resumed)
	return resumed, nil
}

// Stats reports the number of controllers and of pending payments
func (m *Manager) Stats() (controllers, pending int) {
	m.mu.Lock()
	list := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		list = append(list, c)
	}
	m.mu.Unlock()

	for _, c := range list {
		if c.Pending() != "" {
			pending++
		}
	}
	return len(list), pending
}

// Close unregisters every controller from the realtime client
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, c := range m.controllers {
		m.rt.UnsubscribeFromChannel(m.channels[userID], c)
	}
	m.controllers = make(map[int64]*Controller)
	m.channels = make(map[int64]string)
}

// userBackend calls the API with the user's current token
type userBackend struct {
	client *backend.Client
	store  *storage.Storage
	userID int64
}

func (b *userBackend) user() (*backend.UserClient, error) {
	token, err := b.store.GetToken(b.userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("no token for user %d: %w", b.userID, backend.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	return b.client.WithToken(token), nil
}

func (b *userBackend) Purchase(ctx context.Context, packageID int64, paymentMethod string) (*backend.PurchaseResult, error) {
	u, err := b.user()
	if err != nil {
		return nil, err
	}
	return u.Purchase(ctx, packageID, paymentMethod)
}

func (b *userBackend) SubmitHash(ctx context.Context, reference, txnHash string) (*backend.SubmitHashResult, error) {
	u, err := b.user()
	if err != nil {
		return nil, err
	}
	return u.SubmitHash(ctx, reference, txnHash)
}
