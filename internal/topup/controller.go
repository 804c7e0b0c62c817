package topup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/suspectuso/bidwin-topup/internal/backend"
	"github.com/suspectuso/bidwin-topup/internal/catalog"
	"github.com/suspectuso/bidwin-topup/internal/realtime"
	"github.com/suspectuso/bidwin-topup/internal/storage"
)

var (
	ErrNoSession     = errors.New("no payment in progress")
	ErrSessionOpen   = errors.New("another payment is in progress")
	ErrSessionClosed = errors.New("payment was closed")
	ErrWrongStep     = errors.New("action not available at this step")
	ErrIrreversible  = errors.New("payment is awaiting confirmation")
	ErrBusy          = errors.New("request already in progress")
	ErrEmptyHash     = errors.New("transaction hash is empty")
)

// Step is the position of a session in the payment flow
type Step int

const (
	StepSelectingPackage Step = iota + 1
	StepAwaitingPayment
	StepEnteringHash
	StepAwaitingConfirmation
	StepCompleted
)

func (s Step) String() string {
	switch s {
	case StepSelectingPackage:
		return "selecting_package"
	case StepAwaitingPayment:
		return "awaiting_payment"
	case StepEnteringHash:
		return "entering_hash"
	case StepAwaitingConfirmation:
		return "awaiting_confirmation"
	case StepCompleted:
		return "completed"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Backend is the part of the BidWin API a payment needs
type Backend interface {
	Purchase(ctx context.Context, packageID int64, paymentMethod string) (*backend.PurchaseResult, error)
	SubmitHash(ctx context.Context, reference, txnHash string) (*backend.SubmitHashResult, error)
}

// ReferenceStore persists the in-flight reference of one user
type ReferenceStore interface {
	Save(reference string, at time.Time) error
	Load() (*storage.ReferenceRecord, error)
	Clear() error
	SaveCompleted(reference string) error
	LastCompleted() (string, error)
}

// Session is a snapshot of one payment attempt
type Session struct {
	ID              uuid.UUID
	Package         catalog.Package
	Reference       string
	DepositAddress  string
	Currency        string
	ExpiresAt       time.Time
	TransactionHash string
	Step            Step
	Status          Status
	// Message is the last message returned by the backend
	Message        string
	CreditedPoints int64
	Busy           bool
}

// TimeLeft formats the time until the deposit address expires
func (s Session) TimeLeft(now time.Time) string {
	return Countdown(s.ExpiresAt, now)
}

// Countdown formats the time until expiresAt as MM:SS, or "Expired".
// A zero expiresAt yields "".
func Countdown(expiresAt, now time.Time) string {
	if expiresAt.IsZero() {
		return ""
	}
	d := expiresAt.Sub(now)
	if d <= 0 {
		return "Expired"
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// Credit describes points granted for a completed payment
type Credit struct {
	UserID      int64
	Reference   string
	Points      int64
	PackageName string
}

type Options struct {
	PaymentMethod string
	// MaxAge bounds how old a persisted reference may be to be resumed
	MaxAge time.Duration

	// OnCredit is called exactly once per completed reference
	OnCredit func(ctx context.Context, c Credit)
	// OnComplete is called when the user finishes a completed session
	OnComplete func(ctx context.Context, userID, points int64)
	// OnUpdate is called when a pushed event changes the session
	OnUpdate func(ctx context.Context, userID int64, s Session)
}

// Controller runs the payment flow of one user. At most one session is open
// at a time.
type Controller struct {
	userID  int64
	backend Backend
	refs    ReferenceStore
	opts    Options
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	session *Session
	// lastReference is the most recent reference known to this user, even
	// after its session was closed
	lastReference string
	lastPackage   *catalog.Package
	lastCompleted string
}

// NewController creates the controller of a user and resumes a persisted
// reference if one is fresh enough
func NewController(userID int64, b Backend, refs ReferenceStore, opts Options, log *slog.Logger) *Controller {
	if opts.PaymentMethod == "" {
		opts.PaymentMethod = "usdt_bsc"
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 2 * time.Hour
	}

	c := &Controller{
		userID:  userID,
		backend: b,
		refs:    refs,
		opts:    opts,
		log:     log.With("user_id", userID),
		now:     time.Now,
	}
	c.resume()

	return c
}

func (c *Controller) resume() {
	completed, err := c.refs.LastCompleted()
	if err != nil {
		c.log.Warn("load completed reference", "error", err)
	}
	c.lastCompleted = completed

	rec, err := c.refs.Load()
	if err != nil {
		c.log.Warn("load reference", "error", err)
		return
	}
	if rec == nil {
		return
	}

	switch {
	case rec.Age(c.now()) > c.opts.MaxAge:
		c.log.Info("discarding expired reference", "reference", rec.Reference, "age", rec.Age(c.now()))
		c.clearPersisted()
	case rec.Reference == c.lastCompleted:
		c.clearPersisted()
	default:
		c.lastReference = rec.Reference
		c.log.Info("resumed pending reference", "reference", rec.Reference)
	}
}

func (c *Controller) UserID() int64 {
	return c.userID
}

// Session returns the open session
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// Pending returns the reference of a payment still awaiting confirmation, or
// "" if there is none
func (c *Controller) Pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastReference == "" || c.lastReference == c.lastCompleted {
		return ""
	}
	return c.lastReference
}

// Open starts a session for pkg. A session that has not reached the payment
// step, or has completed, is replaced.
func (c *Controller) Open(pkg catalog.Package) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.session; s != nil {
		if s.Step > StepSelectingPackage && s.Step < StepCompleted {
			return *s, ErrSessionOpen
		}
		c.closeLocked()
	}

	c.session = &Session{
		ID:      uuid.New(),
		Package: pkg,
		Step:    StepSelectingPackage,
	}
	c.log.Info("payment opened", "session", c.session.ID, "package_id", pkg.ID)

	return *c.session, nil
}

// Continue requests a deposit address for the selected package
func (c *Controller) Continue(ctx context.Context) (Session, error) {
	c.mu.Lock()
	s := c.session
	switch {
	case s == nil:
		c.mu.Unlock()
		return Session{}, ErrNoSession
	case s.Step != StepSelectingPackage:
		c.mu.Unlock()
		return *s, ErrWrongStep
	case s.Busy:
		c.mu.Unlock()
		return *s, ErrBusy
	case s.Reference != "":
		// back navigation keeps the reference issued for this session
		s.Step = StepAwaitingPayment
		snap := *s
		c.mu.Unlock()
		return snap, nil
	}
	s.Busy = true
	id, pkgID := s.ID, s.Package.ID
	c.mu.Unlock()

	res, err := c.backend.Purchase(ctx, pkgID, c.opts.PaymentMethod)

	c.mu.Lock()
	defer c.mu.Unlock()

	s = c.current(id)
	if s == nil {
		c.log.Info("dropping purchase response of a closed payment", "session", id)
		return Session{}, ErrSessionClosed
	}
	s.Busy = false

	if err != nil {
		c.log.Warn("purchase", "package_id", pkgID, "error", err)
		return *s, err
	}

	tr := res.TopupRequest
	s.Reference = tr.Reference
	s.DepositAddress = tr.WalletAddress
	s.Currency = tr.Currency
	s.ExpiresAt = tr.ExpireTS.Time
	s.Step = StepAwaitingPayment
	pkg := s.Package
	c.lastReference = tr.Reference
	c.lastPackage = &pkg

	if err := c.refs.Save(tr.Reference, c.now()); err != nil {
		c.log.Error("save reference", "reference", tr.Reference, "error", err)
	}
	c.log.Info("payment requested", "reference", tr.Reference, "expires_at", s.ExpiresAt)

	return *s, nil
}

// ConfirmSent acknowledges that the user sent the payment
func (c *Controller) ConfirmSent() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		return Session{}, ErrNoSession
	}
	if s.Step != StepAwaitingPayment {
		return *s, ErrWrongStep
	}
	s.Step = StepEnteringHash
	return *s, nil
}

// Back moves one step back. Sessions awaiting confirmation or completed
// cannot move back.
func (c *Controller) Back() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		return Session{}, ErrNoSession
	}

	switch s.Step {
	case StepAwaitingPayment, StepEnteringHash:
		if s.Busy {
			return *s, ErrBusy
		}
		s.Step--
		return *s, nil
	case StepAwaitingConfirmation, StepCompleted:
		return *s, ErrIrreversible
	}
	return *s, ErrWrongStep
}

// SubmitHash submits the transaction hash of the payment. It is accepted
// while entering the hash, and again after a failed verification.
func (c *Controller) SubmitHash(ctx context.Context, hash string) (Session, error) {
	hash = strings.TrimSpace(hash)

	c.mu.Lock()
	s := c.session
	switch {
	case s == nil:
		c.mu.Unlock()
		return Session{}, ErrNoSession
	case !(s.Step == StepEnteringHash || (s.Step == StepAwaitingConfirmation && s.Status == StatusFailed)):
		c.mu.Unlock()
		return *s, ErrWrongStep
	case hash == "":
		c.mu.Unlock()
		return *s, ErrEmptyHash
	case s.Busy:
		c.mu.Unlock()
		return *s, ErrBusy
	}
	s.Busy = true
	id, ref := s.ID, s.Reference
	c.mu.Unlock()

	res, err := c.backend.SubmitHash(ctx, ref, hash)

	c.mu.Lock()
	s = c.current(id)
	if s == nil {
		c.mu.Unlock()
		c.log.Info("dropping submit response of a closed payment", "session", id)
		return Session{}, ErrSessionClosed
	}
	s.Busy = false

	if s.Step == StepCompleted {
		// a pushed completion overtook the response
		snap := *s
		c.mu.Unlock()
		c.log.Info("dropping submit response of a completed payment", "reference", ref)
		return snap, nil
	}

	if err != nil {
		snap := *s
		c.mu.Unlock()
		c.log.Warn("submit hash", "reference", ref, "error", err)
		return snap, err
	}

	s.TransactionHash = hash
	s.Message = res.Message
	if err := c.refs.Save(ref, c.now()); err != nil {
		c.log.Error("save reference", "reference", ref, "error", err)
	}

	var credit *Credit
	switch status := NormalizeStatus(res.Status); status {
	case StatusCompleted:
		credit = c.completeLocked(ref, 0, "")
	case StatusNone:
		s.Status = StatusConfirming
		s.Step = StepAwaitingConfirmation
	default:
		s.Status = status
		s.Step = StepAwaitingConfirmation
	}
	snap := *s
	c.mu.Unlock()

	c.log.Info("hash submitted", "reference", ref, "status", res.Status)
	c.credit(ctx, credit)

	return snap, nil
}

// HandleEvent applies a pushed status update. Events for references this
// user does not know about are ignored.
func (c *Controller) HandleEvent(ctx context.Context, raw realtime.Event) {
	ev, err := ParseStatusEvent(raw.Data)
	if err != nil {
		c.log.Warn("invalid status event", "channel", raw.Channel, "error", err)
		return
	}

	c.mu.Lock()
	if !c.matchesLocked(ev.Reference) {
		c.mu.Unlock()
		c.log.Debug("ignoring event for another reference", "reference", ev.Reference)
		return
	}

	s := c.session
	attached := s != nil && s.Reference == ev.Reference

	var credit *Credit
	var update *Session

	switch {
	case attached && s.Step == StepCompleted:
		c.log.Debug("ignoring event for a completed payment", "reference", ev.Reference, "status", ev.RawStatus)

	case ev.Status == StatusCompleted:
		credit = c.completeLocked(ev.Reference, ev.Points, ev.PackageName)
		if attached {
			snap := *s
			update = &snap
		}

	case attached && ev.Status != StatusNone:
		step := s.Step
		if step < StepAwaitingConfirmation {
			step = StepAwaitingConfirmation
		}
		if s.Status == ev.Status && s.Step == step {
			c.log.Debug("status unchanged", "reference", ev.Reference, "status", ev.RawStatus)
			break
		}
		s.Status = ev.Status
		s.Step = step
		snap := *s
		update = &snap

	default:
		c.log.Info("status update", "reference", ev.Reference, "status", ev.RawStatus)
	}
	c.mu.Unlock()

	c.credit(ctx, credit)
	if update != nil && c.opts.OnUpdate != nil {
		c.opts.OnUpdate(ctx, c.userID, *update)
	}
}

// Finish ends a completed session and hands the credited points back
func (c *Controller) Finish(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	if s.Step != StepCompleted {
		c.mu.Unlock()
		return ErrWrongStep
	}
	points := s.CreditedPoints
	c.clearPersisted()
	c.session = nil
	c.mu.Unlock()

	c.log.Info("payment finished", "points", points)
	if c.opts.OnComplete != nil {
		c.opts.OnComplete(ctx, c.userID, points)
	}
	return nil
}

// Close abandons the open session. A reference awaiting confirmation stays
// persisted so the payment can still complete later.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Controller) closeLocked() {
	s := c.session
	if s == nil {
		return
	}

	if s.Reference != "" && s.Step < StepAwaitingConfirmation {
		c.clearPersisted()
		if c.lastReference == s.Reference {
			c.lastReference = ""
			c.lastPackage = nil
		}
	}
	if s.Step == StepCompleted {
		c.clearPersisted()
	}

	c.log.Info("payment closed", "session", s.ID, "step", s.Step.String())
	c.session = nil
}

func (c *Controller) current(id uuid.UUID) *Session {
	if c.session == nil || c.session.ID != id {
		return nil
	}
	return c.session
}

// matchesLocked checks ref against the session, the last known reference
// and the persisted reference
func (c *Controller) matchesLocked(ref string) bool {
	if ref == "" {
		return false
	}
	if c.session != nil && c.session.Reference == ref {
		return true
	}
	if c.lastReference == ref {
		return true
	}

	rec, err := c.refs.Load()
	if err != nil {
		c.log.Warn("load reference", "error", err)
		return false
	}
	return rec != nil && rec.Reference == ref && rec.Age(c.now()) <= c.opts.MaxAge
}

// completeLocked marks ref completed and returns the credit to grant, or nil
// if ref was already credited
func (c *Controller) completeLocked(ref string, points int64, packageName string) *Credit {
	if ref == c.lastCompleted {
		c.log.Debug("ignoring duplicate completion", "reference", ref)
		return nil
	}

	s := c.session
	attached := s != nil && s.Reference == ref
	if attached && s.Step == StepCompleted {
		return nil
	}

	var pkg *catalog.Package
	switch {
	case attached:
		pkg = &s.Package
	case ref == c.lastReference:
		pkg = c.lastPackage
	}

	if points <= 0 && pkg != nil {
		points = pkg.TotalPoints()
	}
	if packageName == "" && pkg != nil {
		packageName = pkg.Name
	}

	c.lastCompleted = ref
	if err := c.refs.SaveCompleted(ref); err != nil {
		c.log.Error("save completed reference", "reference", ref, "error", err)
	}
	c.clearPersisted()

	if attached {
		s.Step = StepCompleted
		s.Status = StatusCompleted
		s.CreditedPoints = points
	}

	c.log.Info("payment completed", "reference", ref, "points", points)

	if points <= 0 {
		c.log.Warn("completed payment without points", "reference", ref)
		return nil
	}
	return &Credit{
		UserID:      c.userID,
		Reference:   ref,
		Points:      points,
		PackageName: packageName,
	}
}

func (c *Controller) credit(ctx context.Context, credit *Credit) {
	if credit == nil || c.opts.OnCredit == nil {
		return
	}
	c.opts.OnCredit(ctx, *credit)
}

func (c *Controller) clearPersisted() {
	if err := c.refs.Clear(); err != nil {
		c.log.Error("clear reference", "error", err)
	}
}
