package topup

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/suspectuso/bidwin-topup/internal/backend"
)

// Status is the verification status of a payment
type Status string

const (
	StatusNone       Status = ""
	StatusConfirming Status = "confirming"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// NormalizeStatus maps every status spelling the backend uses onto Status.
// Unknown values map to StatusNone.
func NormalizeStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "confirming", "pending", "processing":
		return StatusConfirming
	case "completed", "success":
		return StatusCompleted
	case "failed", "error", "cancelled":
		return StatusFailed
	}
	return StatusNone
}

// StatusEvent is a topup status update pushed over the user channel
type StatusEvent struct {
	Reference   string
	Status      Status
	RawStatus   string
	Points      int64
	PackageName string
	PackageID   int64
}

// statusPayload lists every field spelling seen in pushed updates
type statusPayload struct {
	Reference     string        `json:"reference"`
	ReferenceCode string        `json:"referenceCode"`
	Status        string        `json:"status"`
	Points        backend.Int64 `json:"points"`
	Credits       backend.Int64 `json:"credits"`
	Amount        backend.Int64 `json:"amount"`
	PackageName   string        `json:"package_name"`
	PackageID     backend.Int64 `json:"package_id"`
}

// ParseStatusEvent decodes a pushed update into a StatusEvent
func ParseStatusEvent(data []byte) (StatusEvent, error) {
	var p statusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return StatusEvent{}, fmt.Errorf("decode status event: %w", err)
	}

	ev := StatusEvent{
		Reference:   strings.TrimSpace(p.Reference),
		Status:      NormalizeStatus(p.Status),
		RawStatus:   p.Status,
		PackageName: p.PackageName,
		PackageID:   int64(p.PackageID),
	}
	if ev.Reference == "" {
		ev.Reference = strings.TrimSpace(p.ReferenceCode)
	}

	for _, v := range []backend.Int64{p.Points, p.Credits, p.Amount} {
		if v > 0 {
			ev.Points = int64(v)
			break
		}
	}

	if ev.Reference == "" {
		return ev, fmt.Errorf("status event without reference")
	}
	return ev, nil
}
