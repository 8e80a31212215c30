package storage

import "time"

// Payment status values.
const (
	StatusInProcess = "in-process"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// User represents a registered user with a derived receiving wallet.
type User struct {
	ID           string
	ExternalID   string // id in the upstream identity system
	Email        string
	PasswordHash string
	Name         string
	Type         string // "user" or "admin"

	WalletAddress string // canonical cashaddr, immutable once assigned
	WalletIndex   uint32 // derivation index, unique across all users

	LastPaymentTime *time.Time // set by the monitor on detection
	LastReviewTime  *time.Time // set by the reconciler on settlement

	CreatedAt time.Time
}

// NeedsReview reports whether a detected payment is newer than the
// last settlement pass over this user. A user that was never reviewed
// counts as needing review as soon as a payment is detected.
func (u *User) NeedsReview() bool {
	if u.LastPaymentTime == nil {
		return false
	}
	if u.LastReviewTime == nil {
		return true
	}
	return u.LastPaymentTime.After(*u.LastReviewTime)
}

// Payment represents one purchase of credits, settled on-chain.
type Payment struct {
	ID              string
	UserID          string
	Status          string
	Type            int // payment bracket, selects price/credits
	PriceUSD        float64
	PriceSats       int64
	CreditsQuantity int64

	// Txs holds the transaction ids observed for this payment, in
	// detection order, each at most once.
	Txs []string

	CreatedAt   time.Time
	CompletedAt *time.Time
}
