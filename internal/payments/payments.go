// Package payments implements the payment use cases. Payments are
// created in-process at a satoshi price derived from the live BCH/USD
// rate and finalized by the reconciler once funds settle on-chain.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cashstack/paygate/internal/storage"
)

var (
	ErrPaymentInProcess = errors.New("one payment is currently in process")
	ErrUnknownType      = errors.New("unknown payment type")
)

// Tier maps a payment bracket to its USD price and the credits it buys.
type Tier struct {
	PriceUSD float64
	Credits  int64
}

// DefaultTiers is the standard price table.
var DefaultTiers = map[int]Tier{
	1: {PriceUSD: 4.99, Credits: 50},
	2: {PriceUSD: 9.99, Credits: 120},
	3: {PriceUSD: 19.99, Credits: 300},
}

// RateSource provides the current BCH price in USD.
type RateSource interface {
	USDPrice(ctx context.Context) (float64, error)
}

type Service struct {
	store *storage.Storage
	rates RateSource
	tiers map[int]Tier
	log   *slog.Logger
	now   func() time.Time
}

func New(store *storage.Storage, rates RateSource, tiers map[int]Tier, log *slog.Logger) *Service {
	if tiers == nil {
		tiers = DefaultTiers
	}
	return &Service{
		store: store,
		rates: rates,
		tiers: tiers,
		log:   log,
		now:   time.Now,
	}
}

// Create opens a new in-process payment for a user. At most one
// in-process payment may exist per user at any time.
func (s *Service) Create(ctx context.Context, userID string, paymentType int) (*storage.Payment, error) {
	if _, err := s.store.GetUser(userID); err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}

	tier, ok := s.tiers[paymentType]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, paymentType)
	}

	if _, err := s.store.InProcessPayment(userID); err == nil {
		return nil, ErrPaymentInProcess
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	rate, err := s.rates.USDPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch BCH/USD rate: %w", err)
	}

	payment := &storage.Payment{
		ID:              uuid.NewString(),
		UserID:          userID,
		Status:          storage.StatusInProcess,
		Type:            paymentType,
		PriceUSD:        tier.PriceUSD,
		PriceSats:       usdToSats(tier.PriceUSD, rate),
		CreditsQuantity: tier.Credits,
		CreatedAt:       s.now(),
	}

	if err := s.store.CreatePayment(payment); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrPaymentInProcess
		}
		return nil, fmt.Errorf("store payment: %w", err)
	}

	s.log.Info("payment created",
		"payment_id", payment.ID,
		"user_id", userID,
		"price_usd", payment.PriceUSD,
		"price_sats", payment.PriceSats,
	)
	return payment, nil
}

// usdToSats converts a USD price to satoshis at the given BCH/USD rate.
func usdToSats(priceUSD, rate float64) int64 {
	priceBCH := priceUSD / rate
	return int64(math.Round(priceBCH * 1e8))
}

// Get returns a payment by id.
func (s *Service) Get(id string) (*storage.Payment, error) {
	return s.store.GetPayment(id)
}

// GetAll returns all payments.
func (s *Service) GetAll() ([]storage.Payment, error) {
	return s.store.GetAllPayments()
}

// Cancel moves an in-process payment to cancelled. Completed and
// already-cancelled payments are immutable.
func (s *Service) Cancel(id string) (*storage.Payment, error) {
	if err := s.store.CancelPayment(id, s.now()); err != nil {
		return nil, err
	}
	s.log.Info("payment cancelled", "payment_id", id)
	return s.store.GetPayment(id)
}

// Delete removes a payment record.
func (s *Service) Delete(id string) error {
	return s.store.DeletePayment(id)
}
