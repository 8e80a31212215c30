// Package reconciler runs the periodic settlement loop. Detection
// only marks that funds may have arrived; the reconciler verifies the
// actual wallet balance, sweeps it, issues credits and finalizes the
// payment record exactly once.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cashstack/paygate/internal/storage"
)

// A user's wallet may collect several small transactions before the
// detection signal fires, and network fees can shave a little off an
// exact payment. Anything within this fraction of the price settles;
// below it the user is retried on the next pass.
const balanceMargin = 0.02

// ErrCreditAfterSweep marks the fatal inconsistency where funds were
// swept but credit issuance failed. The sweep is irreversible and a
// blind retry could double-credit, so the payment is left in-process
// for manual intervention.
var ErrCreditAfterSweep = errors.New("funds swept but credits not issued")

// Wallet is one derived user wallet as the reconciler sees it.
type Wallet interface {
	Address() string
	Balance(ctx context.Context) (int64, error)
	SweepAllTo(ctx context.Context, dest string) (string, error)
}

// DeriveFunc resolves a user's stored derivation index to its wallet.
type DeriveFunc func(index uint32) (Wallet, error)

// CreditIssuer grants credits to a user's upstream identity.
type CreditIssuer interface {
	AddCredits(ctx context.Context, userID string, qty int64) error
}

type Reconciler struct {
	store    *storage.Storage
	derive   DeriveFunc
	credits  CreditIssuer
	receiver string
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func New(store *storage.Storage, derive DeriveFunc, credits CreditIssuer, receiver string, interval time.Duration, log *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		derive:   derive,
		credits:  credits,
		receiver: receiver,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Start runs settlement passes until the context is cancelled. The
// next pass is scheduled only after the current one finishes, so two
// passes never run concurrently.
func (r *Reconciler) Start(ctx context.Context) {
	r.log.Info("reconciler started", "interval", r.interval, "receiver", r.receiver)

	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := r.ReviewPayments(ctx); err != nil {
				r.log.Error("review payments", "error", err)
			}
			timer.Reset(r.interval)
		}
	}
}

// ReviewPayments runs one settlement pass over every user whose
// detected payment is newer than their last review. A failure on one
// user never aborts the rest of the batch.
func (r *Reconciler) ReviewPayments(ctx context.Context) error {
	users, err := r.store.GetAllUsers()
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	for i := range users {
		user := &users[i]
		if !user.NeedsReview() {
			continue
		}

		if err := r.settle(ctx, user); err != nil {
			if errors.Is(err, ErrCreditAfterSweep) {
				r.log.Error("INCONSISTENT STATE: manual intervention required",
					"user_id", user.ID, "error", err)
			} else {
				r.log.Warn("settlement failed, user retried next pass",
					"user_id", user.ID, "error", err)
			}
			continue
		}
	}
	return nil
}

func (r *Reconciler) settle(ctx context.Context, user *storage.User) error {
	payment, err := r.store.InProcessPayment(user.ID)
	if errors.Is(err, storage.ErrNotFound) {
		// Nothing to settle: the payment was cancelled after detection,
		// or completed on a pass whose review stamp never landed.
		// Advance the stamp so the user stops surfacing every pass.
		r.log.Info("user has no in-process payment, clearing review flag", "user_id", user.ID)
		if err := r.store.SetLastReviewTime(user.ID, r.now()); err != nil {
			return fmt.Errorf("clear review flag for %s: %w", user.ID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("find in-process payment: %w", err)
	}

	w, err := r.derive(user.WalletIndex)
	if err != nil {
		return fmt.Errorf("derive wallet at index %d: %w", user.WalletIndex, err)
	}

	balance, err := w.Balance(ctx)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", w.Address(), err)
	}

	margin := float64(payment.PriceSats) * balanceMargin
	if float64(balance) < float64(payment.PriceSats)-margin {
		r.log.Info("insufficient balance, retrying next pass",
			"user_id", user.ID,
			"balance_sats", balance,
			"price_sats", payment.PriceSats,
		)
		return nil
	}

	// The entire balance is swept, not just the payment price.
	sweepTx, err := w.SweepAllTo(ctx, r.receiver)
	if err != nil {
		return fmt.Errorf("sweep %s: %w", w.Address(), err)
	}
	r.log.Info("user wallet swept",
		"user_id", user.ID, "balance_sats", balance, "sweep_tx", sweepTx)

	if err := r.credits.AddCredits(ctx, user.ExternalID, payment.CreditsQuantity); err != nil {
		return fmt.Errorf("%w: payment %s, user %s, sweep tx %s: %v",
			ErrCreditAfterSweep, payment.ID, user.ID, sweepTx, err)
	}

	settledAt := r.now()
	if err := r.store.CompletePayment(payment.ID, settledAt); err != nil {
		return fmt.Errorf("complete payment %s: %w", payment.ID, err)
	}
	if err := r.store.SetLastReviewTime(user.ID, settledAt); err != nil {
		// The payment is already completed, so the next pass finds
		// nothing in process and clears the flag instead of resettling.
		return fmt.Errorf("advance review time after completing %s: %w", payment.ID, err)
	}

	r.log.Info("payment completed",
		"payment_id", payment.ID,
		"user_id", user.ID,
		"credits", payment.CreditsQuantity,
	)
	return nil
}
