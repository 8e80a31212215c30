package nodefeed

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gcash/bchd/chaincfg"

	"github.com/cashstack/paygate/internal/storage"
	"github.com/cashstack/paygate/internal/wallet"
)

// Transaction is a decoded feed transaction. It only carries what
// address matching needs and is not retained beyond the current event.
type Transaction struct {
	TxID    string
	Outputs []Output
}

// Output holds the address strings of one transaction output.
type Output struct {
	Addresses []string
}

// Matcher maps transaction output addresses back to registered users.
// On a match it records the txid against the user's in-process payment
// and stamps the detection time; the reconciler settles from there.
type Matcher struct {
	store  *storage.Storage
	params *chaincfg.Params
	log    *slog.Logger
	now    func() time.Time
}

func NewMatcher(store *storage.Storage, params *chaincfg.Params, log *slog.Logger) *Matcher {
	return &Matcher{
		store:  store,
		params: params,
		log:    log,
		now:    time.Now,
	}
}

// ReviewTransaction checks every output address of a transaction
// against registered users. Runs off an unreliable streaming source:
// a malformed address or a failed lookup skips that candidate only,
// never the rest of the transaction. Returns the matched users.
func (m *Matcher) ReviewTransaction(tx *Transaction) []*storage.User {
	var matched []*storage.User
	for _, out := range tx.Outputs {
		for _, raw := range out.Addresses {
			if raw == "" {
				continue
			}

			addr, err := wallet.CashAddress(raw, m.params)
			if err != nil {
				m.log.Debug("skipping unparseable output address", "address", raw, "error", err)
				continue
			}

			user, err := m.reviewAddress(tx.TxID, addr)
			if err != nil {
				m.log.Error("review output address", "address", addr, "txid", tx.TxID, "error", err)
				continue
			}
			if user != nil {
				m.log.Info("user payment detected",
					"user_id", user.ID,
					"address", addr,
					"txid", tx.TxID,
				)
				matched = append(matched, user)
			}
		}
	}
	return matched
}

// reviewAddress records a detected transaction for the user owning
// addr, if any. Returns nil without error when there is nothing to do:
// no registered user, a re-delivered transaction, or no in-process
// payment to attach the funds to.
func (m *Matcher) reviewAddress(txid, addr string) (*storage.User, error) {
	user, err := m.store.GetUserByWalletAddress(addr)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// The feed frequently delivers the same transaction twice, once
	// from the mempool and once when mined. A txid already recorded
	// against any payment is a re-delivery.
	seen, err := m.store.HasTx(txid)
	if err != nil {
		return nil, err
	}
	if seen {
		m.log.Debug("transaction already handled", "txid", txid, "user_id", user.ID)
		return nil, nil
	}

	payment, err := m.store.InProcessPayment(user.ID)
	if errors.Is(err, storage.ErrNotFound) {
		m.log.Info("payment received for user without in-process payment, deferring",
			"user_id", user.ID, "txid", txid)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := m.store.AppendPaymentTx(payment.ID, txid); err != nil {
		return nil, err
	}

	detected := m.now()
	if err := m.store.SetLastPaymentTime(user.ID, detected); err != nil {
		return nil, err
	}
	user.LastPaymentTime = &detected

	return user, nil
}
