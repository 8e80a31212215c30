package nodefeed

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchutil"
	"github.com/stretchr/testify/require"

	"github.com/cashstack/paygate/internal/storage"
	"github.com/cashstack/paygate/internal/wallet"
)

var testParams = &chaincfg.MainNetParams

// testAddress returns the unprefixed and canonical cash address for a
// deterministic pubkey hash.
func testAddress(t *testing.T, seed byte) (string, string) {
	t.Helper()

	pkHash := make([]byte, 20)
	for i := range pkHash {
		pkHash[i] = seed
	}
	addr, err := bchutil.NewAddressPubKeyHash(pkHash, testParams)
	require.NoError(t, err)

	canonical, err := wallet.CashAddress(addr.EncodeAddress(), testParams)
	require.NoError(t, err)
	return addr.EncodeAddress(), canonical
}

func newMatcherFixture(t *testing.T) (*Matcher, *storage.Storage) {
	t.Helper()

	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewMatcher(store, testParams, slog.Default()), store
}

func createUserWithPayment(t *testing.T, store *storage.Storage, canonical string, withPayment bool) *storage.User {
	t.Helper()

	u := &storage.User{
		ID:            "user-1",
		ExternalID:    "ext-1",
		Email:         "user1@example.com",
		PasswordHash:  "hash",
		Type:          "user",
		WalletAddress: canonical,
		WalletIndex:   0,
		CreatedAt:     time.Unix(1700000000, 0),
	}
	require.NoError(t, store.CreateUser(u))

	if withPayment {
		require.NoError(t, store.CreatePayment(&storage.Payment{
			ID:              "pay-1",
			UserID:          u.ID,
			Status:          storage.StatusInProcess,
			PriceUSD:        10,
			PriceSats:       1000,
			CreditsQuantity: 100,
			CreatedAt:       time.Unix(1700000000, 0),
		}))
	}
	return u
}

func TestMatcher_RecordsDetection(t *testing.T) {
	m, store := newMatcherFixture(t)
	unprefixed, canonical := testAddress(t, 0x01)
	u := createUserWithPayment(t, store, canonical, true)

	detected := time.Unix(1700000500, 0)
	m.now = func() time.Time { return detected }

	matched := m.ReviewTransaction(&Transaction{
		TxID:    "tx-1",
		Outputs: []Output{{Addresses: []string{unprefixed}}},
	})
	require.Len(t, matched, 1)
	require.Equal(t, u.ID, matched[0].ID)

	payment, err := store.GetPayment("pay-1")
	require.NoError(t, err)
	require.Equal(t, []string{"tx-1"}, payment.Txs)

	got, err := store.GetUser(u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastPaymentTime)
	require.Equal(t, detected, *got.LastPaymentTime)
}

func TestMatcher_RedeliveryIsIgnored(t *testing.T) {
	m, store := newMatcherFixture(t)
	unprefixed, canonical := testAddress(t, 0x02)
	u := createUserWithPayment(t, store, canonical, true)

	first := time.Unix(1700000500, 0)
	m.now = func() time.Time { return first }

	tx := &Transaction{TxID: "tx-1", Outputs: []Output{{Addresses: []string{unprefixed}}}}
	require.Len(t, m.ReviewTransaction(tx), 1)

	// Same transaction arrives again post-confirmation.
	m.now = func() time.Time { return first.Add(time.Minute) }
	require.Empty(t, m.ReviewTransaction(tx))

	payment, err := store.GetPayment("pay-1")
	require.NoError(t, err)
	require.Equal(t, []string{"tx-1"}, payment.Txs)

	got, err := store.GetUser(u.ID)
	require.NoError(t, err)
	require.Equal(t, first, *got.LastPaymentTime, "re-delivery must not re-stamp detection time")
}

func TestMatcher_UnregisteredAddressIsNoOp(t *testing.T) {
	m, store := newMatcherFixture(t)
	_, canonical := testAddress(t, 0x03)
	u := createUserWithPayment(t, store, canonical, true)

	strangerUnprefixed, _ := testAddress(t, 0x04)
	require.Empty(t, m.ReviewTransaction(&Transaction{
		TxID:    "tx-1",
		Outputs: []Output{{Addresses: []string{strangerUnprefixed}}},
	}))

	payment, err := store.GetPayment("pay-1")
	require.NoError(t, err)
	require.Empty(t, payment.Txs)

	got, err := store.GetUser(u.ID)
	require.NoError(t, err)
	require.Nil(t, got.LastPaymentTime)
}

func TestMatcher_MalformedAddressSkippedNotFatal(t *testing.T) {
	m, store := newMatcherFixture(t)
	unprefixed, canonical := testAddress(t, 0x05)
	createUserWithPayment(t, store, canonical, true)

	matched := m.ReviewTransaction(&Transaction{
		TxID: "tx-1",
		Outputs: []Output{
			{Addresses: []string{"not-an-address", ""}},
			{Addresses: []string{unprefixed}},
		},
	})
	require.Len(t, matched, 1, "malformed strings must not abort the rest of the transaction")
}

func TestMatcher_NoInProcessPayment(t *testing.T) {
	m, store := newMatcherFixture(t)
	unprefixed, canonical := testAddress(t, 0x06)
	u := createUserWithPayment(t, store, canonical, false)

	require.Empty(t, m.ReviewTransaction(&Transaction{
		TxID:    "tx-1",
		Outputs: []Output{{Addresses: []string{unprefixed}}},
	}))

	has, err := store.HasTx("tx-1")
	require.NoError(t, err)
	require.False(t, has, "nothing to associate the funds with")

	got, err := store.GetUser(u.ID)
	require.NoError(t, err)
	require.Nil(t, got.LastPaymentTime)
}

func TestMatcher_MultipleUsersInOneTransaction(t *testing.T) {
	m, store := newMatcherFixture(t)

	var unprefixed []string
	for i := 0; i < 2; i++ {
		up, canonical := testAddress(t, byte(0x10+i))
		unprefixed = append(unprefixed, up)

		u := &storage.User{
			ID:            fmt.Sprintf("user-%d", i),
			Email:         fmt.Sprintf("user%d@example.com", i),
			PasswordHash:  "hash",
			Type:          "user",
			WalletAddress: canonical,
			WalletIndex:   uint32(i),
			CreatedAt:     time.Unix(1700000000, 0),
		}
		require.NoError(t, store.CreateUser(u))
		require.NoError(t, store.CreatePayment(&storage.Payment{
			ID:        fmt.Sprintf("pay-%d", i),
			UserID:    u.ID,
			Status:    storage.StatusInProcess,
			PriceSats: 1000,
			CreatedAt: time.Unix(1700000000, 0),
		}))
	}

	matched := m.ReviewTransaction(&Transaction{
		TxID: "tx-1",
		Outputs: []Output{
			{Addresses: []string{unprefixed[0]}},
			{Addresses: []string{unprefixed[1]}},
		},
	})

	// The txid is recorded once, against the first matching payment.
	require.Len(t, matched, 1)

	p0, err := store.GetPayment("pay-0")
	require.NoError(t, err)
	require.Equal(t, []string{"tx-1"}, p0.Txs)

	p1, err := store.GetPayment("pay-1")
	require.NoError(t, err)
	require.Empty(t, p1.Txs)
}
