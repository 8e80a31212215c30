// Package wallet derives one hierarchical-deterministic receiving
// wallet per user from a master mnemonic and settles them by sweeping
// their entire balance to a fixed receiver address.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"

	"github.com/cashstack/paygate/internal/nodeapi"
)

// Derivation follows m/44'/245'/0'/0/<index>, one index per user.
const (
	coinType       = 245
	accountNumber  = 0
	externalBranch = 0
)

var ErrNoFunds = errors.New("wallet has no spendable outputs")

// NodeClient is the subset of the node REST API the wallet needs.
type NodeClient interface {
	Balance(ctx context.Context, address string) (nodeapi.Balance, error)
	UTXOs(ctx context.Context, address string) ([]nodeapi.UTXO, error)
	Broadcast(ctx context.Context, txHex string) (string, error)
}

// Service derives per-user wallets from a single master seed.
type Service struct {
	branch *hdkeychain.ExtendedKey // m/44'/245'/0'/0
	params *chaincfg.Params
	node   NodeClient
}

// New validates the mnemonic and pre-derives the external branch key
// that all user wallets hang off.
func New(mnemonic, network string, node NodeClient) (*Service, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	branch := master
	for _, step := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + accountNumber,
		externalBranch,
	} {
		branch, err = branch.Child(step)
		if err != nil {
			return nil, fmt.Errorf("derive branch key: %w", err)
		}
	}

	return &Service{
		branch: branch,
		params: params,
		node:   node,
	}, nil
}

// Params returns the chain parameters the service operates on.
func (s *Service) Params() *chaincfg.Params {
	return s.params
}

// Derive returns the wallet handle for a derivation index.
func (s *Service) Derive(index uint32) (*Handle, error) {
	key, err := s.branch.Child(index)
	if err != nil {
		return nil, fmt.Errorf("derive index %d: %w", index, err)
	}

	addr, err := key.Address(s.params)
	if err != nil {
		return nil, fmt.Errorf("address for index %d: %w", index, err)
	}

	return &Handle{
		index:   index,
		key:     key,
		addr:    addr,
		address: encodeCanonical(addr, s.params),
		svc:     s,
	}, nil
}

// DeriveAddress returns just the canonical receiving address for an
// index, for callers that never spend from the wallet.
func (s *Service) DeriveAddress(index uint32) (string, error) {
	h, err := s.Derive(index)
	if err != nil {
		return "", err
	}
	return h.Address(), nil
}

// Handle is one derived user wallet.
type Handle struct {
	index   uint32
	key     *hdkeychain.ExtendedKey
	addr    *bchutil.AddressPubKeyHash
	address string
	svc     *Service
}

// Address returns the canonical cash address of the wallet.
func (h *Handle) Address() string {
	return h.address
}

// Path returns the derivation path of the wallet.
func (h *Handle) Path() string {
	return fmt.Sprintf("m/44'/%d'/%d'/%d/%d", coinType, accountNumber, externalBranch, h.index)
}

// Balance returns the wallet balance in satoshis, unconfirmed
// outputs included. Settlement verifies against this value rather
// than any individual detected transaction.
func (h *Handle) Balance(ctx context.Context) (int64, error) {
	bal, err := h.svc.node.Balance(ctx, h.address)
	if err != nil {
		return 0, fmt.Errorf("balance of %s: %w", h.address, err)
	}
	return bal.Total(), nil
}
