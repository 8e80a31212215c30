package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
)

const (
	// P2PKH input/output weights for fee estimation at 1 sat/byte.
	bytesPerInput  = 148
	bytesPerOutput = 34
	txOverhead     = 10
	feeRate        = 1

	dustLimit = 546
)

// SweepAllTo spends every unspent output of the wallet into a single
// output paying the destination address, and broadcasts the result.
// The whole balance is swept, not just a payment price; any
// overpayment stays with the receiver. Returns the broadcast txid.
func (h *Handle) SweepAllTo(ctx context.Context, dest string) (string, error) {
	utxos, err := h.svc.node.UTXOs(ctx, h.address)
	if err != nil {
		return "", fmt.Errorf("utxos of %s: %w", h.address, err)
	}
	if len(utxos) == 0 {
		return "", ErrNoFunds
	}

	destAddr, err := bchutil.DecodeAddress(dest, h.svc.params)
	if err != nil {
		return "", fmt.Errorf("decode receiver address: %w", err)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return "", fmt.Errorf("receiver script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	var total int64
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return "", fmt.Errorf("parse utxo txid %s: %w", u.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil))
		total += u.Value
	}

	fee := int64(feeRate * (bytesPerInput*len(utxos) + bytesPerOutput + txOverhead))
	amount := total - fee
	if amount < dustLimit {
		return "", fmt.Errorf("balance %d sats does not cover fee %d: %w", total, fee, ErrNoFunds)
	}
	tx.AddTxOut(wire.NewTxOut(amount, destScript))

	sourceScript, err := txscript.PayToAddrScript(h.addr)
	if err != nil {
		return "", fmt.Errorf("source script: %w", err)
	}
	privKey, err := h.key.ECPrivKey()
	if err != nil {
		return "", fmt.Errorf("private key: %w", err)
	}

	for i, u := range utxos {
		sigScript, err := txscript.SignatureScript(
			tx, i, u.Value, sourceScript,
			txscript.SigHashAll|txscript.SigHashForkID, privKey, true,
		)
		if err != nil {
			return "", fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize sweep tx: %w", err)
	}

	txid, err := h.svc.node.Broadcast(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return "", fmt.Errorf("broadcast sweep tx: %w", err)
	}
	return txid, nil
}
