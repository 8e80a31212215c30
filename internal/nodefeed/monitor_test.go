package nodefeed

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/stretchr/testify/require"

	"github.com/cashstack/paygate/internal/config"
)

func newTestMonitor(t *testing.T, queueSize int) (*Monitor, *Matcher) {
	t.Helper()

	m, _ := newMatcherFixture(t)
	mon := NewMonitor(config.Node{ZMQHost: "127.0.0.1", ZMQPort: 28332}, testParams, m, queueSize, slog.Default())
	return mon, m
}

// payingTx builds a serialized transaction with one output paying the
// pubkey hash behind the given unprefixed cash address.
func payingTx(t *testing.T, unprefixed string, value int64) ([]byte, string) {
	t.Helper()

	addr, err := bchutil.DecodeAddress(unprefixed, testParams)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	msg := wire.NewMsgTx(wire.TxVersion)
	prev, err := chainhash.NewHashFromStr(fmt.Sprintf("%064x", value))
	require.NoError(t, err)
	msg.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prev, 0), []byte{txscript.OP_TRUE}))
	msg.AddTxOut(wire.NewTxOut(value, pkScript))

	var buf bytes.Buffer
	require.NoError(t, msg.Serialize(&buf))
	return buf.Bytes(), msg.TxHash().String()
}

func TestHandleMessage_RawTxDetectsPayment(t *testing.T) {
	mon, m := newTestMonitor(t, 10)
	unprefixed, canonical := testAddress(t, 0x21)
	createUserWithPayment(t, m.store, canonical, true)

	raw, txid := payingTx(t, unprefixed, 1000)
	require.True(t, mon.HandleMessage("rawtx", raw))

	queued, ok := mon.NextTx()
	require.True(t, ok)
	require.Equal(t, txid, queued)

	payment, err := m.store.GetPayment("pay-1")
	require.NoError(t, err)
	require.Equal(t, []string{txid}, payment.Txs)
}

func TestHandleMessage_RawBlock(t *testing.T) {
	mon, _ := newTestMonitor(t, 10)
	unprefixed, _ := testAddress(t, 0x22)

	rawTx, _ := payingTx(t, unprefixed, 500)
	var tx wire.MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(rawTx)))

	block := wire.NewMsgBlock(wire.NewBlockHeader(1, &chainhash.Hash{}, &chainhash.Hash{}, 0, 0))
	require.NoError(t, block.AddTransaction(&tx))

	var buf bytes.Buffer
	require.NoError(t, block.Serialize(&buf))

	require.True(t, mon.HandleMessage("rawblock", buf.Bytes()))

	blk, ok := mon.NextBlock()
	require.True(t, ok)
	require.Equal(t, block.BlockHash().String(), blk.Hash)
	require.Equal(t, 1, blk.Transactions)

	_, ok = mon.NextBlock()
	require.False(t, ok)
}

func TestHandleMessage_MalformedPayload(t *testing.T) {
	mon, _ := newTestMonitor(t, 10)

	require.False(t, mon.HandleMessage("rawtx", []byte("garbage")))
	require.False(t, mon.HandleMessage("rawblock", []byte{0x01}))

	_, ok := mon.NextTx()
	require.False(t, ok)
}

func TestHandleMessage_UnknownTopicIgnored(t *testing.T) {
	mon, _ := newTestMonitor(t, 10)

	require.False(t, mon.HandleMessage("hashtx", []byte{0x00}))
	_, ok := mon.NextTx()
	require.False(t, ok)
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	mon, _ := newTestMonitor(t, 2)

	mon.enqueueTx("tx-1")
	mon.enqueueTx("tx-2")
	mon.enqueueTx("tx-3")

	got, ok := mon.NextTx()
	require.True(t, ok)
	require.Equal(t, "tx-2", got)

	got, ok = mon.NextTx()
	require.True(t, ok)
	require.Equal(t, "tx-3", got)

	_, ok = mon.NextTx()
	require.False(t, ok)
}

func TestMonitor_DisconnectWithoutConnect(t *testing.T) {
	mon, _ := newTestMonitor(t, 10)

	// Best-effort: releasing a never-opened subscription is a no-op.
	mon.Disconnect()
}

func TestBlockTimestampPreserved(t *testing.T) {
	mon, _ := newTestMonitor(t, 10)

	ts := time.Unix(1700000000, 0).UTC()
	header := wire.NewBlockHeader(1, &chainhash.Hash{}, &chainhash.Hash{}, 0, 0)
	header.Timestamp = ts
	block := wire.NewMsgBlock(header)

	var buf bytes.Buffer
	require.NoError(t, block.Serialize(&buf))
	require.True(t, mon.HandleMessage("rawblock", buf.Bytes()))

	blk, ok := mon.NextBlock()
	require.True(t, ok)
	require.Equal(t, ts.Unix(), blk.Timestamp.Unix())
}
