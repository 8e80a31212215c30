// Package nodefeed subscribes to a full node's ZMQ event stream and
// turns raw transaction notifications into payment detections.
package nodefeed

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/go-zeromq/zmq4"

	"github.com/cashstack/paygate/internal/config"
)

// Feed topics published by the node.
const (
	topicRawTx    = "rawtx"
	topicRawBlock = "rawblock"
)

// Block is a decoded block notification. Blocks are queued for
// external consumers; the monitor itself only settles on transactions.
type Block struct {
	Hash         string
	PrevBlock    string
	MerkleRoot   string
	Timestamp    time.Time
	Transactions int
}

// Monitor maintains the subscription to the node's rawtx/rawblock
// topics, decodes each message and drives address matching per
// transaction. Decoded ids/blocks are also buffered in bounded FIFO
// queues for pull-based consumers; when a queue fills, the oldest
// entry is dropped.
type Monitor struct {
	endpoint string
	params   *chaincfg.Params
	matcher  *Matcher
	log      *slog.Logger

	txQueue    chan string
	blockQueue chan *Block

	mu     sync.Mutex
	sub    zmq4.Socket
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(cfg config.Node, params *chaincfg.Params, matcher *Matcher, queueSize int, log *slog.Logger) *Monitor {
	return &Monitor{
		endpoint:   fmt.Sprintf("tcp://%s:%d", cfg.ZMQHost, cfg.ZMQPort),
		params:     params,
		matcher:    matcher,
		log:        log,
		txQueue:    make(chan string, queueSize),
		blockQueue: make(chan *Block, queueSize),
	}
}

// Connect opens the subscription and starts the consumption loop.
// Fails if the transport cannot dial or subscribe.
func (m *Monitor) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub != nil {
		return fmt.Errorf("monitor already connected to %s", m.endpoint)
	}

	loopCtx, cancel := context.WithCancel(ctx)

	sub := zmq4.NewSub(loopCtx, zmq4.WithAutomaticReconnect(true))
	if err := sub.Dial(m.endpoint); err != nil {
		cancel()
		return fmt.Errorf("dial node feed %s: %w", m.endpoint, err)
	}
	for _, topic := range []string{topicRawTx, topicRawBlock} {
		if err := sub.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			sub.Close()
			cancel()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	m.sub = sub
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.recvLoop(loopCtx)

	m.log.Info("node feed connected", "endpoint", m.endpoint)
	return nil
}

// Disconnect releases the subscription and stops the loop. Best
// effort; always succeeds.
func (m *Monitor) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub == nil {
		return
	}

	m.cancel()
	if err := m.sub.Close(); err != nil {
		m.log.Debug("close feed socket", "error", err)
	}
	<-m.done

	m.sub = nil
	m.cancel = nil
	m.log.Info("node feed disconnected")
}

// recvLoop is the single consumer of the subscription. Messages are
// processed in arrival order; matching for one transaction completes
// before the next message is read.
func (m *Monitor) recvLoop(ctx context.Context) {
	defer close(m.done)

	for {
		msg, err := m.sub.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Error("receive feed message", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// bitcoind publishes [topic, payload, sequence].
		if len(msg.Frames) < 2 {
			m.log.Warn("short feed message", "frames", len(msg.Frames))
			continue
		}
		m.HandleMessage(string(msg.Frames[0]), msg.Frames[1])
	}
}

// HandleMessage classifies a feed message by topic and processes it.
// This is a top-level stream handler: decode failures are logged and
// reported as false, never propagated, so one malformed message cannot
// stop the feed. Unknown topics are ignored.
func (m *Monitor) HandleMessage(topic string, raw []byte) bool {
	switch topic {
	case topicRawTx:
		tx, err := m.decodeTransaction(raw)
		if err != nil {
			m.log.Error("decode raw transaction", "error", err)
			return false
		}
		m.enqueueTx(tx.TxID)
		m.matcher.ReviewTransaction(tx)
		return true

	case topicRawBlock:
		blk, err := decodeBlock(raw)
		if err != nil {
			m.log.Error("decode raw block", "error", err)
			return false
		}
		m.enqueueBlock(blk)
		m.log.Info("new block", "hash", blk.Hash, "txs", blk.Transactions)
		return true

	default:
		return false
	}
}

func (m *Monitor) decodeTransaction(raw []byte) (*Transaction, error) {
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize transaction: %w", err)
	}

	tx := &Transaction{TxID: msg.TxHash().String()}
	for _, out := range msg.TxOut {
		var output Output
		// Nonstandard scripts yield no addresses; keep the output
		// so positions line up with the wire transaction.
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, m.params)
		if err == nil {
			for _, a := range addrs {
				output.Addresses = append(output.Addresses, a.EncodeAddress())
			}
		}
		tx.Outputs = append(tx.Outputs, output)
	}
	return tx, nil
}

func decodeBlock(raw []byte) (*Block, error) {
	var msg wire.MsgBlock
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize block: %w", err)
	}

	return &Block{
		Hash:         msg.BlockHash().String(),
		PrevBlock:    msg.Header.PrevBlock.String(),
		MerkleRoot:   msg.Header.MerkleRoot.String(),
		Timestamp:    msg.Header.Timestamp,
		Transactions: len(msg.Transactions),
	}, nil
}

func (m *Monitor) enqueueTx(txid string) {
	for {
		select {
		case m.txQueue <- txid:
			return
		default:
		}
		select {
		case dropped := <-m.txQueue:
			m.log.Warn("tx queue full, dropping oldest", "txid", dropped)
		default:
		}
	}
}

func (m *Monitor) enqueueBlock(blk *Block) {
	for {
		select {
		case m.blockQueue <- blk:
			return
		default:
		}
		select {
		case dropped := <-m.blockQueue:
			m.log.Warn("block queue full, dropping oldest", "hash", dropped.Hash)
		default:
		}
	}
}

// NextTx pops the next queued transaction id, if any.
func (m *Monitor) NextTx() (string, bool) {
	select {
	case txid := <-m.txQueue:
		return txid, true
	default:
		return "", false
	}
}

// NextBlock pops the next queued block, if any.
func (m *Monitor) NextBlock() (*Block, bool) {
	select {
	case blk := <-m.blockQueue:
		return blk, true
	default:
		return nil, false
	}
}
