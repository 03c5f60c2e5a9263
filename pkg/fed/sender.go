package fed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"hearth/pkg/logger"
)

// Transaction size caps fixed by the federation specification.
const (
	MaxPDUsPerTxn = 50
	MaxEDUsPerTxn = 100
)

// Sender delivers PDUs to peers preserving per-destination transaction
// order: a transaction is built, signed and transmitted before the next
// one for the same destination is formed.
type Sender struct {
	client *Client
	origin string

	mu    sync.Mutex
	dests map[string]*destQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type destQueue struct {
	mu      sync.Mutex
	pending []json.RawMessage
	kick    chan struct{}
}

// NewSender builds the sender. Start delivery loops lazily per
// destination.
func NewSender(client *Client) *Sender {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		client: client,
		origin: client.signer.Origin(),
		dests:  map[string]*destQueue{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue schedules a PDU for delivery to each destination.
func (s *Sender) Enqueue(pdu json.RawMessage, destinations []string) {
	for _, dst := range destinations {
		if dst == "" || dst == s.origin {
			continue
		}
		q := s.queueFor(dst)
		q.mu.Lock()
		q.pending = append(q.pending, pdu)
		q.mu.Unlock()
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
}

func (s *Sender) queueFor(dst string) *destQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.dests[dst]
	if !ok {
		q = &destQueue{kick: make(chan struct{}, 1)}
		s.dests[dst] = q
		s.wg.Add(1)
		go s.run(dst, q)
	}
	return q
}

// run is the per-destination delivery loop. Only one transaction is in
// flight per destination at any time.
func (s *Sender) run(dst string, q *destQueue) {
	defer s.wg.Done()
	var txnSeq uint64
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-q.kick:
		}
		for {
			q.mu.Lock()
			n := len(q.pending)
			if n == 0 {
				q.mu.Unlock()
				break
			}
			if n > MaxPDUsPerTxn {
				n = MaxPDUsPerTxn
			}
			batch := append([]json.RawMessage(nil), q.pending[:n]...)
			q.pending = q.pending[n:]
			q.mu.Unlock()

			txnSeq++
			txnID := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), txnSeq)
			txn := Transaction{
				Origin:         s.origin,
				OriginServerTS: time.Now().UnixMilli(),
				PDUs:           batch,
			}
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			resp, err := s.client.Send(ctx, dst, txnID, txn)
			cancel()
			if err != nil {
				logger.Warn("federation_send_failed", "destination", dst, "txn", txnID, "pdus", len(batch), "error", err)
				continue
			}
			for eid, r := range resp.PDUs {
				if r.Error != "" {
					logger.Warn("federation_send_pdu_rejected", "destination", dst, "event_id", eid, "error", r.Error)
				}
			}
			logger.Debug("federation_txn_sent", "destination", dst, "txn", txnID, "pdus", len(batch))
		}
	}
}

// Close stops every delivery loop.
func (s *Sender) Close() {
	s.cancel()
	s.wg.Wait()
}
