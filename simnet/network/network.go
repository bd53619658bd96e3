package network

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/paychannel/simnet/pkg/sigreg"
	"github.com/paychannel/simnet/simnet/ledger"
	"github.com/paychannel/simnet/simnet/metrics"
	"github.com/paychannel/simnet/simnet/party"
	"github.com/rs/zerolog"
)

var (
	ErrPastDeadline = errors.New("advance would pass a delivery deadline")
	ErrUnknownParty = errors.New("unknown party")
)

// TransferEvent is one completed in-channel payment.
type TransferEvent struct {
	Recipient sigreg.Signer
	Amount    ledger.Coins
	At        uint64
}

// PeerDelivery identifies one queued counterparty message.
type PeerDelivery struct {
	Msg    *party.PeerMessage
	To     sigreg.Signer
	SentAt uint64
}

// LedgerDelivery identifies one queued chain message.
type LedgerDelivery struct {
	Msg    *ledger.Message
	SentAt uint64
}

type queuedPeer struct {
	PeerDelivery
	deadline uint64
	enc      []byte
}

type queuedLedger struct {
	LedgerDelivery
	deadline uint64
	enc      []byte
}

// Simulator owns the two parties, the chain, the shared signing oracle, a
// monotonic clock and the in-flight message multisets. Everything runs
// sequentially: one adversary move mutates one component at a time.
// Concurrency here is adversarial nondeterminism over delivery order, not
// parallel execution.
type Simulator struct {
	log zerolog.Logger

	reg   *sigreg.Registry
	chain *ledger.Ledger

	idA, idB sigreg.Signer
	partyA   *party.Party
	partyB   *party.Party

	now      uint64
	maxDelay uint64

	toParty  []queuedPeer
	toLedger []queuedLedger

	transfers []TransferEvent
	nextID    ledger.AccountID
}

type Config struct {
	MaxDelay uint64
}

func NewSimulator(cfg Config, chain *ledger.Ledger, reg *sigreg.Registry, a, b *party.Party, log zerolog.Logger) *Simulator {
	return &Simulator{
		log:      log,
		reg:      reg,
		chain:    chain,
		idA:      a.ID(),
		idB:      b.ID(),
		partyA:   a,
		partyB:   b,
		maxDelay: cfg.MaxDelay,
		nextID:   chain.LastID() + 1,
	}
}

func (s *Simulator) Now() uint64 {
	return s.now
}

func (s *Simulator) Chain() *ledger.Ledger {
	return s.chain
}

// Transfers returns the completed transfer log in completion order.
func (s *Simulator) Transfers() []TransferEvent {
	return append([]TransferEvent{}, s.transfers...)
}

func (s *Simulator) Party(id sigreg.Signer) *party.Party {
	switch id {
	case s.idA:
		return s.partyA
	case s.idB:
		return s.partyB
	}
	return nil
}

// MintIDs hands out account ids guaranteed fresh against chain history.
// Minted ids are never reused, even when the delivery they were minted
// for gets rejected.
func (s *Simulator) MintIDs(n int) []ledger.AccountID {
	ids := make([]ledger.AccountID, n)
	for i := range ids {
		ids[i] = s.nextID
		s.nextID++
	}
	return ids
}

func encodeAny(v any) []byte {
	data, err := cbor.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("unencodable message: %v", err))
	}
	return data
}

// AdvanceTime moves the clock forward. The move is refused when any
// in-flight message would outlive its delivery deadline, bounded delay is
// the liveness assumption fund safety rests on.
func (s *Simulator) AdvanceTime(dt uint64) error {
	if dt == 0 {
		return nil
	}
	target := s.now + dt
	for _, q := range s.toParty {
		if target > q.deadline {
			return fmt.Errorf("message to %s sent at %d: %w", q.To, q.SentAt, ErrPastDeadline)
		}
	}
	for _, q := range s.toLedger {
		if target > q.deadline {
			return fmt.Errorf("ledger message sent at %d: %w", q.SentAt, ErrPastDeadline)
		}
	}
	s.now = target
	s.log.Debug().Uint64("now", s.now).Msg("time advanced")
	return nil
}

// MinDeadline returns the earliest in-flight delivery deadline.
func (s *Simulator) MinDeadline() (uint64, bool) {
	var min uint64
	found := false
	for _, q := range s.toParty {
		if !found || q.deadline < min {
			min, found = q.deadline, true
		}
	}
	for _, q := range s.toLedger {
		if !found || q.deadline < min {
			min, found = q.deadline, true
		}
	}
	return min, found
}

// PendingPeer lists the queued counterparty deliveries.
func (s *Simulator) PendingPeer() []PeerDelivery {
	out := make([]PeerDelivery, len(s.toParty))
	for i, q := range s.toParty {
		out[i] = q.PeerDelivery
	}
	return out
}

// PendingLedger lists the queued chain deliveries.
func (s *Simulator) PendingLedger() []LedgerDelivery {
	out := make([]LedgerDelivery, len(s.toLedger))
	for i, q := range s.toLedger {
		out[i] = q.LedgerDelivery
	}
	return out
}

// DeliverToParty hands one queued copy of the message to its recipient.
// Exactly one matching copy is consumed; with no match the move is a
// no-op, which makes double delivery impossible.
func (s *Simulator) DeliverToParty(msg *party.PeerMessage, to sigreg.Signer, sentAt uint64) (bool, error) {
	p := s.Party(to)
	if p == nil {
		return false, fmt.Errorf("%s: %w", to, ErrUnknownParty)
	}

	enc := encodeAny(msg)
	idx := -1
	for i, q := range s.toParty {
		if q.To == to && q.SentAt == sentAt && bytes.Equal(q.enc, enc) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.log.Debug().Str("to", string(to)).Str("kind", msg.Kind()).Msg("no matching queued message, delivery is a no-op")
		return false, nil
	}
	s.toParty = append(s.toParty[:idx], s.toParty[idx+1:]...)
	metrics.UpdateQueued(len(s.toParty), len(s.toLedger))

	s.log.Debug().Str("to", string(to)).Str("kind", msg.Kind()).Uint64("sent_at", sentAt).Msg("delivering to party")
	metrics.DeliveredToParty.WithLabelValues(string(to), msg.Kind()).Inc()

	out, err := p.Process(s.now, party.Input{Peer: msg}, s.chain.Snapshot())
	s.absorb(p, out)
	if err != nil {
		// peer messages never produce command errors
		s.log.Error().Err(err).Msg("party failed on peer message")
	}
	return true, nil
}

// DeliverToLedger applies one queued chain message with the given fresh
// destination ids. A rejected message is consumed and dropped, modelling a
// transaction that never confirms.
func (s *Simulator) DeliverToLedger(msg *ledger.Message, sentAt uint64, freshIDs []ledger.AccountID) (bool, error) {
	enc := encodeAny(msg)
	idx := -1
	for i, q := range s.toLedger {
		if q.SentAt == sentAt && bytes.Equal(q.enc, enc) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.log.Debug().Str("kind", msg.Kind()).Msg("no matching queued ledger message, delivery is a no-op")
		return false, nil
	}
	s.toLedger = append(s.toLedger[:idx], s.toLedger[idx+1:]...)
	metrics.UpdateQueued(len(s.toParty), len(s.toLedger))

	s.log.Debug().Str("kind", msg.Kind()).Uint64("sent_at", sentAt).Msg("delivering to ledger")
	metrics.DeliveredToLedger.WithLabelValues(msg.Kind()).Inc()

	if err := s.chain.Apply(msg, freshIDs, s.reg, s.now); err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			s.log.Warn().Err(err).Str("kind", msg.Kind()).Msg("ledger rejected message")
			metrics.LedgerRejections.WithLabelValues(msg.Kind()).Inc()
			return true, nil
		}
		return true, err
	}
	if msg.OpenDispute != nil {
		metrics.DisputesOpened.Inc()
	}
	return true, nil
}

// InjectCommand feeds an environment command to a party. Command
// rejections surface to the caller, the party state is untouched by them.
func (s *Simulator) InjectCommand(cmd *party.Command, to sigreg.Signer) error {
	p := s.Party(to)
	if p == nil {
		return fmt.Errorf("%s: %w", to, ErrUnknownParty)
	}

	s.log.Debug().Str("to", string(to)).Str("kind", cmd.Kind()).Msg("injecting command")
	out, err := p.Process(s.now, party.Input{Cmd: cmd}, s.chain.Snapshot())
	s.absorb(p, out)
	return err
}

// absorb queues a party's outgoing effects, each with the bounded-delay
// delivery deadline.
func (s *Simulator) absorb(p *party.Party, out []party.Output) {
	for _, o := range out {
		switch {
		case o.ToPeer != nil:
			to := s.idA
			if p.ID() == s.idA {
				to = s.idB
			}
			s.toParty = append(s.toParty, queuedPeer{
				PeerDelivery: PeerDelivery{Msg: o.ToPeer, To: to, SentAt: s.now},
				deadline:     s.now + s.maxDelay,
				enc:          encodeAny(o.ToPeer),
			})
		case o.ToLedger != nil:
			s.toLedger = append(s.toLedger, queuedLedger{
				LedgerDelivery: LedgerDelivery{Msg: o.ToLedger, SentAt: s.now},
				deadline:       s.now + s.maxDelay,
				enc:            encodeAny(o.ToLedger),
			})
		case o.Transfer != nil:
			ev := TransferEvent{
				Recipient: o.Transfer.Recipient,
				Amount:    o.Transfer.Amount,
				At:        s.now,
			}
			s.transfers = append(s.transfers, ev)
			metrics.CompletedTransfers.WithLabelValues(string(ev.Recipient)).Inc()
			s.log.Info().Str("recipient", string(ev.Recipient)).Uint64("amount", uint64(ev.Amount)).Uint64("at", ev.At).Msg("transfer completed")
		}
	}
	metrics.UpdateQueued(len(s.toParty), len(s.toLedger))
}
