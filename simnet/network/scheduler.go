package network

import (
	"context"
	"math/rand"

	"github.com/paychannel/simnet/pkg/sigreg"
	"github.com/paychannel/simnet/simnet/party"
)

// Move is one adversary step. Exactly one field is set.
type Move struct {
	AdvanceTime uint64
	Peer        *PeerDelivery
	Ledger      *LedgerDelivery
	Command     *CommandInjection
}

type CommandInjection struct {
	Cmd *party.Command
	To  sigreg.Signer
}

// Scheduler picks the next adversary move from the simulator's pending
// queues. Returning nil stops the run.
type Scheduler interface {
	Next(s *Simulator) *Move
}

// Apply executes one move. Ledger deliveries get their fresh destination
// ids minted here.
func (s *Simulator) Apply(m *Move) error {
	switch {
	case m.Peer != nil:
		_, err := s.DeliverToParty(m.Peer.Msg, m.Peer.To, m.Peer.SentAt)
		return err
	case m.Ledger != nil:
		_, err := s.DeliverToLedger(m.Ledger.Msg, m.Ledger.SentAt, s.MintIDs(m.Ledger.Msg.FreshIDsNeeded()))
		return err
	case m.Command != nil:
		return s.InjectCommand(m.Command.Cmd, m.Command.To)
	default:
		return s.AdvanceTime(m.AdvanceTime)
	}
}

// Run drives the simulator with the scheduler until it returns nil,
// maxSteps moves were made, or the context is cancelled.
func (s *Simulator) Run(ctx context.Context, sched Scheduler, maxSteps int) error {
	for i := 0; maxSteps <= 0 || i < maxSteps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m := sched.Next(s)
		if m == nil {
			return nil
		}
		if err := s.Apply(m); err != nil {
			return err
		}
	}
	return nil
}

// FIFOScheduler delivers every message in send order, ledger first, and
// advances time one tick when the network is idle. After each tick both
// parties get a chain check so timelock expiries are acted on.
type FIFOScheduler struct {
	wake []sigreg.Signer
	idle uint64
	// MaxIdle stops the run after this many consecutive idle ticks.
	MaxIdle uint64
}

func NewFIFOScheduler() *FIFOScheduler {
	return &FIFOScheduler{MaxIdle: 64}
}

func (f *FIFOScheduler) Next(s *Simulator) *Move {
	if len(f.wake) > 0 {
		id := f.wake[0]
		f.wake = f.wake[1:]
		return &Move{Command: &CommandInjection{Cmd: &party.Command{CheckChain: &party.CheckChainCommand{}}, To: id}}
	}
	if pend := s.PendingLedger(); len(pend) > 0 {
		f.idle = 0
		return &Move{Ledger: &pend[0]}
	}
	if pend := s.PendingPeer(); len(pend) > 0 {
		f.idle = 0
		return &Move{Peer: &pend[0]}
	}
	f.idle++
	if f.MaxIdle > 0 && f.idle > f.MaxIdle {
		return nil
	}
	f.wake = append(f.wake, s.idA, s.idB)
	return &Move{AdvanceTime: 1}
}

// RandomScheduler explores delivery orderings. Every pending message is a
// candidate, plus a one-tick time advance when that is still legal, plus a
// chain check wake for a random party. Same seed, same trajectory.
type RandomScheduler struct {
	rnd *rand.Rand
	// MaxSilent stops the run after this many moves that found only
	// wake or advance candidates.
	MaxSilent int
	silent    int
}

func NewRandomScheduler(seed int64) *RandomScheduler {
	return &RandomScheduler{rnd: rand.New(rand.NewSource(seed)), MaxSilent: 256}
}

func (r *RandomScheduler) Next(s *Simulator) *Move {
	var moves []*Move
	for _, d := range s.PendingLedger() {
		d := d
		moves = append(moves, &Move{Ledger: &d})
	}
	for _, d := range s.PendingPeer() {
		d := d
		moves = append(moves, &Move{Peer: &d})
	}
	busy := len(moves) > 0
	if min, ok := s.MinDeadline(); !ok || s.Now()+1 <= min {
		moves = append(moves, &Move{AdvanceTime: 1})
	}
	ids := []sigreg.Signer{s.idA, s.idB}
	moves = append(moves, &Move{Command: &CommandInjection{
		Cmd: &party.Command{CheckChain: &party.CheckChainCommand{}},
		To:  ids[r.rnd.Intn(len(ids))],
	}})

	if busy {
		r.silent = 0
	} else {
		r.silent++
		if r.MaxSilent > 0 && r.silent > r.MaxSilent {
			return nil
		}
	}
	return moves[r.rnd.Intn(len(moves))]
}
