package network

import (
	"context"
	"testing"

	"github.com/paychannel/simnet/pkg/sigreg"
	"github.com/paychannel/simnet/simnet/ledger"
	"github.com/paychannel/simnet/simnet/party"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	alice = sigreg.Signer("alice")
	bob   = sigreg.Signer("bob")
)

func newSim(t *testing.T, maxDelay uint64) *Simulator {
	t.Helper()
	reg := sigreg.NewRegistry()
	chain := ledger.NewLedger(10, []ledger.GenesisAccount{
		{Owner: alice, Amount: 100},
		{Owner: bob, Amount: 150},
	})
	a := party.NewParty(alice, bob, reg, zerolog.Nop())
	b := party.NewParty(bob, alice, reg, zerolog.Nop())
	return NewSimulator(Config{MaxDelay: maxDelay}, chain, reg, a, b, zerolog.Nop())
}

func openCommand() *party.Command {
	return &party.Command{OpenChannel: &party.OpenChannelCommand{
		Amount:        50,
		TotalFunds:    100,
		SourceAccount: 1,
	}}
}

func drain(t *testing.T, sim *Simulator, sched Scheduler) {
	t.Helper()
	require.NoError(t, sim.Run(context.Background(), sched, 100000))
}

func conserved(t *testing.T, sim *Simulator) {
	t.Helper()
	var total ledger.Coins
	for _, acc := range sim.Chain().Snapshot().Accounts() {
		total += acc.Value()
	}
	require.Equal(t, sim.Chain().TotalIntroduced(), total+sim.Chain().Burned())
}

func TestEndToEndLifecycle(t *testing.T) {
	sim := newSim(t, 5)

	require.NoError(t, sim.InjectCommand(&party.Command{AcceptChannel: &party.AcceptChannelCommand{}}, bob))
	require.NoError(t, sim.InjectCommand(openCommand(), alice))
	drain(t, sim, NewFIFOScheduler())

	require.Equal(t, party.StateStandby, sim.Party(alice).State())
	require.Equal(t, party.StateStandby, sim.Party(bob).State())

	require.NoError(t, sim.InjectCommand(&party.Command{TransferOnChannel: &party.TransferOnChannelCommand{Amount: 30}}, alice))
	drain(t, sim, NewFIFOScheduler())
	require.NoError(t, sim.InjectCommand(&party.Command{TransferOnChannel: &party.TransferOnChannelCommand{Amount: 15}}, bob))
	drain(t, sim, NewFIFOScheduler())

	transfers := sim.Transfers()
	require.Len(t, transfers, 2)
	require.Equal(t, bob, transfers[0].Recipient)
	require.EqualValues(t, 30, transfers[0].Amount)
	require.Equal(t, alice, transfers[1].Recipient)
	require.EqualValues(t, 15, transfers[1].Amount)

	require.NoError(t, sim.InjectCommand(&party.Command{CloseNow: &party.CloseNowCommand{}}, alice))
	drain(t, sim, NewFIFOScheduler())

	snap := sim.Chain().Snapshot()
	require.EqualValues(t, 85, snap.BalanceOf(alice))
	require.EqualValues(t, 165, snap.BalanceOf(bob))
	conserved(t, sim)
}

func TestRandomSchedulerDeterministic(t *testing.T) {
	run := func(seed int64) ([]TransferEvent, ledger.Coins, ledger.Coins) {
		sim := newSim(t, 5)
		require.NoError(t, sim.InjectCommand(&party.Command{AcceptChannel: &party.AcceptChannelCommand{}}, bob))
		require.NoError(t, sim.InjectCommand(openCommand(), alice))
		drain(t, sim, NewRandomScheduler(seed))

		require.Equal(t, party.StateStandby, sim.Party(alice).State())
		require.NoError(t, sim.InjectCommand(&party.Command{TransferOnChannel: &party.TransferOnChannelCommand{Amount: 30}}, alice))
		drain(t, sim, NewRandomScheduler(seed+1))
		conserved(t, sim)

		snap := sim.Chain().Snapshot()
		return sim.Transfers(), snap.BalanceOf(alice), snap.BalanceOf(bob)
	}

	t1, a1, b1 := run(7)
	t2, a2, b2 := run(7)
	require.Equal(t, t1, t2)
	require.Equal(t, a1, a2)
	require.Equal(t, b1, b2)

	require.Len(t, t1, 1)
	require.EqualValues(t, 30, t1[0].Amount)
	require.EqualValues(t, 50, a1)
	require.EqualValues(t, 150, b1)
}

func TestDeliveryIsIdempotent(t *testing.T) {
	sim := newSim(t, 5)

	require.NoError(t, sim.InjectCommand(openCommand(), alice))
	pend := sim.PendingPeer()
	require.Len(t, pend, 1)

	ok, err := sim.DeliverToParty(pend[0].Msg, pend[0].To, pend[0].SentAt)
	require.NoError(t, err)
	require.True(t, ok)

	// the copy is consumed, a replay is a no-op
	ok, err = sim.DeliverToParty(pend[0].Msg, pend[0].To, pend[0].SentAt)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeliverUnsentMessageIsNoOp(t *testing.T) {
	sim := newSim(t, 5)

	ok, err := sim.DeliverToParty(&party.PeerMessage{ChannelReady: &party.ChannelReady{}}, alice, 0)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, party.StateNotOpened, sim.Party(alice).State())

	ok, err = sim.DeliverToLedger(&ledger.Message{ClaimAfterTimeout: &ledger.ClaimAfterTimeout{}}, 0, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAdvanceTimeRespectsDeadlines(t *testing.T) {
	sim := newSim(t, 5)

	require.NoError(t, sim.InjectCommand(openCommand(), alice))
	require.Len(t, sim.PendingPeer(), 1)

	require.ErrorIs(t, sim.AdvanceTime(6), ErrPastDeadline)
	require.EqualValues(t, 0, sim.Now())

	// up to the deadline is fine, the message is still deliverable
	require.NoError(t, sim.AdvanceTime(5))
	require.EqualValues(t, 5, sim.Now())

	pend := sim.PendingPeer()
	ok, err := sim.DeliverToParty(pend[0].Msg, pend[0].To, pend[0].SentAt)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, sim.AdvanceTime(1000))
}

func TestRejectedLedgerDeliveryIsConsumed(t *testing.T) {
	sim := newSim(t, 5)

	// a claim with no matching dispute is queued by hand and dropped by
	// the chain
	sim.toLedger = append(sim.toLedger, queuedLedger{
		LedgerDelivery: LedgerDelivery{
			Msg:    &ledger.Message{ClaimAfterTimeout: &ledger.ClaimAfterTimeout{}},
			SentAt: 0,
		},
		deadline: 5,
		enc:      encodeAny(&ledger.Message{ClaimAfterTimeout: &ledger.ClaimAfterTimeout{}}),
	})

	msg := &ledger.Message{ClaimAfterTimeout: &ledger.ClaimAfterTimeout{}}
	ok, err := sim.DeliverToLedger(msg, 0, sim.MintIDs(msg.FreshIDsNeeded()))
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, sim.PendingLedger())

	// the chain is untouched
	require.EqualValues(t, 100, sim.Chain().Snapshot().BalanceOf(alice))
}

func TestMintIDsNeverRepeat(t *testing.T) {
	sim := newSim(t, 5)

	seen := map[ledger.AccountID]bool{1: true, 2: true}
	for i := 0; i < 3; i++ {
		for _, id := range sim.MintIDs(2) {
			require.False(t, seen[id])
			seen[id] = true
		}
	}
}
