package party

import (
	"testing"

	"github.com/paychannel/simnet/pkg/sigreg"
	"github.com/paychannel/simnet/simnet/ledger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	alice = sigreg.Signer("alice")
	bob   = sigreg.Signer("bob")
)

type fixture struct {
	t     *testing.T
	reg   *sigreg.Registry
	chain *ledger.Ledger
	a     *Party
	b     *Party
	now   uint64
	next  ledger.AccountID
}

// newFixture starts a chain with timelock 10 where alice holds 100 on
// account 1 and bob 150 on account 2.
func newFixture(t *testing.T) *fixture {
	reg := sigreg.NewRegistry()
	chain := ledger.NewLedger(10, []ledger.GenesisAccount{
		{Owner: alice, Amount: 100},
		{Owner: bob, Amount: 150},
	})
	return &fixture{
		t:     t,
		reg:   reg,
		chain: chain,
		a:     NewParty(alice, bob, reg, zerolog.Nop()),
		b:     NewParty(bob, alice, reg, zerolog.Nop()),
		next:  chain.LastID(),
	}
}

func (f *fixture) mint(n int) []ledger.AccountID {
	ids := make([]ledger.AccountID, n)
	for i := range ids {
		f.next++
		ids[i] = f.next
	}
	return ids
}

func (f *fixture) apply(msg *ledger.Message) {
	f.t.Helper()
	require.NoError(f.t, f.chain.Apply(msg, f.mint(msg.FreshIDsNeeded()), f.reg, f.now))
}

func (f *fixture) command(p *Party, cmd *Command) []Output {
	f.t.Helper()
	out, err := p.Process(f.now, Input{Cmd: cmd}, f.chain.Snapshot())
	require.NoError(f.t, err)
	return out
}

func (f *fixture) wake(p *Party) []Output {
	f.t.Helper()
	return f.command(p, &Command{CheckChain: &CheckChainCommand{}})
}

// deliver hands every peer message in out to the recipient and returns the
// responses.
func (f *fixture) deliver(to *Party, out []Output) []Output {
	f.t.Helper()
	var next []Output
	for _, o := range out {
		require.NotNil(f.t, o.ToPeer, "expected a counterparty message")
		res, err := to.Process(f.now, Input{Peer: o.ToPeer}, f.chain.Snapshot())
		require.NoError(f.t, err)
		next = append(next, res...)
	}
	return next
}

// openChannel runs the full funding handshake: alice funds amount out of
// her genesis account, bob accepts.
func (f *fixture) openChannel(amount ledger.Coins) {
	f.t.Helper()

	f.command(f.b, &Command{AcceptChannel: &AcceptChannelCommand{}})

	out := f.command(f.a, &Command{OpenChannel: &OpenChannelCommand{
		Amount:        amount,
		TotalFunds:    100,
		SourceAccount: 1,
	}})
	out = f.deliver(f.b, out) // open-channel, answered with accept
	out = f.deliver(f.a, out) // accept, answered with funding-created
	out = f.deliver(f.b, out) // funding-created, answered with commitment-signed
	out = f.deliver(f.a, out) // commitment-signed, answered with the funding tx

	require.Len(f.t, out, 1)
	require.NotNil(f.t, out[0].ToLedger)
	f.apply(out[0].ToLedger)

	out = f.wake(f.a)         // sees inclusion, sends channel-ready
	out = f.deliver(f.b, out) // sees inclusion too, replies channel-ready
	out = f.deliver(f.a, out)
	require.Empty(f.t, out)

	require.Equal(f.t, StateStandby, f.a.State())
	require.Equal(f.t, StateStandby, f.b.State())
}

// pay runs one full payment round and returns the completed transfers.
func (f *fixture) pay(payer, payee *Party, amount ledger.Coins) []TransferDone {
	f.t.Helper()

	out := f.command(payer, &Command{TransferOnChannel: &TransferOnChannelCommand{Amount: amount}})
	out = f.deliver(payee, out) // initializer, answered with commit
	out = f.deliver(payer, out) // commit, answered with commit-and-revoke-and-ack

	require.Len(f.t, out, 1)
	res, err := payee.Process(f.now, Input{Peer: out[0].ToPeer}, f.chain.Snapshot())
	require.NoError(f.t, err)

	var done []TransferDone
	var raa []Output
	for _, o := range res {
		if o.Transfer != nil {
			done = append(done, *o.Transfer)
			continue
		}
		raa = append(raa, o)
	}
	out = f.deliver(payer, raa)
	require.Empty(f.t, out)
	return done
}

func TestChannelOpenHandshake(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)

	snap := f.chain.Snapshot()
	av := f.a.View(snap)
	bv := f.b.View(snap)

	require.EqualValues(t, 50, av.OnChainBalance)
	require.EqualValues(t, 50, av.ChannelBalance)
	require.EqualValues(t, 150, bv.OnChainBalance)
	require.EqualValues(t, 0, bv.ChannelBalance)

	require.NotZero(t, av.FundingAccount)
	require.Equal(t, av.FundingAccount, bv.FundingAccount)

	require.NotNil(t, av.LatestSplit)
	require.EqualValues(t, 50, av.LatestSplit.Split.Cond.Amount)
	require.EqualValues(t, 0, av.LatestSplit.Split.Cond.Nonce)
	require.NotNil(t, bv.LatestSplit)
	require.EqualValues(t, 0, bv.LatestSplit.Split.Cond.Amount)
}

func TestPaymentRound(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)

	done := f.pay(f.a, f.b, 30)
	require.Len(t, done, 1)
	require.Equal(t, bob, done[0].Recipient)
	require.EqualValues(t, 30, done[0].Amount)

	snap := f.chain.Snapshot()
	require.EqualValues(t, 20, f.a.View(snap).ChannelBalance)
	require.EqualValues(t, 30, f.b.View(snap).ChannelBalance)

	av := f.a.View(snap)
	require.EqualValues(t, 20, av.LatestSplit.Split.Cond.Amount)
	require.EqualValues(t, 1, av.LatestSplit.Split.Cond.Nonce)
	require.Len(t, av.Revocations, 1)
	require.Len(t, f.b.View(snap).Revocations, 1)
}

func TestPaymentRoundBothDirections(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)

	f.pay(f.a, f.b, 30)
	done := f.pay(f.b, f.a, 15)
	require.Len(t, done, 1)
	require.Equal(t, alice, done[0].Recipient)

	snap := f.chain.Snapshot()
	require.EqualValues(t, 35, f.a.View(snap).ChannelBalance)
	require.EqualValues(t, 15, f.b.View(snap).ChannelBalance)
	require.EqualValues(t, 2, f.a.View(snap).LatestSplit.Split.Cond.Nonce)
}

func TestExternalBalanceDropsAtInitiation(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)

	f.command(f.a, &Command{TransferOnChannel: &TransferOnChannelCommand{Amount: 30}})

	// mid-flight: the amount is already gone from the payer's guarantee
	// and not yet part of the payee's
	snap := f.chain.Snapshot()
	require.EqualValues(t, 20, f.a.View(snap).ChannelBalance)
	require.EqualValues(t, 0, f.b.View(snap).ChannelBalance)
}

func TestTransferCommandRejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.a.Process(f.now, Input{Cmd: &Command{TransferOnChannel: &TransferOnChannelCommand{Amount: 1}}}, f.chain.Snapshot())
	require.ErrorIs(t, err, ErrBadCommand)

	f.openChannel(50)

	_, err = f.a.Process(f.now, Input{Cmd: &Command{TransferOnChannel: &TransferOnChannelCommand{Amount: 51}}}, f.chain.Snapshot())
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// rejection left the state untouched
	require.Equal(t, StateStandby, f.a.State())
	require.EqualValues(t, 50, f.a.View(f.chain.Snapshot()).ChannelBalance)
}

func TestStaleInitializerIgnored(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)
	f.pay(f.a, f.b, 30)

	out, err := f.b.Process(f.now, Input{Peer: &PeerMessage{Initializer: &Initializer{Nonce: 1, Amount: 5}}}, f.chain.Snapshot())
	require.NoError(t, err)
	require.Empty(t, out)
	require.Equal(t, StateStandby, f.b.State())
}

func TestNonceSkipForcesDispute(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)
	f.pay(f.a, f.b, 30)

	out, err := f.b.Process(f.now, Input{Peer: &PeerMessage{Initializer: &Initializer{Nonce: 5, Amount: 5}}}, f.chain.Snapshot())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].ToLedger)
	require.NotNil(t, out[0].ToLedger.OpenDispute)
	require.Equal(t, StateClosingDispute, f.b.State())

	// the broadcast split is the latest one
	f.apply(out[0].ToLedger)
	acc, ok := f.chain.Snapshot().FindDispute(out[0].ToLedger.OpenDispute.HalfSigned.Split.Cond.Funding)
	require.True(t, ok)
	require.EqualValues(t, 30, acc.Dispute.Cond.Amount)
}

func TestOverdrawInitializerForcesDispute(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)
	f.pay(f.a, f.b, 30)

	// alice holds 20, an initializer for 21 proves equivocation
	out, err := f.b.Process(f.now, Input{Peer: &PeerMessage{Initializer: &Initializer{Nonce: 2, Amount: 21}}}, f.chain.Snapshot())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].ToLedger.OpenDispute)
	require.Equal(t, StateClosingDispute, f.b.State())
}

func TestFunderAbortsOnBadCommitment(t *testing.T) {
	f := newFixture(t)
	f.command(f.b, &Command{AcceptChannel: &AcceptChannelCommand{}})

	out := f.command(f.a, &Command{OpenChannel: &OpenChannelCommand{
		Amount:        50,
		TotalFunds:    100,
		SourceAccount: 1,
	}})
	out = f.deliver(f.b, out)
	out = f.deliver(f.a, out) // alice is now in funding-created-sent
	require.Equal(t, StateFundingCreatedSent, f.a.State())

	// a commitment over the wrong amount, properly signed by bob
	split := ledger.Split{Cond: ledger.ConditionalOutput{
		Party:   alice,
		Amount:  49,
		Nonce:   0,
		Funding: *f.a.funding,
	}}
	bad := &PeerMessage{CommitmentSigned: &CommitmentSigned{HalfSigned: ledger.HalfSignedSplit{
		Split: split,
		Sig:   f.reg.Sign(bob, ledger.SplitSignBytes(split)),
	}}}

	res, err := f.a.Process(f.now, Input{Peer: bad}, f.chain.Snapshot())
	require.NoError(t, err)
	require.Empty(t, res)
	require.Equal(t, StateChannelOpenFailed, f.a.State())

	// nothing was submitted, the funder keeps everything
	require.EqualValues(t, 100, f.chain.Snapshot().BalanceOf(alice))

	// the party is done, further commands are refused
	_, err = f.a.Process(f.now, Input{Cmd: &Command{OpenChannel: &OpenChannelCommand{Amount: 10, TotalFunds: 100, SourceAccount: 1}}}, f.chain.Snapshot())
	require.ErrorIs(t, err, ErrBadCommand)
}

func TestFunderAbortsOnIllTimedMessage(t *testing.T) {
	f := newFixture(t)

	out := f.command(f.a, &Command{OpenChannel: &OpenChannelCommand{
		Amount:        50,
		TotalFunds:    100,
		SourceAccount: 1,
	}})
	require.Len(t, out, 1)

	res, err := f.a.Process(f.now, Input{Peer: &PeerMessage{ChannelReady: &ChannelReady{}}}, f.chain.Snapshot())
	require.NoError(t, err)
	require.Empty(t, res)
	require.Equal(t, StateChannelOpenFailed, f.a.State())
}

func TestCloseNowSettlesAfterTimeout(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)
	f.pay(f.a, f.b, 30)
	f.pay(f.b, f.a, 15)

	out := f.command(f.a, &Command{CloseNow: &CloseNowCommand{}})
	require.Len(t, out, 1)
	require.NotNil(t, out[0].ToLedger.OpenDispute)
	// only the latest split is broadcast, never a revoked one
	require.EqualValues(t, 2, out[0].ToLedger.OpenDispute.HalfSigned.Split.Cond.Nonce)
	f.apply(out[0].ToLedger)
	require.Equal(t, StateClosingDispute, f.a.State())

	// bob sees the dispute, the broadcast split is current, he waits
	require.Empty(t, f.wake(f.b))
	require.Equal(t, StateClosingWaitingForTimeout, f.b.State())

	// too early to claim
	require.Empty(t, f.wake(f.a))

	f.now += f.chain.Timelock()
	out = f.wake(f.a)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].ToLedger.ClaimAfterTimeout)
	f.apply(out[0].ToLedger)
	require.Equal(t, StateClosingTimeoutSent, f.a.State())

	snap := f.chain.Snapshot()
	require.EqualValues(t, 85, snap.BalanceOf(alice))
	require.EqualValues(t, 165, snap.BalanceOf(bob))
	_, ok := snap.FindDispute(f.a.channel.Funding)
	require.False(t, ok)
}

func TestObserverClaimsWithBroadcastSignature(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)
	f.pay(f.a, f.b, 30)

	out := f.command(f.a, &Command{CloseNow: &CloseNowCommand{}})
	f.apply(out[0].ToLedger)

	// only bob is awake, he settles using the signature alice put on
	// chain when opening the dispute
	f.now += f.chain.Timelock()
	out = f.wake(f.b)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].ToLedger.ClaimAfterTimeout)
	f.apply(out[0].ToLedger)

	snap := f.chain.Snapshot()
	require.EqualValues(t, 70, snap.BalanceOf(alice))
	require.EqualValues(t, 180, snap.BalanceOf(bob))
}

func TestRevokedBroadcastIsPunished(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)

	stale := f.a.channel.BestOur
	f.pay(f.a, f.b, 30)

	// alice broadcasts the split she already revoked
	f.apply(&ledger.Message{OpenDispute: &ledger.OpenDispute{
		HalfSigned:     stale,
		Sig:            f.reg.Sign(alice, ledger.CondSignBytes(stale.Split.Cond)),
		FundingAccount: f.a.channel.FundingAccount,
	}})

	out := f.wake(f.b)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].ToLedger.Revoke)
	f.apply(out[0].ToLedger)
	require.Equal(t, StateClosingRevoke, f.b.State())

	// the cheater loses the whole capacity
	snap := f.chain.Snapshot()
	require.EqualValues(t, 50, snap.BalanceOf(alice))
	require.EqualValues(t, 200, snap.BalanceOf(bob))
}

func TestLateDisputeObservationFallsBackToClaim(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)

	stale := f.a.channel.BestOur
	f.pay(f.a, f.b, 30)

	f.apply(&ledger.Message{OpenDispute: &ledger.OpenDispute{
		HalfSigned:     stale,
		Sig:            f.reg.Sign(alice, ledger.CondSignBytes(stale.Split.Cond)),
		FundingAccount: f.a.channel.FundingAccount,
	}})

	// bob sleeps through the whole challenge window, a revocation is
	// useless now and the chain would reject it
	f.now += f.chain.Timelock() + 1
	out := f.wake(f.b)
	require.Len(t, out, 1)
	require.Nil(t, out[0].ToLedger.Revoke)
	require.NotNil(t, out[0].ToLedger.ClaimAfterTimeout)
	f.apply(out[0].ToLedger)
	require.Equal(t, StateClosingTimeoutSent, f.b.State())

	// the stale split settles as broadcast, the channel still closes
	snap := f.chain.Snapshot()
	require.EqualValues(t, 100, snap.BalanceOf(alice))
	require.EqualValues(t, 150, snap.BalanceOf(bob))
	_, ok := snap.FindDispute(f.b.channel.Funding)
	require.False(t, ok)
}

func TestLostPunishmentFallsBackToClaim(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)

	stale := f.a.channel.BestOur
	f.pay(f.a, f.b, 30)

	f.apply(&ledger.Message{OpenDispute: &ledger.OpenDispute{
		HalfSigned:     stale,
		Sig:            f.reg.Sign(alice, ledger.CondSignBytes(stale.Split.Cond)),
		FundingAccount: f.a.channel.FundingAccount,
	}})

	out := f.wake(f.b)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].ToLedger.Revoke)
	// the revoke transaction never reaches the chain

	f.now += f.chain.Timelock()
	out = f.wake(f.b)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].ToLedger.ClaimAfterTimeout)
	f.apply(out[0].ToLedger)
	require.Equal(t, StateClosingTimeoutSent, f.b.State())

	snap := f.chain.Snapshot()
	require.EqualValues(t, 100, snap.BalanceOf(alice))
	require.EqualValues(t, 150, snap.BalanceOf(bob))
}

func TestNeverSignsOverRevokedSplit(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)

	stale := f.a.channel.BestOur
	f.pay(f.a, f.b, 30)

	// a dispute always carries the latest nonce
	out := f.command(f.b, &Command{CloseNow: &CloseNowCommand{}})
	require.Len(t, out, 1)
	require.EqualValues(t, 1, out[0].ToLedger.OpenDispute.HalfSigned.Split.Cond.Nonce)

	// rolling the best split back to the revoked one must trip the
	// guard before anything is signed
	f.a.channel.BestOur = stale
	require.Panics(t, func() {
		_, _ = f.a.Process(f.now, Input{Cmd: &Command{CloseNow: &CloseNowCommand{}}}, f.chain.Snapshot())
	})
}

func TestOnChainTransferCommand(t *testing.T) {
	f := newFixture(t)

	out := f.command(f.a, &Command{TransferOnChain: &TransferOnChainCommand{Amount: 10, SourceAccount: 1}})
	require.Len(t, out, 1)
	require.NotNil(t, out[0].ToLedger.MoveOwnCoinsOnChain)

	// promised but not yet confirmed funds are excluded from the view
	require.EqualValues(t, 90, f.a.View(f.chain.Snapshot()).OnChainBalance)

	f.apply(out[0].ToLedger)
	snap := f.chain.Snapshot()
	require.EqualValues(t, 90, snap.BalanceOf(alice))
	require.EqualValues(t, 160, snap.BalanceOf(bob))
	require.EqualValues(t, 90, f.a.View(snap).OnChainBalance)
}

func TestConcurrentInitiationYieldsToSmallerID(t *testing.T) {
	f := newFixture(t)
	f.openChannel(50)
	f.pay(f.a, f.b, 30)

	outA := f.command(f.a, &Command{TransferOnChannel: &TransferOnChannelCommand{Amount: 5}})
	outB := f.command(f.b, &Command{TransferOnChannel: &TransferOnChannelCommand{Amount: 7}})

	// the initializers cross: alice ignores bob's, bob abandons his own
	// round and answers as payee
	require.Empty(t, f.deliver(f.a, outB))
	require.Equal(t, StateInitiated, f.a.State())

	out := f.deliver(f.b, outA)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].ToPeer.Commit)
	require.Equal(t, StateInProgress, f.b.State())

	// bob's reserved 7 came back before he accepted alice's 5
	out = f.deliver(f.a, out)
	res, err := f.b.Process(f.now, Input{Peer: out[0].ToPeer}, f.chain.Snapshot())
	require.NoError(t, err)
	raa := f.deliver(f.a, []Output{res[0]})
	require.Empty(t, raa)

	snap := f.chain.Snapshot()
	require.EqualValues(t, 15, f.a.View(snap).ChannelBalance)
	require.EqualValues(t, 35, f.b.View(snap).ChannelBalance)
	require.Equal(t, StateStandby, f.a.State())
	require.Equal(t, StateStandby, f.b.State())
}
