package party

import (
	"errors"
	"fmt"

	"github.com/paychannel/simnet/pkg/sigreg"
	"github.com/paychannel/simnet/simnet/ledger"
	"github.com/rs/zerolog"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoChannel           = errors.New("no committed channel")
	ErrBadCommand          = errors.New("command not valid in current state")
)

// ChannelData is the per-party record of a committed channel.
type ChannelData struct {
	Funding        ledger.FundingTransaction
	FundingAccount ledger.AccountID

	// Nonce is the committed round counter, both parties' current splits
	// carry it.
	Nonce uint64

	// Internal is the balance actually committed by signed splits,
	// External the balance guaranteed to the environment. They diverge
	// only while a payment is in flight.
	Internal ledger.Coins
	External ledger.Coins

	// BestOur is our broadcastable split, signed by the counterparty.
	// BestThey is the counterparty's most recent split we signed.
	BestOur  ledger.HalfSignedSplit
	BestThey ledger.Split

	// Revocations holds every counterparty revocation we received, the
	// ammunition for punishing a stale broadcast.
	Revocations []ledger.RevocationEntry
}

type roundState struct {
	nonce    uint64
	amount   ledger.Coins
	theirOld ledger.ConditionalOutput
}

type pendingOpen struct {
	amount     ledger.Coins
	totalFunds ledger.Coins
	source     ledger.AccountID
}

// Party is one side of the channel protocol. State is privately owned and
// mutated only by its own Process step; the signature registry is the
// shared append-only oracle.
type Party struct {
	id   sigreg.Signer
	peer sigreg.Signer
	reg  *sigreg.Registry
	log  zerolog.Logger

	state State

	pendingOpen *pendingOpen
	peerOpenReq *OpenChannel
	acceptArmed bool

	funding       *ledger.FundingTransaction
	readySent     bool
	readyReceived bool

	channel *ChannelData
	round   *roundState

	// in-flight on-chain spends, cleared once the chain reflects them
	pendingChain []ledger.FundingTransaction

	// nonces of own splits we revoked, never to be signed over again
	revokedOwn map[uint64]struct{}
}

func NewParty(id, peer sigreg.Signer, reg *sigreg.Registry, log zerolog.Logger) *Party {
	return &Party{
		id:         id,
		peer:       peer,
		reg:        reg,
		log:        log.With().Str("party", string(id)).Logger(),
		state:      StateNotOpened,
		revokedOwn: map[uint64]struct{}{},
	}
}

func (p *Party) ID() sigreg.Signer {
	return p.id
}

func (p *Party) State() State {
	return p.state
}

// Process consumes one input at time now against the given chain view and
// returns the outgoing effects. Commands can be rejected with an error
// before any mutation; counterparty messages never fail, they are either
// applied, ignored, or force a dispute close.
func (p *Party) Process(now uint64, in Input, chain *ledger.Snapshot) ([]Output, error) {
	var out []Output
	p.observeChain(now, chain, &out)

	switch {
	case in.Cmd != nil:
		cmdOut, err := p.processCommand(in.Cmd, chain)
		if err != nil {
			return out, err
		}
		out = append(out, cmdOut...)
	case in.Peer != nil:
		out = append(out, p.processPeer(in.Peer)...)
	}
	return out, nil
}

// observeChain reacts to everything visible on chain: funding inclusion,
// settled own spends, and dispute accounts of the channel.
func (p *Party) observeChain(now uint64, chain *ledger.Snapshot, out *[]Output) {
	p.prunePendingChain(chain)

	if p.funding != nil && p.channel != nil && !p.state.Committed() && !p.state.Closing() &&
		p.state != StateChannelOpenFailed && p.channel.FundingAccount == 0 {
		if acc, ok := chain.FindChannel(*p.funding); ok {
			p.channel.FundingAccount = acc.ID
			p.log.Info().Uint64("account", uint64(acc.ID)).Msg("funding included on chain")
			p.maybeReady(out)
		}
	}

	if p.channel == nil || p.channel.FundingAccount == 0 {
		return
	}

	acc, ok := chain.FindDispute(p.channel.Funding)
	if !ok {
		return
	}
	cond := acc.Dispute.Cond

	if !p.state.Closing() {
		// counterparty broadcast, or our own dispute raced ahead of us
		p.state = StateClosingDispute
		p.log.Warn().Str("by", string(cond.Party)).Uint64("nonce", cond.Nonce).Msg("dispute observed on chain")
	}

	switch p.state {
	case StateClosingDispute:
		// punishment is only accepted inside the challenge window
		if cond.Party == p.peer && now < acc.Dispute.OpenedAt+chain.Timelock() {
			if rev := p.findRevocation(cond); rev != nil {
				// stale split broadcast, punish immediately
				*out = append(*out, Output{ToLedger: &ledger.Message{Revoke: &ledger.Revoke{
					Cond:          cond,
					SpenderSig:    p.reg.Sign(p.id, ledger.SpendSignBytes(cond)),
					RevocationSig: rev.Sig,
				}}})
				p.state = StateClosingRevoke
				p.log.Warn().Uint64("nonce", cond.Nonce).Msg("revoked split broadcast by counterparty, punishing")
				return
			}
		}
		p.state = StateClosingWaitingForTimeout
		fallthrough
	case StateClosingWaitingForTimeout, StateClosingRevoke:
		// a punishment that never confirmed falls back to the timeout claim
		if now < acc.Dispute.OpenedAt+chain.Timelock() {
			return
		}
		sig := acc.Dispute.OpenSig
		if cond.Party == p.id {
			p.mustUnrevoked(cond)
			sig = p.reg.Sign(p.id, ledger.CondSignBytes(cond))
		}
		*out = append(*out, Output{ToLedger: &ledger.Message{ClaimAfterTimeout: &ledger.ClaimAfterTimeout{
			Cond: cond,
			Sig:  sig,
		}}})
		p.state = StateClosingTimeoutSent
		p.log.Info().Uint64("nonce", cond.Nonce).Msg("timelock elapsed, claiming")
	}
}

func (p *Party) prunePendingChain(chain *ledger.Snapshot) {
	var left []ledger.FundingTransaction
	for _, tx := range p.pendingChain {
		if acc, ok := chain.Account(tx.SourceAccount); ok && acc.PublicKey != nil {
			left = append(left, tx)
		}
	}
	p.pendingChain = left
}

// maybeReady sends our ChannelReady once funding is confirmed and enters
// the committed phase when both sides are ready.
func (p *Party) maybeReady(out *[]Output) {
	if p.readySent || p.channel == nil || p.channel.FundingAccount == 0 {
		p.maybeCommitted()
		return
	}
	p.readySent = true
	*out = append(*out, Output{ToPeer: &PeerMessage{ChannelReady: &ChannelReady{}}})
	p.state = StateChannelReadySent
	p.maybeCommitted()
}

func (p *Party) maybeCommitted() {
	if p.readySent && p.readyReceived && !p.state.Committed() {
		p.state = StateStandby
		p.log.Info().Uint64("capacity", uint64(p.channel.Funding.Amount)).Msg("channel committed")
	}
}

func (p *Party) findRevocation(cond ledger.ConditionalOutput) *ledger.RevocationEntry {
	if p.channel == nil {
		return nil
	}
	for i := range p.channel.Revocations {
		if p.channel.Revocations[i].Cond == cond {
			return &p.channel.Revocations[i]
		}
	}
	return nil
}

// mustUnrevoked guards every dispute-side signature: signing over an
// output we revoked would hand the counterparty a punishment claim on our
// whole capacity. Unreachable while the round bookkeeping is correct.
func (p *Party) mustUnrevoked(cond ledger.ConditionalOutput) {
	if _, ok := p.revokedOwn[cond.Nonce]; ok {
		panic(fmt.Sprintf("%s: signing over revoked output at nonce %d", p.id, cond.Nonce))
	}
}

// forceDispute is our reaction to counterparty equivocation: broadcast our
// best signed split and stop talking.
func (p *Party) forceDispute(reason string, out *[]Output) {
	if p.channel == nil || p.channel.FundingAccount == 0 || p.state.Closing() {
		p.log.Warn().Str("reason", reason).Msg("counterparty misbehavior, nothing to dispute")
		return
	}
	cond := p.channel.BestOur.Split.Cond
	p.mustUnrevoked(cond)
	*out = append(*out, Output{ToLedger: &ledger.Message{OpenDispute: &ledger.OpenDispute{
		HalfSigned:     p.channel.BestOur,
		Sig:            p.reg.Sign(p.id, ledger.CondSignBytes(cond)),
		FundingAccount: p.channel.FundingAccount,
	}}})
	p.state = StateClosingDispute
	p.round = nil
	p.log.Warn().Str("reason", reason).Msg("forcing dispute close")
}

// signSplitFor produces a half-signed split handing the counterparty a
// broadcastable state where it owns amount.
func (p *Party) signSplitFor(amount ledger.Coins, nonce uint64) ledger.HalfSignedSplit {
	split := ledger.Split{Cond: ledger.ConditionalOutput{
		Party:   p.peer,
		Amount:  amount,
		Nonce:   nonce,
		Funding: p.channel.Funding,
	}}
	return ledger.HalfSignedSplit{
		Split: split,
		Sig:   p.reg.Sign(p.id, ledger.SplitSignBytes(split)),
	}
}

// revokeOwn signs away our split at the given conditional output. After
// this the output must never be signed over again.
func (p *Party) revokeOwn(cond ledger.ConditionalOutput) ledger.RevocationEntry {
	p.revokedOwn[cond.Nonce] = struct{}{}
	return ledger.RevocationEntry{
		Sig:  p.reg.Sign(p.id, ledger.RevocationSignBytes(cond)),
		Cond: cond,
	}
}

// View projects the externally observable state.
func (p *Party) View(chain *ledger.Snapshot) View {
	v := View{
		OnChainBalance: p.onChainExternal(chain),
		Closing:        p.state.Closing(),
	}
	if p.channel != nil {
		v.FundingAccount = p.channel.FundingAccount
		v.ChannelBalance = p.channel.External
		if p.channel.BestOur.Sig != 0 {
			hs := p.channel.BestOur
			v.LatestSplit = &hs
		}
		v.Revocations = append(v.Revocations, p.channel.Revocations...)
	}
	return v
}

// onChainExternal is the guaranteed on-chain balance: what the chain shows
// minus everything we already promised to spend.
func (p *Party) onChainExternal(chain *ledger.Snapshot) ledger.Coins {
	bal := chain.BalanceOf(p.id)
	for _, tx := range p.pendingChain {
		if tx.Amount > bal {
			return 0
		}
		bal -= tx.Amount
	}
	if p.pendingOpen != nil && (p.state == StateOpenChannelSent || p.state == StateFundingCreatedSent) {
		if p.pendingOpen.amount > bal {
			return 0
		}
		bal -= p.pendingOpen.amount
	}
	return bal
}

func (p *Party) ignore(kind, why string) []Output {
	p.log.Debug().Str("msg", kind).Str("state", p.state.String()).Str("why", why).Msg("ignoring counterparty message")
	return nil
}

func badCommandErr(kind string, s State) error {
	return fmt.Errorf("%s in state %s: %w", kind, s, ErrBadCommand)
}
