package party

import (
	"github.com/paychannel/simnet/simnet/ledger"
)

// Payment round message handling. Classification of mismatches follows one
// conservative rule: stale or duplicate traffic is ignored, a fresh but
// inconsistent statement proves the counterparty runs a different protocol
// and forces a dispute close.

func (p *Party) onInitializer(msg *Initializer) []Output {
	if !p.state.Committed() {
		return p.ignore("initializer", "channel not committed")
	}
	if p.state != StateStandby {
		if p.state == StateInitiated && msg.Nonce == p.round.nonce && p.id > p.peer {
			// both sides initiated the same round at once. The smaller
			// id keeps its round, ours is abandoned and its reserved
			// amount restored.
			p.channel.External += p.round.amount
			p.round = nil
			p.state = StateStandby
			p.log.Info().Uint64("nonce", msg.Nonce).Msg("simultaneous initiation, yielding")
		} else {
			return p.ignore("initializer", "round already in flight")
		}
	}

	var out []Output
	if msg.Nonce <= p.channel.Nonce {
		return p.ignore("initializer", "stale nonce")
	}
	if msg.Nonce != p.channel.Nonce+1 {
		p.forceDispute("initializer skips nonces", &out)
		return out
	}
	payerBalance := p.channel.BestThey.Cond.Amount
	if msg.Amount == 0 || msg.Amount > payerBalance {
		p.forceDispute("initializer overdraws payer balance", &out)
		return out
	}

	p.round = &roundState{
		nonce:    msg.Nonce,
		amount:   msg.Amount,
		theirOld: p.channel.BestThey.Cond,
	}

	// sign the payer's updated split
	hs := p.signSplitFor(payerBalance-msg.Amount, msg.Nonce)
	p.channel.BestThey = hs.Split

	p.state = StateInProgress
	p.log.Debug().Uint64("amount", uint64(msg.Amount)).Uint64("nonce", msg.Nonce).Msg("payment round accepted")

	return []Output{{ToPeer: &PeerMessage{Commit: &Commit{Nonce: msg.Nonce, HalfSigned: hs}}}}
}

func (p *Party) onCommit(msg *Commit) []Output {
	if p.state != StateInitiated {
		return p.ignore("commit", "no round initiated")
	}

	var out []Output
	if msg.Nonce != p.round.nonce {
		if msg.Nonce < p.round.nonce {
			return p.ignore("commit", "stale nonce")
		}
		p.forceDispute("commit for unknown round", &out)
		return out
	}

	wantCond := ledger.ConditionalOutput{
		Party:   p.id,
		Amount:  p.channel.BestOur.Split.Cond.Amount - p.round.amount,
		Nonce:   p.round.nonce,
		Funding: p.channel.Funding,
	}
	if msg.HalfSigned.Split.Cond != wantCond ||
		!p.reg.Verify(p.peer, ledger.SplitSignBytes(msg.HalfSigned.Split), msg.HalfSigned.Sig) {
		p.forceDispute("commit carries a wrong split", &out)
		return out
	}

	oldOwn := p.channel.BestOur.Split.Cond
	p.channel.BestOur = msg.HalfSigned

	// sign the payee's updated split and revoke our replaced one
	p.round.theirOld = p.channel.BestThey.Cond
	hs := p.signSplitFor(p.channel.BestThey.Cond.Amount+p.round.amount, p.round.nonce)
	p.channel.BestThey = hs.Split
	rev := p.revokeOwn(oldOwn)

	p.state = StateDoneNotFinal
	p.log.Debug().Uint64("nonce", msg.Nonce).Msg("commit verified, revoking old split")

	return []Output{{ToPeer: &PeerMessage{CommitAndRevokeAndAck: &CommitAndRevokeAndAck{
		Nonce:      msg.Nonce,
		HalfSigned: hs,
		Revocation: rev,
	}}}}
}

func (p *Party) onCommitAndRevokeAndAck(msg *CommitAndRevokeAndAck) []Output {
	if p.state != StateInProgress {
		return p.ignore("commit-and-revoke-and-ack", "no round in progress")
	}

	var out []Output
	if msg.Nonce != p.round.nonce {
		if msg.Nonce < p.round.nonce {
			return p.ignore("commit-and-revoke-and-ack", "stale nonce")
		}
		p.forceDispute("ack for unknown round", &out)
		return out
	}

	wantCond := ledger.ConditionalOutput{
		Party:   p.id,
		Amount:  p.channel.BestOur.Split.Cond.Amount + p.round.amount,
		Nonce:   p.round.nonce,
		Funding: p.channel.Funding,
	}
	if msg.HalfSigned.Split.Cond != wantCond ||
		!p.reg.Verify(p.peer, ledger.SplitSignBytes(msg.HalfSigned.Split), msg.HalfSigned.Sig) {
		p.forceDispute("ack carries a wrong split", &out)
		return out
	}
	if !p.validRevocation(msg.Revocation, msg.Nonce) {
		p.forceDispute("ack carries a bad revocation", &out)
		return out
	}

	oldOwn := p.channel.BestOur.Split.Cond
	p.channel.BestOur = msg.HalfSigned
	p.channel.Revocations = append(p.channel.Revocations, msg.Revocation)
	myRev := p.revokeOwn(oldOwn)

	// round settles on our side
	amount := p.round.amount
	p.channel.Internal += amount
	p.channel.External += amount
	p.channel.Nonce = p.round.nonce
	p.round = nil
	p.state = StateStandby
	p.log.Info().Uint64("amount", uint64(amount)).Msg("incoming transfer settled")

	return []Output{
		{ToPeer: &PeerMessage{RevokeAndAck: &RevokeAndAck{Nonce: msg.Nonce, Revocation: myRev}}},
		{Transfer: &TransferDone{Recipient: p.id, Amount: amount}},
	}
}

func (p *Party) onRevokeAndAck(msg *RevokeAndAck) []Output {
	if p.state != StateDoneNotFinal {
		return p.ignore("revoke-and-ack", "no round to finalize")
	}

	var out []Output
	if msg.Nonce != p.round.nonce {
		if msg.Nonce < p.round.nonce {
			return p.ignore("revoke-and-ack", "stale nonce")
		}
		p.forceDispute("final revoke for unknown round", &out)
		return out
	}
	if !p.validRevocation(msg.Revocation, msg.Nonce) {
		p.forceDispute("final revoke is invalid", &out)
		return out
	}

	p.channel.Revocations = append(p.channel.Revocations, msg.Revocation)

	amount := p.round.amount
	p.channel.Internal -= amount
	p.channel.Nonce = p.round.nonce
	p.round = nil
	p.state = StateStandby
	p.log.Info().Uint64("amount", uint64(amount)).Msg("outgoing transfer settled")

	return nil
}

// validRevocation checks a counterparty revocation: it must target exactly
// the split being replaced this round, under a strictly smaller nonce.
func (p *Party) validRevocation(rev ledger.RevocationEntry, roundNonce uint64) bool {
	return rev.Cond == p.round.theirOld &&
		rev.Cond.Nonce < roundNonce &&
		p.reg.Verify(p.peer, ledger.RevocationSignBytes(rev.Cond), rev.Sig)
}
