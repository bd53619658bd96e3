package party

import (
	"github.com/paychannel/simnet/simnet/ledger"
)

// processPeer handles a counterparty message. Peer input never fails: it
// is applied, ignored, or answered with a dispute close, because progress
// must not depend on a cooperating counterparty.
func (p *Party) processPeer(msg *PeerMessage) []Output {
	if p.state.Closing() {
		return p.ignore(msg.Kind(), "closing in progress")
	}
	if p.state == StateChannelOpenFailed {
		return p.ignore(msg.Kind(), "channel open failed")
	}

	// the funder, not yet financially committed, treats any ill-timed
	// message as a failed negotiation
	if p.state == StateOpenChannelSent && msg.AcceptChannel == nil {
		return p.abortOpen("expected accept-channel, got " + msg.Kind())
	}
	if p.state == StateFundingCreatedSent && msg.CommitmentSigned == nil {
		return p.abortOpen("expected commitment-signed, got " + msg.Kind())
	}

	switch {
	case msg.OpenChannel != nil:
		return p.onOpenChannel(msg.OpenChannel)
	case msg.AcceptChannel != nil:
		return p.onAcceptChannel(msg.AcceptChannel)
	case msg.FundingCreated != nil:
		return p.onFundingCreated(msg.FundingCreated)
	case msg.CommitmentSigned != nil:
		return p.onCommitmentSigned(msg.CommitmentSigned)
	case msg.ChannelReady != nil:
		return p.onChannelReady()
	case msg.Initializer != nil:
		return p.onInitializer(msg.Initializer)
	case msg.Commit != nil:
		return p.onCommit(msg.Commit)
	case msg.CommitAndRevokeAndAck != nil:
		return p.onCommitAndRevokeAndAck(msg.CommitAndRevokeAndAck)
	case msg.RevokeAndAck != nil:
		return p.onRevokeAndAck(msg.RevokeAndAck)
	}
	return p.ignore("empty", "no payload")
}

// abortOpen sends the funder to the terminal failed state. Only legal
// before the funding transaction is submitted, afterwards the funder is
// financially committed and closes through a dispute like anyone else.
func (p *Party) abortOpen(reason string) []Output {
	p.log.Warn().Str("reason", reason).Msg("aborting channel open")
	p.state = StateChannelOpenFailed
	p.pendingOpen = nil
	p.funding = nil
	p.channel = nil
	return nil
}

func (p *Party) onOpenChannel(msg *OpenChannel) []Output {
	switch p.state {
	case StateNotOpened:
		if msg.Amount == 0 {
			return p.ignore("open-channel", "zero amount")
		}
		req := *msg
		p.peerOpenReq = &req
		if !p.acceptArmed {
			// wait for the environment to allow accepting
			return nil
		}
		return p.acceptOpen(p.peerOpenReq)
	default:
		return p.ignore("open-channel", "duplicate or late")
	}
}

// acceptOpen is the fundee's reply once both the peer request and the
// environment's permission are present.
func (p *Party) acceptOpen(req *OpenChannel) []Output {
	p.state = StateAcceptChannelSent
	p.log.Info().Uint64("amount", uint64(req.Amount)).Msg("accepting channel")
	return []Output{{ToPeer: &PeerMessage{AcceptChannel: &AcceptChannel{Amount: req.Amount}}}}
}

func (p *Party) onAcceptChannel(msg *AcceptChannel) []Output {
	if p.state != StateOpenChannelSent {
		return p.ignore("accept-channel", "not proposing")
	}
	if msg.Amount != p.pendingOpen.amount {
		return p.abortOpen("accept-channel amount mismatch")
	}

	funding := ledger.FundingTransaction{
		Sender:        p.id,
		Amount:        p.pendingOpen.amount,
		TotalAmount:   p.pendingOpen.totalFunds,
		Dest:          ledger.Destination{Kind: ledger.DestChannel, Party: p.peer},
		SourceAccount: p.pendingOpen.source,
	}
	p.funding = &funding
	p.channel = &ChannelData{
		Funding:  funding,
		Internal: funding.Amount,
		External: funding.Amount,
	}

	// the fundee's initial split: it owns nothing yet
	hs := p.signSplitFor(0, 0)
	p.channel.BestThey = hs.Split

	p.state = StateFundingCreatedSent
	p.log.Info().Uint64("capacity", uint64(funding.Amount)).Msg("funding transaction created")

	return []Output{{ToPeer: &PeerMessage{FundingCreated: &FundingCreated{
		Funding:    funding,
		HalfSigned: hs,
	}}}}
}

func (p *Party) onFundingCreated(msg *FundingCreated) []Output {
	if p.state != StateAcceptChannelSent {
		return p.ignore("funding-created", "not accepting")
	}

	f := msg.Funding
	if f.Sender != p.peer || f.Dest != (ledger.Destination{Kind: ledger.DestChannel, Party: p.id}) ||
		f.Amount == 0 || f.Amount > f.TotalAmount {
		// not financially committed yet, no need to escalate
		return p.ignore("funding-created", "malformed funding transaction")
	}

	wantCond := ledger.ConditionalOutput{Party: p.id, Amount: 0, Nonce: 0, Funding: f}
	if msg.HalfSigned.Split.Cond != wantCond ||
		!p.reg.Verify(p.peer, ledger.SplitSignBytes(msg.HalfSigned.Split), msg.HalfSigned.Sig) {
		return p.ignore("funding-created", "bad initial split")
	}

	p.funding = &f
	p.channel = &ChannelData{
		Funding: f,
		BestOur: msg.HalfSigned,
	}

	// sign the funder's side: it owns the whole capacity
	hs := p.signSplitFor(f.Amount, 0)
	p.channel.BestThey = hs.Split

	p.state = StateCommitmentSignedSent
	p.log.Info().Uint64("capacity", uint64(f.Amount)).Msg("commitment signed")

	return []Output{{ToPeer: &PeerMessage{CommitmentSigned: &CommitmentSigned{HalfSigned: hs}}}}
}

func (p *Party) onCommitmentSigned(msg *CommitmentSigned) []Output {
	if p.state != StateFundingCreatedSent {
		return p.ignore("commitment-signed", "not funding")
	}

	wantCond := ledger.ConditionalOutput{Party: p.id, Amount: p.funding.Amount, Nonce: 0, Funding: *p.funding}
	if msg.HalfSigned.Split.Cond != wantCond ||
		!p.reg.Verify(p.peer, ledger.SplitSignBytes(msg.HalfSigned.Split), msg.HalfSigned.Sig) {
		return p.abortOpen("bad commitment signature")
	}

	p.channel.BestOur = msg.HalfSigned

	// point of no return: submit the funding transaction
	tx := *p.funding
	p.pendingChain = append(p.pendingChain, tx)
	p.pendingOpen = nil
	p.state = StateWaitingForFundingInclusion
	p.log.Info().Msg("submitting funding transaction")

	return []Output{{ToLedger: &ledger.Message{MoveOwnCoinsOnChain: &ledger.MoveOwnCoinsOnChain{
		Transfer: tx,
		Sig:      p.reg.Sign(p.id, ledger.TransferSignBytes(tx)),
	}}}}
}

func (p *Party) onChannelReady() []Output {
	switch p.state {
	case StateCommitmentSignedSent, StateWaitingForFundingInclusion, StateChannelReadySent:
		p.readyReceived = true
		p.maybeCommitted()
		return nil
	default:
		return p.ignore("channel-ready", "not expecting")
	}
}
