package party

import (
	"fmt"

	"github.com/paychannel/simnet/simnet/ledger"
)

// processCommand handles environment instructions. A command that cannot
// be satisfied is rejected with an error before any state change.
func (p *Party) processCommand(cmd *Command, chain *ledger.Snapshot) ([]Output, error) {
	switch {
	case cmd.OpenChannel != nil:
		return p.cmdOpenChannel(cmd.OpenChannel, chain)
	case cmd.AcceptChannel != nil:
		return p.cmdAcceptChannel()
	case cmd.TransferOnChannel != nil:
		return p.cmdTransferOnChannel(cmd.TransferOnChannel)
	case cmd.TransferOnChain != nil:
		return p.cmdTransferOnChain(cmd.TransferOnChain, chain)
	case cmd.CloseNow != nil:
		return p.cmdCloseNow()
	case cmd.CheckChain != nil:
		// wake only, observation already ran
		return nil, nil
	}
	return nil, fmt.Errorf("empty command: %w", ErrBadCommand)
}

func (p *Party) cmdOpenChannel(cmd *OpenChannelCommand, chain *ledger.Snapshot) ([]Output, error) {
	if p.state != StateNotOpened {
		return nil, badCommandErr("open-channel", p.state)
	}
	if cmd.Amount == 0 || cmd.Amount > cmd.TotalFunds {
		return nil, fmt.Errorf("channel amount %d of total %d: %w", cmd.Amount, cmd.TotalFunds, ErrInsufficientBalance)
	}

	acc, ok := chain.Account(cmd.SourceAccount)
	if !ok || acc.PublicKey == nil || acc.PublicKey.Owner != p.id {
		return nil, fmt.Errorf("source account %d not owned: %w", cmd.SourceAccount, ErrInsufficientBalance)
	}
	if acc.PublicKey.Amount != cmd.TotalFunds {
		return nil, fmt.Errorf("source account holds %d, not %d: %w", acc.PublicKey.Amount, cmd.TotalFunds, ErrInsufficientBalance)
	}

	p.pendingOpen = &pendingOpen{
		amount:     cmd.Amount,
		totalFunds: cmd.TotalFunds,
		source:     cmd.SourceAccount,
	}
	p.state = StateOpenChannelSent
	p.log.Info().Uint64("amount", uint64(cmd.Amount)).Msg("proposing channel")

	return []Output{{ToPeer: &PeerMessage{OpenChannel: &OpenChannel{Amount: cmd.Amount}}}}, nil
}

func (p *Party) cmdAcceptChannel() ([]Output, error) {
	if p.state != StateNotOpened {
		return nil, badCommandErr("accept-channel", p.state)
	}
	p.acceptArmed = true
	if p.peerOpenReq == nil {
		return nil, nil
	}
	return p.acceptOpen(p.peerOpenReq), nil
}

func (p *Party) cmdTransferOnChannel(cmd *TransferOnChannelCommand) ([]Output, error) {
	if p.state != StateStandby || p.channel == nil {
		return nil, badCommandErr("transfer-on-channel", p.state)
	}
	if cmd.Amount == 0 || cmd.Amount > p.channel.External {
		return nil, fmt.Errorf("transfer %d with external balance %d: %w", cmd.Amount, p.channel.External, ErrInsufficientBalance)
	}

	// the external balance drops right now and is not refundable, the
	// difference to the internal balance is the amount in flight
	p.channel.External -= cmd.Amount
	nonce := p.channel.Nonce + 1
	p.round = &roundState{
		nonce:  nonce,
		amount: cmd.Amount,
	}
	p.state = StateInitiated
	p.log.Info().Uint64("amount", uint64(cmd.Amount)).Uint64("nonce", nonce).Msg("starting payment round")

	return []Output{{ToPeer: &PeerMessage{Initializer: &Initializer{Nonce: nonce, Amount: cmd.Amount}}}}, nil
}

func (p *Party) cmdTransferOnChain(cmd *TransferOnChainCommand, chain *ledger.Snapshot) ([]Output, error) {
	acc, ok := chain.Account(cmd.SourceAccount)
	if !ok || acc.PublicKey == nil || acc.PublicKey.Owner != p.id {
		return nil, fmt.Errorf("source account %d not owned: %w", cmd.SourceAccount, ErrInsufficientBalance)
	}
	if cmd.Amount == 0 || cmd.Amount > acc.PublicKey.Amount {
		return nil, fmt.Errorf("transfer %d from account holding %d: %w", cmd.Amount, acc.PublicKey.Amount, ErrInsufficientBalance)
	}

	tx := ledger.FundingTransaction{
		Sender:        p.id,
		Amount:        cmd.Amount,
		TotalAmount:   acc.PublicKey.Amount,
		Dest:          ledger.Destination{Kind: ledger.DestOtherParty, Party: p.peer},
		SourceAccount: cmd.SourceAccount,
	}
	p.pendingChain = append(p.pendingChain, tx)
	p.log.Info().Uint64("amount", uint64(cmd.Amount)).Msg("paying counterparty on chain")

	return []Output{{ToLedger: &ledger.Message{MoveOwnCoinsOnChain: &ledger.MoveOwnCoinsOnChain{
		Transfer: tx,
		Sig:      p.reg.Sign(p.id, ledger.TransferSignBytes(tx)),
	}}}}, nil
}

func (p *Party) cmdCloseNow() ([]Output, error) {
	if p.state.Closing() {
		// already on it
		return nil, nil
	}
	if p.channel == nil || p.channel.FundingAccount == 0 || p.channel.BestOur.Sig == 0 {
		return nil, fmt.Errorf("close-now: %w", ErrNoChannel)
	}

	cond := p.channel.BestOur.Split.Cond
	p.mustUnrevoked(cond)
	p.state = StateClosingDispute
	p.round = nil
	p.log.Info().Uint64("nonce", cond.Nonce).Msg("broadcasting best split to close")

	return []Output{{ToLedger: &ledger.Message{OpenDispute: &ledger.OpenDispute{
		HalfSigned:     p.channel.BestOur,
		Sig:            p.reg.Sign(p.id, ledger.CondSignBytes(cond)),
		FundingAccount: p.channel.FundingAccount,
	}}}}, nil
}
