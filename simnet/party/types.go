package party

import (
	"github.com/paychannel/simnet/pkg/sigreg"
	"github.com/paychannel/simnet/simnet/ledger"
)

type State uint8

const (
	StateNotOpened State = iota
	StateOpenChannelSent
	StateAcceptChannelSent
	StateFundingCreatedSent
	StateCommitmentSignedSent
	StateWaitingForFundingInclusion
	StateChannelReadySent
	StateChannelOpenFailed

	StateStandby
	StateInitiated
	StateInProgress
	StateDoneNotFinal

	StateClosingDispute
	StateClosingRevoke
	StateClosingWaitingForTimeout
	StateClosingTimeoutSent
)

var stateNames = map[State]string{
	StateNotOpened:                  "not-opened",
	StateOpenChannelSent:            "open-channel-sent",
	StateAcceptChannelSent:          "accept-channel-sent",
	StateFundingCreatedSent:         "funding-created-sent",
	StateCommitmentSignedSent:       "commitment-signed-sent",
	StateWaitingForFundingInclusion: "waiting-for-funding-inclusion",
	StateChannelReadySent:           "channel-ready-sent",
	StateChannelOpenFailed:          "channel-open-failed",
	StateStandby:                    "standby",
	StateInitiated:                  "initiated",
	StateInProgress:                 "in-progress",
	StateDoneNotFinal:               "done-not-final",
	StateClosingDispute:             "closing-dispute",
	StateClosingRevoke:              "closing-revoke",
	StateClosingWaitingForTimeout:   "closing-waiting-for-timeout",
	StateClosingTimeoutSent:         "closing-timeout-sent",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Committed reports whether the channel is open and usable for payments.
func (s State) Committed() bool {
	switch s {
	case StateStandby, StateInitiated, StateInProgress, StateDoneNotFinal:
		return true
	}
	return false
}

// Closing reports whether a unilateral close is in progress.
func (s State) Closing() bool {
	switch s {
	case StateClosingDispute, StateClosingRevoke, StateClosingWaitingForTimeout, StateClosingTimeoutSent:
		return true
	}
	return false
}

/// Counterparty messages

// PeerMessage is a message between the two channel parties. Exactly one
// variant is set.
type PeerMessage struct {
	OpenChannel           *OpenChannel
	AcceptChannel         *AcceptChannel
	FundingCreated        *FundingCreated
	CommitmentSigned      *CommitmentSigned
	ChannelReady          *ChannelReady
	Initializer           *Initializer
	Commit                *Commit
	CommitAndRevokeAndAck *CommitAndRevokeAndAck
	RevokeAndAck          *RevokeAndAck
}

func (m *PeerMessage) Kind() string {
	switch {
	case m.OpenChannel != nil:
		return "open-channel"
	case m.AcceptChannel != nil:
		return "accept-channel"
	case m.FundingCreated != nil:
		return "funding-created"
	case m.CommitmentSigned != nil:
		return "commitment-signed"
	case m.ChannelReady != nil:
		return "channel-ready"
	case m.Initializer != nil:
		return "initializer"
	case m.Commit != nil:
		return "commit"
	case m.CommitAndRevokeAndAck != nil:
		return "commit-and-revoke-and-ack"
	case m.RevokeAndAck != nil:
		return "revoke-and-ack"
	}
	return "empty"
}

// OpenChannel asks the counterparty to accept a channel of the given
// capacity, funded entirely by the sender.
type OpenChannel struct {
	Amount ledger.Coins
}

type AcceptChannel struct {
	Amount ledger.Coins
}

// FundingCreated carries the funding transaction the funder is about to
// submit plus the funder's signature over the fundee's initial split.
type FundingCreated struct {
	Funding    ledger.FundingTransaction
	HalfSigned ledger.HalfSignedSplit
}

// CommitmentSigned returns the fundee's signature over the funder's
// initial split.
type CommitmentSigned struct {
	HalfSigned ledger.HalfSignedSplit
}

type ChannelReady struct{}

// Initializer starts a payment round: the payer commits Amount of its
// channel balance under a fresh round nonce.
type Initializer struct {
	Nonce  uint64
	Amount ledger.Coins
}

// Commit is the payee's signature over the payer's updated split.
type Commit struct {
	Nonce      uint64
	HalfSigned ledger.HalfSignedSplit
}

// CommitAndRevokeAndAck is the payer's signature over the payee's updated
// split together with the payer's revocation of its own previous split.
type CommitAndRevokeAndAck struct {
	Nonce      uint64
	HalfSigned ledger.HalfSignedSplit
	Revocation ledger.RevocationEntry
}

// RevokeAndAck closes the round with the payee's revocation of its own
// previous split.
type RevokeAndAck struct {
	Nonce      uint64
	Revocation ledger.RevocationEntry
}

/// Environment commands

// Command is an instruction from the environment. Exactly one variant is
// set.
type Command struct {
	OpenChannel       *OpenChannelCommand
	AcceptChannel     *AcceptChannelCommand
	TransferOnChannel *TransferOnChannelCommand
	TransferOnChain   *TransferOnChainCommand
	CloseNow          *CloseNowCommand
	CheckChain        *CheckChainCommand
}

func (c *Command) Kind() string {
	switch {
	case c.OpenChannel != nil:
		return "open-channel"
	case c.AcceptChannel != nil:
		return "accept-channel"
	case c.TransferOnChannel != nil:
		return "transfer-on-channel"
	case c.TransferOnChain != nil:
		return "transfer-on-chain"
	case c.CloseNow != nil:
		return "close-now"
	case c.CheckChain != nil:
		return "check-chain"
	}
	return "empty"
}

// OpenChannelCommand makes the party fund a channel with Amount out of the
// TotalFunds held by SourceAccount.
type OpenChannelCommand struct {
	Amount        ledger.Coins
	TotalFunds    ledger.Coins
	SourceAccount ledger.AccountID
}

// AcceptChannelCommand arms the party to accept an incoming channel open
// request.
type AcceptChannelCommand struct{}

type TransferOnChannelCommand struct {
	Amount ledger.Coins
}

// TransferOnChainCommand pays the counterparty directly on chain out of
// SourceAccount.
type TransferOnChainCommand struct {
	Amount        ledger.Coins
	SourceAccount ledger.AccountID
}

type CloseNowCommand struct{}

// CheckChainCommand is a no-op wake: the party re-reads the chain and
// reacts to anything it observes.
type CheckChainCommand struct{}

/// Transition i/o

// Input is a single unit of work for Process. Exactly one field is set.
type Input struct {
	Peer *PeerMessage
	Cmd  *Command
}

// Output is one effect of a transition: a message to the counterparty, a
// transaction for the chain, or a completed transfer notification.
type Output struct {
	ToPeer   *PeerMessage
	ToLedger *ledger.Message
	Transfer *TransferDone
}

// TransferDone reports an incoming channel payment that fully settled.
type TransferDone struct {
	Recipient sigreg.Signer
	Amount    ledger.Coins
}

// View is the projection of party state external consumers rely on.
// Nonce bookkeeping and in-flight payment detail stay hidden.
type View struct {
	FundingAccount ledger.AccountID
	LatestSplit    *ledger.HalfSignedSplit
	Revocations    []ledger.RevocationEntry
	OnChainBalance ledger.Coins
	ChannelBalance ledger.Coins
	Closing        bool
}
