package ledger

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/paychannel/simnet/pkg/sigreg"
)

// Coins is an on-chain amount. Amounts below zero are unrepresentable,
// subtraction is always guarded by a balance check first.
type Coins uint64

// AccountID identifies an account on the simulated chain. Fresh ids are
// minted by the simulation driver, the ledger only validates freshness.
type AccountID uint64

type DestKind uint8

const (
	// DestOtherParty pays the amount to a regular account of Dest.Party.
	DestOtherParty DestKind = iota + 1
	// DestChannel locks the amount in a new two-party channel account
	// between the sender and Dest.Party.
	DestChannel
	// DestVoid burns the amount.
	DestVoid
)

type Destination struct {
	Kind  DestKind
	Party sigreg.Signer
}

// FundingTransaction describes a spend of a whole public key account:
// Amount goes to the destination, TotalAmount-Amount returns to the sender
// as change. When the destination is a channel, the transaction also fixes
// the channel identity for its whole lifetime.
type FundingTransaction struct {
	Sender        sigreg.Signer
	Amount        Coins
	TotalAmount   Coins
	Dest          Destination
	SourceAccount AccountID
}

// Counterparty returns the channel party other than p.
func (f FundingTransaction) Counterparty(p sigreg.Signer) sigreg.Signer {
	if p == f.Sender {
		return f.Dest.Party
	}
	return f.Sender
}

// ConditionalOutput is the timelocked part of a split: Party may claim
// Amount after the channel timelock elapses, unless a revocation of this
// exact output is presented first.
type ConditionalOutput struct {
	Party   sigreg.Signer
	Amount  Coins
	Nonce   uint64
	Funding FundingTransaction
}

// Split allocates the channel capacity between the conditional party
// (Cond.Amount, timelocked) and the other party (the rest, unconditional).
type Split struct {
	Cond ConditionalOutput
}

func (s Split) Capacity() Coins {
	return s.Cond.Funding.Amount
}

func (s Split) Unconditional() Coins {
	return s.Capacity() - s.Cond.Amount
}

func (s Split) Valid() bool {
	return s.Cond.Amount <= s.Capacity()
}

// HalfSignedSplit is a split carrying the unconditional party's signature.
// The conditional party completes it with its own signature when it
// broadcasts the split as a dispute.
type HalfSignedSplit struct {
	Split Split
	Sig   sigreg.Signature
}

// RevocationEntry invalidates a stale split: Sig is the conditional
// party's signature over the revocation statement of Cond.
type RevocationEntry struct {
	Sig  sigreg.Signature
	Cond ConditionalOutput
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func signBytes(tag string, v any) []byte {
	data, err := encMode.Marshal(struct {
		Tag string
		V   any
	}{tag, v})
	if err != nil {
		panic(fmt.Sprintf("unencodable sign payload: %v", err))
	}
	return data
}

// SplitSignBytes is the statement the unconditional party signs to hand the
// counterparty a broadcastable split.
func SplitSignBytes(s Split) []byte {
	return signBytes("split", s)
}

// CondSignBytes is the statement the conditional party signs to open a
// dispute over its split. The same statement authorizes the timeout claim.
func CondSignBytes(c ConditionalOutput) []byte {
	return signBytes("cond", c)
}

// RevocationSignBytes is the statement the conditional party signs to
// invalidate its own stale split.
func RevocationSignBytes(c ConditionalOutput) []byte {
	return signBytes("revoke", c)
}

// SpendSignBytes is the statement the unconditional party signs to claim
// the punishment payout for a revoked split.
func SpendSignBytes(c ConditionalOutput) []byte {
	return signBytes("spend", c)
}

// TransferSignBytes is the statement the sender signs to move its own
// coins on chain.
func TransferSignBytes(tx FundingTransaction) []byte {
	return signBytes("transfer", tx)
}

// Account is the simulated chain account. Exactly one variant is set.
type Account struct {
	ID AccountID

	PublicKey *PublicKeyAccount
	Channel   *ChannelAccount
	Dispute   *DisputeAccount
}

type PublicKeyAccount struct {
	Owner  sigreg.Signer
	Amount Coins
}

type ChannelAccount struct {
	Funding FundingTransaction
}

// DisputeAccount holds the full channel capacity while the challenge
// window of a broadcast split runs. OpenSig is the conditional party's
// signature presented at dispute open, kept so that either party can later
// drive the timeout claim.
type DisputeAccount struct {
	Cond     ConditionalOutput
	OpenSig  sigreg.Signature
	OpenedAt uint64
}

// Value is the total amount the account holds.
func (a *Account) Value() Coins {
	switch {
	case a.PublicKey != nil:
		return a.PublicKey.Amount
	case a.Channel != nil:
		return a.Channel.Funding.Amount
	case a.Dispute != nil:
		return a.Dispute.Cond.Funding.Amount
	}
	return 0
}

func (a *Account) copy() *Account {
	c := *a
	if a.PublicKey != nil {
		pk := *a.PublicKey
		c.PublicKey = &pk
	}
	if a.Channel != nil {
		ch := *a.Channel
		c.Channel = &ch
	}
	if a.Dispute != nil {
		d := *a.Dispute
		c.Dispute = &d
	}
	return &c
}
