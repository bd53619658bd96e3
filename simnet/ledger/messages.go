package ledger

import (
	"github.com/paychannel/simnet/pkg/sigreg"
)

// Message is a transaction submitted to the simulated chain. Exactly one
// variant is set. Destination account ids are not part of the message,
// the driver supplies fresh ids at delivery time.
type Message struct {
	OpenDispute         *OpenDispute
	ClaimAfterTimeout   *ClaimAfterTimeout
	Revoke              *Revoke
	MoveOwnCoinsOnChain *MoveOwnCoinsOnChain
}

// OpenDispute turns a channel account into a dispute account asserting the
// given split. HalfSigned carries the unconditional party's signature, Sig
// is the broadcaster's (conditional party's) signature over the output.
type OpenDispute struct {
	HalfSigned     HalfSignedSplit
	Sig            sigreg.Signature
	FundingAccount AccountID
}

// ClaimAfterTimeout settles a dispute once the timelock elapsed: the
// conditional amount is paid to a fresh account of the conditional party,
// the remainder to a fresh account of the unconditional party. Sig is the
// conditional party's signature over the disputed output, either the
// broadcaster's own or the one observed on chain.
type ClaimAfterTimeout struct {
	Cond ConditionalOutput
	Sig  sigreg.Signature
}

// Revoke punishes the broadcast of a revoked split: the full channel
// capacity is paid to a fresh account of the unconditional party.
// SpenderSig is the unconditional party's claim, RevocationSig is the
// conditional party's own revocation of the broadcast output.
type Revoke struct {
	Cond          ConditionalOutput
	SpenderSig    sigreg.Signature
	RevocationSig sigreg.Signature
}

// MoveOwnCoinsOnChain spends a whole public key account into change plus a
// payment output (another party, a new channel, or void).
type MoveOwnCoinsOnChain struct {
	Transfer FundingTransaction
	Sig      sigreg.Signature
}

// FreshIDsNeeded reports how many fresh account ids the driver must supply
// to deliver the message.
func (m *Message) FreshIDsNeeded() int {
	switch {
	case m.OpenDispute != nil:
		return 0
	case m.ClaimAfterTimeout != nil:
		return 2
	case m.Revoke != nil:
		return 1
	case m.MoveOwnCoinsOnChain != nil:
		if m.MoveOwnCoinsOnChain.Transfer.Dest.Kind == DestVoid {
			return 1
		}
		return 2
	}
	return 0
}

func (m *Message) Kind() string {
	switch {
	case m.OpenDispute != nil:
		return "open-dispute"
	case m.ClaimAfterTimeout != nil:
		return "claim-after-timeout"
	case m.Revoke != nil:
		return "revoke"
	case m.MoveOwnCoinsOnChain != nil:
		return "move-own-coins"
	}
	return "empty"
}
