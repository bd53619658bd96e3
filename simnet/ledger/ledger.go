package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paychannel/simnet/pkg/sigreg"
)

// ErrRejected marks a transaction that failed a precondition. The chain
// state is left untouched, the message simply never confirms.
var ErrRejected = errors.New("rejected")

// Ledger is the simulated chain state: active accounts plus the history of
// every account id ever used, which freshness is validated against.
// Mutated by exactly one message per simulated step, under driver control.
type Ledger struct {
	timelock uint64

	accounts map[AccountID]*Account
	used     map[AccountID]struct{}

	burned     Coins
	introduced Coins
	lastID     AccountID
}

type GenesisAccount struct {
	Owner  sigreg.Signer
	Amount Coins
}

// NewLedger creates a chain with one public key account per genesis entry,
// ids 1..n. The timelock is the mandatory dispute challenge window.
func NewLedger(timelock uint64, genesis []GenesisAccount) *Ledger {
	l := &Ledger{
		timelock: timelock,
		accounts: map[AccountID]*Account{},
		used:     map[AccountID]struct{}{},
	}

	for _, g := range genesis {
		l.lastID++
		id := l.lastID
		l.used[id] = struct{}{}
		l.accounts[id] = &Account{
			ID:        id,
			PublicKey: &PublicKeyAccount{Owner: g.Owner, Amount: g.Amount},
		}
		l.introduced += g.Amount
	}
	return l
}

func (l *Ledger) Timelock() uint64 {
	return l.timelock
}

// LastID returns the highest account id ever used, the driver mints fresh
// ids above it.
func (l *Ledger) LastID() AccountID {
	return l.lastID
}

// Apply evaluates one chain message at time now. Fresh destination ids are
// supplied by the caller and validated, never generated here. On any failed
// precondition an error wrapping ErrRejected is returned and the state is
// unchanged, there is no partial application.
func (l *Ledger) Apply(msg *Message, fresh []AccountID, reg *sigreg.Registry, now uint64) error {
	if need := msg.FreshIDsNeeded(); len(fresh) < need {
		return fmt.Errorf("need %d fresh ids, got %d: %w", need, len(fresh), ErrRejected)
	}
	seen := map[AccountID]struct{}{}
	for _, id := range fresh {
		if _, ok := l.used[id]; ok {
			return fmt.Errorf("account id %d is not fresh: %w", id, ErrRejected)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate fresh id %d: %w", id, ErrRejected)
		}
		seen[id] = struct{}{}
	}

	var err error
	switch {
	case msg.OpenDispute != nil:
		err = l.applyOpenDispute(msg.OpenDispute, reg, now)
	case msg.ClaimAfterTimeout != nil:
		err = l.applyClaimAfterTimeout(msg.ClaimAfterTimeout, fresh, reg, now)
	case msg.Revoke != nil:
		err = l.applyRevoke(msg.Revoke, fresh, reg, now)
	case msg.MoveOwnCoinsOnChain != nil:
		err = l.applyMoveOwnCoins(msg.MoveOwnCoinsOnChain, fresh, reg)
	default:
		err = fmt.Errorf("empty message: %w", ErrRejected)
	}
	if err != nil {
		return err
	}

	l.checkConservation()
	return nil
}

func (l *Ledger) applyOpenDispute(m *OpenDispute, reg *sigreg.Registry, now uint64) error {
	acc, ok := l.accounts[m.FundingAccount]
	if !ok || acc.Channel == nil {
		return fmt.Errorf("no channel account %d: %w", m.FundingAccount, ErrRejected)
	}

	split := m.HalfSigned.Split
	cond := split.Cond
	if cond.Funding != acc.Channel.Funding {
		return fmt.Errorf("split does not belong to channel %d: %w", m.FundingAccount, ErrRejected)
	}
	if !split.Valid() {
		return fmt.Errorf("conditional amount exceeds capacity: %w", ErrRejected)
	}
	if cond.Party != cond.Funding.Sender && cond.Party != cond.Funding.Dest.Party {
		return fmt.Errorf("conditional party is not a channel member: %w", ErrRejected)
	}

	uncond := cond.Funding.Counterparty(cond.Party)
	if !reg.Verify(uncond, SplitSignBytes(split), m.HalfSigned.Sig) {
		return fmt.Errorf("bad counterparty signature on split: %w", ErrRejected)
	}
	if !reg.Verify(cond.Party, CondSignBytes(cond), m.Sig) {
		return fmt.Errorf("bad conditional party signature: %w", ErrRejected)
	}

	acc.Channel = nil
	acc.Dispute = &DisputeAccount{
		Cond:     cond,
		OpenSig:  m.Sig,
		OpenedAt: now,
	}
	return nil
}

func (l *Ledger) findDispute(cond ConditionalOutput) *Account {
	for _, acc := range l.accounts {
		if acc.Dispute != nil && acc.Dispute.Cond == cond {
			return acc
		}
	}
	return nil
}

func (l *Ledger) applyClaimAfterTimeout(m *ClaimAfterTimeout, fresh []AccountID, reg *sigreg.Registry, now uint64) error {
	acc := l.findDispute(m.Cond)
	if acc == nil {
		return fmt.Errorf("no matching open dispute: %w", ErrRejected)
	}
	if !reg.Verify(m.Cond.Party, CondSignBytes(m.Cond), m.Sig) {
		return fmt.Errorf("bad conditional party signature: %w", ErrRejected)
	}
	if now < acc.Dispute.OpenedAt+l.timelock {
		return fmt.Errorf("timelock still running until %d: %w", acc.Dispute.OpenedAt+l.timelock, ErrRejected)
	}

	uncond := m.Cond.Funding.Counterparty(m.Cond.Party)
	capacity := m.Cond.Funding.Amount

	delete(l.accounts, acc.ID)
	l.createPK(fresh[0], m.Cond.Party, m.Cond.Amount)
	l.createPK(fresh[1], uncond, capacity-m.Cond.Amount)
	return nil
}

func (l *Ledger) applyRevoke(m *Revoke, fresh []AccountID, reg *sigreg.Registry, now uint64) error {
	acc := l.findDispute(m.Cond)
	if acc == nil {
		return fmt.Errorf("no matching open dispute: %w", ErrRejected)
	}

	uncond := m.Cond.Funding.Counterparty(m.Cond.Party)
	if !reg.Verify(uncond, SpendSignBytes(m.Cond), m.SpenderSig) {
		return fmt.Errorf("bad spender signature: %w", ErrRejected)
	}
	if !reg.Verify(m.Cond.Party, RevocationSignBytes(m.Cond), m.RevocationSig) {
		return fmt.Errorf("bad revocation signature: %w", ErrRejected)
	}
	if now >= acc.Dispute.OpenedAt+l.timelock {
		return fmt.Errorf("challenge window is over: %w", ErrRejected)
	}

	delete(l.accounts, acc.ID)
	l.createPK(fresh[0], uncond, m.Cond.Funding.Amount)
	return nil
}

func (l *Ledger) applyMoveOwnCoins(m *MoveOwnCoinsOnChain, fresh []AccountID, reg *sigreg.Registry) error {
	tx := m.Transfer

	acc, ok := l.accounts[tx.SourceAccount]
	if !ok || acc.PublicKey == nil {
		return fmt.Errorf("no public key account %d: %w", tx.SourceAccount, ErrRejected)
	}
	if acc.PublicKey.Owner != tx.Sender {
		return fmt.Errorf("account %d is not owned by sender: %w", tx.SourceAccount, ErrRejected)
	}
	if tx.TotalAmount != acc.PublicKey.Amount {
		return fmt.Errorf("transfer total %d does not match account value %d: %w", tx.TotalAmount, acc.PublicKey.Amount, ErrRejected)
	}
	if tx.Amount > tx.TotalAmount {
		return fmt.Errorf("transfer amount exceeds total: %w", ErrRejected)
	}

	switch tx.Dest.Kind {
	case DestOtherParty, DestChannel:
		if tx.Dest.Party == "" || tx.Dest.Party == tx.Sender {
			return fmt.Errorf("bad destination party: %w", ErrRejected)
		}
	case DestVoid:
	default:
		return fmt.Errorf("unknown destination kind %d: %w", tx.Dest.Kind, ErrRejected)
	}

	if !reg.Verify(tx.Sender, TransferSignBytes(tx), m.Sig) {
		return fmt.Errorf("bad sender signature: %w", ErrRejected)
	}

	delete(l.accounts, tx.SourceAccount)
	l.createPK(fresh[0], tx.Sender, tx.TotalAmount-tx.Amount)

	switch tx.Dest.Kind {
	case DestOtherParty:
		l.createPK(fresh[1], tx.Dest.Party, tx.Amount)
	case DestChannel:
		l.used[fresh[1]] = struct{}{}
		if fresh[1] > l.lastID {
			l.lastID = fresh[1]
		}
		l.accounts[fresh[1]] = &Account{
			ID:      fresh[1],
			Channel: &ChannelAccount{Funding: tx},
		}
	case DestVoid:
		l.burned += tx.Amount
	}
	return nil
}

func (l *Ledger) createPK(id AccountID, owner sigreg.Signer, amount Coins) {
	l.used[id] = struct{}{}
	if id > l.lastID {
		l.lastID = id
	}
	l.accounts[id] = &Account{
		ID:        id,
		PublicKey: &PublicKeyAccount{Owner: owner, Amount: amount},
	}
}

// checkConservation verifies total value never changes. Unreachable by
// construction, a breach is a bug in the evaluator, not a runtime condition.
func (l *Ledger) checkConservation() {
	var total Coins
	for _, acc := range l.accounts {
		total += acc.Value()
	}
	if total+l.burned != l.introduced {
		panic(fmt.Sprintf("ledger conservation broken: %d held + %d burned != %d introduced", total, l.burned, l.introduced))
	}
}

// TotalIntroduced is the total value ever put on the chain at genesis.
func (l *Ledger) TotalIntroduced() Coins {
	return l.introduced
}

func (l *Ledger) Burned() Coins {
	return l.burned
}

// Snapshot returns a deep copy of the current account set, safe to hand to
// parties as their chain observation.
func (l *Ledger) Snapshot() *Snapshot {
	accs := make(map[AccountID]*Account, len(l.accounts))
	for id, acc := range l.accounts {
		accs[id] = acc.copy()
	}
	return &Snapshot{accounts: accs, timelock: l.timelock}
}

// Snapshot is a read-only chain view.
type Snapshot struct {
	accounts map[AccountID]*Account
	timelock uint64
}

func (s *Snapshot) Timelock() uint64 {
	return s.timelock
}

func (s *Snapshot) Account(id AccountID) (*Account, bool) {
	acc, ok := s.accounts[id]
	return acc, ok
}

// Accounts lists all active accounts ordered by id.
func (s *Snapshot) Accounts() []*Account {
	list := make([]*Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		list = append(list, acc)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// FindChannel looks up the channel account created by the given funding
// transaction.
func (s *Snapshot) FindChannel(f FundingTransaction) (*Account, bool) {
	for _, acc := range s.Accounts() {
		if acc.Channel != nil && acc.Channel.Funding == f {
			return acc, true
		}
	}
	return nil, false
}

// FindDispute looks up the open dispute of the channel created by the
// given funding transaction.
func (s *Snapshot) FindDispute(f FundingTransaction) (*Account, bool) {
	for _, acc := range s.Accounts() {
		if acc.Dispute != nil && acc.Dispute.Cond.Funding == f {
			return acc, true
		}
	}
	return nil, false
}

// BalanceOf sums the public key accounts of the owner.
func (s *Snapshot) BalanceOf(owner sigreg.Signer) Coins {
	var total Coins
	for _, acc := range s.accounts {
		if acc.PublicKey != nil && acc.PublicKey.Owner == owner {
			total += acc.PublicKey.Amount
		}
	}
	return total
}

// AccountsOf lists the public key accounts of the owner ordered by id.
func (s *Snapshot) AccountsOf(owner sigreg.Signer) []*Account {
	var list []*Account
	for _, acc := range s.Accounts() {
		if acc.PublicKey != nil && acc.PublicKey.Owner == owner {
			list = append(list, acc)
		}
	}
	return list
}
