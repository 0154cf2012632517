package vestring

import (
	"fmt"
	"math/big"
	"sync"
)

// TokenLedger is the fungible-token collaborator. The vesting ledger
// pulls locked tokens into its custody account through TransferFrom and
// pays claims out through Transfer. Implementations must be atomic: a
// returned error means no balance moved.
type TokenLedger interface {
	// TransferFrom moves amount from the payer to the recipient, spending
	// the allowance the payer granted to the recipient.
	TransferFrom(from, to string, amount *big.Int) error
	// Transfer moves amount between accounts with no allowance check.
	Transfer(from, to string, amount *big.Int) error
	// BalanceOf reports the current balance of an account.
	BalanceOf(account string) *big.Int
}

// OwnerRegistry is the unique-ownership collaborator. The vesting
// ledger trusts its current-owner answer for every authorization check
// and keeps it in lockstep with the position table.
type OwnerRegistry interface {
	// OwnerOf returns the current owner, or ErrUnknownPosition.
	OwnerOf(id uint64) (string, error)
	// Mint registers a freshly issued identifier under an owner.
	Mint(id uint64, owner string) error
	// Burn removes a destroyed identifier.
	Burn(id uint64) error
}

// MemoryTokenLedger is an in-process TokenLedger with mint and approve
// semantics, used by tests and the demo binary.
type MemoryTokenLedger struct {
	mu         sync.Mutex
	balances   map[string]*big.Int
	allowances map[string]map[string]*big.Int // payer -> recipient -> allowance
}

// NewMemoryTokenLedger creates an empty token ledger.
func NewMemoryTokenLedger() *MemoryTokenLedger {
	return &MemoryTokenLedger{
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]map[string]*big.Int),
	}
}

// Mint credits an account out of thin air.
func (t *MemoryTokenLedger) Mint(account string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(account, amount)
}

// Approve lets recipient pull up to amount from the payer via TransferFrom.
func (t *MemoryTokenLedger) Approve(payer, recipient string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var grants, exists = t.allowances[payer]
	if !exists {
		grants = make(map[string]*big.Int)
		t.allowances[payer] = grants
	}
	grants[recipient] = new(big.Int).Set(amount)
}

// TransferFrom moves amount from payer to recipient against the payer's
// allowance.
func (t *MemoryTokenLedger) TransferFrom(from, to string, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var allowance, exists = t.allowances[from][to]
	if !exists || allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInsufficientAllowance, from, to, amount)
	}

	if err := t.move(from, to, amount); err != nil {
		return err
	}

	allowance.Sub(allowance, amount)
	return nil
}

// Transfer moves amount between accounts with no allowance check.
func (t *MemoryTokenLedger) Transfer(from, to string, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// BalanceOf reports the balance of an account.
func (t *MemoryTokenLedger) BalanceOf(account string) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var balance, exists = t.balances[account]
	if !exists {
		return new(big.Int)
	}
	return new(big.Int).Set(balance)
}

// move debits one account and credits another. Must be called with the
// lock held.
func (t *MemoryTokenLedger) move(from, to string, amount *big.Int) error {
	var balance, exists = t.balances[from]
	if !exists || balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from, t.balanceLocked(from), amount)
	}

	balance.Sub(balance, amount)
	t.credit(to, amount)
	return nil
}

func (t *MemoryTokenLedger) credit(account string, amount *big.Int) {
	var balance, exists = t.balances[account]
	if !exists {
		balance = new(big.Int)
		t.balances[account] = balance
	}
	balance.Add(balance, amount)
}

func (t *MemoryTokenLedger) balanceLocked(account string) *big.Int {
	if balance, exists := t.balances[account]; exists {
		return balance
	}
	return new(big.Int)
}

// MemoryOwnerRegistry is an in-process OwnerRegistry.
type MemoryOwnerRegistry struct {
	mu     sync.Mutex
	owners map[uint64]string
}

// NewMemoryOwnerRegistry creates an empty registry.
func NewMemoryOwnerRegistry() *MemoryOwnerRegistry {
	return &MemoryOwnerRegistry{owners: make(map[uint64]string)}
}

// OwnerOf returns the current owner of an identifier.
func (r *MemoryOwnerRegistry) OwnerOf(id uint64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var owner, exists = r.owners[id]
	if !exists {
		return "", fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return owner, nil
}

// Mint registers an identifier under an owner. Identifiers are issued
// by the ledger's monotonic counter and must not already exist.
func (r *MemoryOwnerRegistry) Mint(id uint64, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owners[id]; exists {
		return fmt.Errorf("vestring: identifier %d already minted", id)
	}
	r.owners[id] = owner
	return nil
}

// Burn removes a destroyed identifier.
func (r *MemoryOwnerRegistry) Burn(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owners[id]; !exists {
		return fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	delete(r.owners, id)
	return nil
}

// Transfer reassigns an identifier to a new owner. Ownership transfer
// semantics live entirely in the registry; the ledger only ever asks
// who the current owner is.
func (r *MemoryOwnerRegistry) Transfer(id uint64, newOwner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owners[id]; !exists {
		return fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	r.owners[id] = newOwner
	return nil
}
