package consensus

import "sync"

// numberPool is the side of the context that settles managed numbers.
type numberPool interface {
	settle(number uint64, consumed bool)
}

// ManagedNumber is the exclusive handle on a reserved transaction number. It
// must be consumed or released, and it is settled only once: the first of
// MarkConsumed and Release wins.
type ManagedNumber struct {
	sync.Mutex

	pool    numberPool
	value   uint64
	purpose string
	settled bool
	used    bool
}

func newManagedNumber(pool numberPool, value uint64, purpose string) *ManagedNumber {
	return &ManagedNumber{
		pool:    pool,
		value:   value,
		purpose: purpose,
	}
}

// Value returns the transaction number.
func (n *ManagedNumber) Value() uint64 {
	return n.value
}

// Purpose returns what the number was reserved for.
func (n *ManagedNumber) Purpose() string {
	return n.purpose
}

// MarkConsumed records that the notary consumed the number. It returns false
// if the number was already settled.
func (n *ManagedNumber) MarkConsumed() bool {
	return n.settle(true)
}

// Release returns the number to the available pool unless it was consumed. It
// returns false if the number was already settled.
func (n *ManagedNumber) Release() bool {
	return n.settle(false)
}

// Consumed returns true if the number was marked as consumed.
func (n *ManagedNumber) Consumed() bool {
	n.Lock()
	defer n.Unlock()

	return n.used
}

// Settled returns true if the number was either consumed or released.
func (n *ManagedNumber) Settled() bool {
	n.Lock()
	defer n.Unlock()

	return n.settled
}

func (n *ManagedNumber) settle(consumed bool) bool {
	n.Lock()
	defer n.Unlock()

	if n.settled {
		return false
	}

	n.settled = true
	n.used = consumed
	n.pool.settle(n.value, consumed)

	return true
}

// Numbers is a list of managed numbers reserved together.
type Numbers []*ManagedNumber

// Values returns the transaction numbers.
func (nn Numbers) Values() []uint64 {
	values := make([]uint64, len(nn))
	for i, n := range nn {
		values[i] = n.Value()
	}

	return values
}

// MarkConsumed marks every number as consumed.
func (nn Numbers) MarkConsumed() {
	for _, n := range nn {
		n.MarkConsumed()
	}
}

// Release releases every number that is not settled.
func (nn Numbers) Release() {
	for _, n := range nn {
		n.Release()
	}
}
