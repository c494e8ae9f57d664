package exchange

import "sync"

// OrderRegistry allocates order ids and tracks the orders currently in
// flight. One registry is shared by every exchange of a bot instance.
type OrderRegistry struct {
	mu     sync.Mutex
	seq    uint64
	active []*Order
}

func NewOrderRegistry() *OrderRegistry {
	return &OrderRegistry{}
}

func (r *OrderRegistry) NextID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// Active returns a snapshot of the in-flight orders in activation order.
func (r *OrderRegistry) Active() []*Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Order, len(r.active))
	copy(out, r.active)
	return out
}

func (r *OrderRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *OrderRegistry) activate(o *Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.active {
		if existing == o {
			return
		}
	}
	r.active = append(r.active, o)
}

func (r *OrderRegistry) deactivate(o *Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.active[:0]
	for _, existing := range r.active {
		if existing != o {
			kept = append(kept, existing)
		}
	}
	for i := len(kept); i < len(r.active); i++ {
		r.active[i] = nil
	}
	r.active = kept
}
