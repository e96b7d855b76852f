package media

import "sync/atomic"

// Pool owns the fixed set of routers created at startup, one per engine
// worker, and hands them out round-robin.
type Pool struct {
	routers []Router
	next    atomic.Uint64
}

func NewPool(routers []Router) *Pool {
	return &Pool{routers: routers}
}

// NextRouter returns the next router in round-robin order, wrapping at the
// pool length. Safe for concurrent use.
func (p *Pool) NextRouter() Router {
	idx := p.next.Add(1) - 1
	return p.routers[idx%uint64(len(p.routers))]
}

func (p *Pool) Size() int {
	return len(p.routers)
}
