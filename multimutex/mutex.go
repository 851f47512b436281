package multimutex

import (
	"fmt"
	"sync"
)

// cntMutex is a struct that wraps a counter and a mutex, and is used to keep
// track of the number of goroutines waiting for access to the mutex, such
// that we can forget about it when the counter is zero.
type cntMutex struct {
	cnt int
	sync.Mutex
}

// Mutex is a struct that keeps track of a set of mutexes with a given ID. It
// can be used for making sure only one goroutine gets given the mutex per ID.
type Mutex[K comparable] struct {
	// mutexes is a map of IDs to a cntMutex. The cntMutex for a given ID
	// will hold the mutex to be used by all callers requesting access for
	// the ID, in addition to the count of callers.
	mutexes map[K]*cntMutex

	// mapMtx is used to give synchronize concurrent access to the mutexes
	// map.
	mapMtx sync.Mutex
}

// NewMutex creates a new Mutex.
func NewMutex[K comparable]() *Mutex[K] {
	return &Mutex[K]{
		mutexes: make(map[K]*cntMutex),
	}
}

// Lock locks the mutex by the given ID. If the mutex is already locked by this
// ID, Lock blocks until the mutex is available.
func (c *Mutex[K]) Lock(id K) {
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[id]
	if ok {
		// One more goroutine is now waiting for the mutex.
		mtx.cnt++
	} else {
		mtx = &cntMutex{
			cnt: 1,
		}
		c.mutexes[id] = mtx
	}
	c.mapMtx.Unlock()

	mtx.Lock()
}

// TryLock attempts to lock the mutex for the given ID without blocking. It
// returns false if the mutex is currently held.
func (c *Mutex[K]) TryLock(id K) bool {
	c.mapMtx.Lock()
	defer c.mapMtx.Unlock()

	if _, ok := c.mutexes[id]; ok {
		return false
	}

	mtx := &cntMutex{
		cnt: 1,
	}
	mtx.Lock()
	c.mutexes[id] = mtx

	return true
}

// Unlock unlocks the mutex by the given ID. It is a run-time error if the
// mutex is not locked by the ID on entry to Unlock.
func (c *Mutex[K]) Unlock(id K) {
	c.mapMtx.Lock()

	mtx, ok := c.mutexes[id]
	if !ok {
		panic(fmt.Sprintf("double unlock for id %v", id))
	}

	// If the count goes to zero this caller was the last one to wait for
	// the mutex and we can forget about it. Every other waiter has
	// already incremented the counter, or will create a new mutex once it
	// gets the mapMtx.
	mtx.cnt--
	if mtx.cnt == 0 {
		delete(c.mutexes, id)
	}
	c.mapMtx.Unlock()

	mtx.Unlock()
}
