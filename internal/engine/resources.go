package engine

import (
	"sync"
	"time"
)

// ResourceManager is the single owner of every timer and ticker the engine
// creates. Components schedule through it instead of calling the time
// package directly, so teardown cancels everything as one unit and no timer
// can outlive the engine.
type ResourceManager struct {
	mu     sync.Mutex
	closed bool
	nextID int
	stops  map[int]func()
}

func NewResourceManager() *ResourceManager {
	return &ResourceManager{stops: map[int]func(){}}
}

// AfterFunc schedules f once after d. The returned cancel is idempotent.
func (r *ResourceManager) AfterFunc(d time.Duration, f func()) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	id := r.nextID
	r.nextID++
	timer := time.AfterFunc(d, func() {
		r.release(id)
		f()
	})
	stop := func() {
		timer.Stop()
	}
	r.stops[id] = stop
	return func() {
		stop()
		r.release(id)
	}
}

// Every runs f on a fixed interval until canceled or the manager closes.
func (r *ResourceManager) Every(d time.Duration, f func()) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	id := r.nextID
	r.nextID++
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(done) })
	}
	r.stops[id] = stop
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				f()
			}
		}
	}()
	return func() {
		stop()
		r.release(id)
	}
}

func (r *ResourceManager) release(id int) {
	r.mu.Lock()
	delete(r.stops, id)
	r.mu.Unlock()
}

// Active reports how many timers and tickers are currently registered.
func (r *ResourceManager) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stops)
}

// CloseAll cancels every registered timer and ticker and refuses further
// scheduling.
func (r *ResourceManager) CloseAll() {
	r.mu.Lock()
	stops := make([]func(), 0, len(r.stops))
	for _, stop := range r.stops {
		stops = append(stops, stop)
	}
	r.stops = map[int]func(){}
	r.closed = true
	r.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}
