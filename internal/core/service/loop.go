package service

import "sync"

// eventLoop runs posted tasks one at a time on its own goroutine. All state
// of the owning component is touched only from inside posted tasks.
type eventLoop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// post queues fn without blocking. It reports false once the loop is stopped.
func (l *eventLoop) post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for it. Must not be used from inside the loop.
func (l *eventLoop) call(fn func()) bool {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

func (l *eventLoop) stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
			for {
				l.mu.Lock()
				if len(l.queue) == 0 {
					l.mu.Unlock()
					break
				}
				fn := l.queue[0]
				l.queue[0] = nil
				l.queue = l.queue[1:]
				l.mu.Unlock()
				fn()
			}
		}
	}
}
