package audtext

import "sync"

// subscription is an unbounded, ordered mailbox feeding one subscriber
// channel. push never blocks, so the tracker can publish while holding its
// lock without depending on how fast consumers read.
type subscription struct {
	mu     sync.Mutex
	queue  []Event
	closed bool

	wake chan struct{}
	quit chan struct{}
	out  chan Event
	once sync.Once
}

func newSubscription() *subscription {
	s := &subscription{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		out:  make(chan Event),
	}
	go s.pump()
	return s
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// finish delivers what is queued and then closes the channel.
func (s *subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// cancel closes the channel without delivering what is queued.
func (s *subscription) cancel() {
	s.once.Do(func() { close(s.quit) })
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.quit:
			return
		}
	}
}
