package core

// Timer represents a scheduled event
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) uint8
	Next     *Timer

	queued bool
}

const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

// Scheduler keeps a singly linked list of timers sorted by WakeTime
type Scheduler struct {
	irq  irqMask
	head *Timer
	now  uint32
}

// NewScheduler creates an empty scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// timeBefore reports whether a is before b, tolerating counter wraparound
func timeBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// ScheduleTimer adds a timer to the default schedule
func ScheduleTimer(t *Timer) {
	defaultScheduler.Schedule(t)
}

// Schedule adds a timer to the schedule. A timer that is already queued
// keeps its position.
func (s *Scheduler) Schedule(t *Timer) {
	state := s.irq.disable()
	defer s.irq.restore(state)

	if t.queued {
		return
	}
	s.insertTimer(t)
}

// Cancel removes a timer from the schedule. Returns false if it was not queued.
func (s *Scheduler) Cancel(t *Timer) bool {
	state := s.irq.disable()
	defer s.irq.restore(state)

	if !t.queued {
		return false
	}

	if s.head == t {
		s.head = t.Next
	} else {
		for cur := s.head; cur != nil; cur = cur.Next {
			if cur.Next == t {
				cur.Next = t.Next
				break
			}
		}
	}
	t.Next = nil
	t.queued = false
	return true
}

// insertTimer inserts a timer in sorted order by WakeTime
// Must be called with the mask held
func (s *Scheduler) insertTimer(t *Timer) {
	t.queued = true
	if s.head == nil || timeBefore(t.WakeTime, s.head.WakeTime) {
		t.Next = s.head
		s.head = t
		return
	}

	current := s.head
	for current.Next != nil && !timeBefore(t.WakeTime, current.Next.WakeTime) {
		current = current.Next
	}

	t.Next = current.Next
	current.Next = t
}

// Pending returns the number of queued timers
func (s *Scheduler) Pending() int {
	state := s.irq.disable()
	defer s.irq.restore(state)

	n := 0
	for cur := s.head; cur != nil; cur = cur.Next {
		n++
	}
	return n
}

// NextWake returns the WakeTime of the earliest queued timer
func (s *Scheduler) NextWake() (uint32, bool) {
	state := s.irq.disable()
	defer s.irq.restore(state)
	if s.head == nil {
		return 0, false
	}
	return s.head.WakeTime, true
}

// Now returns the time passed to the most recent Dispatch
func (s *Scheduler) Now() uint32 {
	state := s.irq.disable()
	defer s.irq.restore(state)
	return s.now
}

// TimerDispatch processes due timers on the default scheduler
func TimerDispatch() {
	defaultScheduler.Dispatch(GetTime())
}

// Dispatch runs every timer with WakeTime <= now and returns how many ran.
// The list is only touched with the mask held; handlers run unmasked so
// they may start or stop timers themselves.
func (s *Scheduler) Dispatch(now uint32) int {
	ran := 0
	for {
		state := s.irq.disable()
		s.now = now
		timer := s.head
		if timer == nil || timeBefore(now, timer.WakeTime) {
			s.irq.restore(state)
			return ran
		}
		s.head = timer.Next
		timer.Next = nil // Clear Next pointer to avoid circular references
		timer.queued = false
		s.irq.restore(state)

		ran++
		if timer.Handler(timer) == SF_RESCHEDULE {
			s.Schedule(timer)
		}
	}
}
