// Package rendezvous implements the single-slot mailbox shared between the
// RequestFrontend and the PipelineController: one mutex, one condition
// variable, and a handful of fields that together form the entire
// synchronization surface of the server. Exactly one State exists per
// process; it is never duplicated or copied by value.
package rendezvous

import "sync"

// State is the process-wide rendezvous record. All field reads and writes
// happen under mu; cond is broadcast whenever NewRequest or ReconDone
// changes, so whichever party is currently waiting re-checks its predicate.
//
// There is no cancellation or timeout built into State by design: a lost
// client leaves the worker blocked on cond indefinitely. Callers that need a
// liveness bound must wrap State's blocking methods with their own deadline
// logic rather than expect one here.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	numImages            int
	newRequest           bool
	reconDone            bool
	task                 string
	fullPipeline         bool
	skip                 bool
	letColmapChooseOrder bool
	userMessage          string
	errMessage           string
}

// New returns a freshly initialized State with no pending request.
func New() *State {
	s := &State{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *State) appendMessageLocked(note string) {
	if note == "" {
		return
	}
	if s.userMessage == "" {
		s.userMessage = note
	} else {
		s.userMessage += "\n" + note
	}
}

// Snapshot is a consistent, point-in-time copy of every State field, used by
// health checks and tests that must not hold mu across other calls.
type Snapshot struct {
	NumImages    int
	NewRequest   bool
	ReconDone    bool
	Task         string
	FullPipeline bool
	UserMessage  string
	Error        string
}

// Snapshot returns the current state under lock.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		NumImages:    s.numImages,
		NewRequest:   s.newRequest,
		ReconDone:    s.reconDone,
		Task:         s.task,
		FullPipeline: s.fullPipeline,
		UserMessage:  s.userMessage,
		Error:        s.errMessage,
	}
}

// NumImages returns the number of images currently known to be on disk.
func (s *State) NumImages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numImages
}
