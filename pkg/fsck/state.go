package fsck

import (
	"strings"
	"sync"
	"time"
)

// Operation is what the checker task is doing right now.
type Operation string

const (
	OpIdle    Operation = "idle"
	OpWaiting Operation = "waiting-for-card"
	OpDone    Operation = "done"
)

// CheckingOperation names the operation of checking the partition at path,
// e.g. "checking-sys" for "/sys".
func CheckingOperation(path string) Operation {
	return Operation("checking-" + strings.Trim(path, "/"))
}

// Result is the outcome of checking one partition.
type Result struct {
	Path     string        `json:"path"`
	Code     int           `json:"code"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Status is a snapshot of the checker state.
type Status struct {
	DriveOK    bool            `json:"driveOk"`
	Checking   bool            `json:"checking"`
	Operation  Operation       `json:"operation"`
	Partitions map[string]bool `json:"partitions"`
	Results    []Result        `json:"results"`
}

// AllOK reports whether every partition checked so far passed and at least
// one was checked.
func (s Status) AllOK() bool {
	if len(s.Partitions) == 0 {
		return false
	}
	for _, ok := range s.Partitions {
		if !ok {
			return false
		}
	}
	return true
}

// State is shared between the task and anyone polling it.
type State struct {
	mu sync.RWMutex
	st Status
}

func newState(paths []string) *State {
	parts := make(map[string]bool, len(paths))
	for _, p := range paths {
		parts[p] = false
	}
	return &State{st: Status{Operation: OpIdle, Partitions: parts}}
}

func (s *State) update(fn func(st *Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.st)
}

// Snapshot returns a copy that is safe to keep.
func (s *State) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.st
	out.Partitions = make(map[string]bool, len(s.st.Partitions))
	for k, v := range s.st.Partitions {
		out.Partitions[k] = v
	}
	out.Results = append([]Result(nil), s.st.Results...)
	return out
}
