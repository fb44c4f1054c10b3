// Package transfer moves large files to and from the service in chunks,
// encrypting each chunk on the way out and decrypting on the way in. Upload
// sessions track completed chunks so a failed transfer can be resumed
// without resending them.
package transfer

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Sentinel errors for session lifecycle violations.
var (
	ErrInvalidState = errors.New("transfer: invalid state transition")
	ErrAborted      = errors.New("transfer: aborted")
	ErrBusy         = errors.New("transfer: session already running")

	// ErrChunkSizeMismatch means a session was created with a different
	// chunk size than the engine uses.
	ErrChunkSizeMismatch = errors.New("transfer: session chunk size does not match engine")
)

// State is the lifecycle state of a transfer session.
type State int

const (
	StateInitiated State = iota
	StateInProgress
	StateCompleting
	StateCompleted
	StateFailed
	StateAborted
)

var stateNames = map[State]string{
	StateInitiated:  "initiated",
	StateInProgress: "in_progress",
	StateCompleting: "completing",
	StateCompleted:  "completed",
	StateFailed:     "failed",
	StateAborted:    "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}

	return 0, fmt.Errorf("transfer: unknown state %q", name)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Event drives a state transition.
type Event int

const (
	// EventStart begins or resumes sending chunks.
	EventStart Event = iota
	// EventChunksDone means every chunk has been acknowledged.
	EventChunksDone
	// EventFinalized means the server assembled the transfer.
	EventFinalized
	// EventFail records an unrecoverable error; the session stays resumable.
	EventFail
	// EventAbort releases the transfer for good.
	EventAbort
)

var eventNames = [...]string{"start", "chunks-done", "finalized", "fail", "abort"}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}

	return fmt.Sprintf("event(%d)", int(e))
}

// Transition returns the state that follows s on ev, or ErrInvalidState.
func (s State) Transition(ev Event) (State, error) {
	switch ev {
	case EventStart:
		switch s {
		case StateInitiated, StateInProgress, StateFailed:
			return StateInProgress, nil
		}
	case EventChunksDone:
		if s == StateInProgress {
			return StateCompleting, nil
		}
	case EventFinalized:
		if s == StateCompleting {
			return StateCompleted, nil
		}
	case EventFail:
		switch s {
		case StateInitiated, StateInProgress, StateCompleting, StateFailed:
			return StateFailed, nil
		}
	case EventAbort:
		if !s.Terminal() {
			return StateAborted, nil
		}
	}

	return s, fmt.Errorf("%w: %s on %s", ErrInvalidState, ev, s)
}

// Part is an acknowledged chunk. Receipt is whatever the server returned
// for it (an S3 ETag for DRACOON) and is needed at finalization.
type Part struct {
	Index   int
	Receipt string
}

// Session is the resumable state of one upload. All methods are safe for
// concurrent use; chunk completions are recorded under a single lock.
type Session struct {
	mu         sync.Mutex
	transferID string
	resultID   string
	totalSize  int64
	chunkSize  int64
	completed  map[int]string
	state      State
	running    bool
}

// NewSession creates a session for totalSize bytes split into chunkSize
// pieces.
func NewSession(totalSize, chunkSize int64) (*Session, error) {
	if totalSize < 0 {
		return nil, fmt.Errorf("transfer: negative size %d", totalSize)
	}

	if chunkSize <= 0 {
		return nil, fmt.Errorf("transfer: chunk size must be positive, got %d", chunkSize)
	}

	return &Session{
		totalSize: totalSize,
		chunkSize: chunkSize,
		completed: make(map[int]string),
		state:     StateInitiated,
	}, nil
}

// Snapshot is a point-in-time copy of a session, for persistence.
type Snapshot struct {
	TransferID string
	ResultID   string
	TotalSize  int64
	ChunkSize  int64
	State      State
	Parts      []Part
}

// RestoreSession rebuilds a session from a snapshot.
func RestoreSession(snap Snapshot) (*Session, error) {
	s, err := NewSession(snap.TotalSize, snap.ChunkSize)
	if err != nil {
		return nil, err
	}

	s.transferID = snap.TransferID
	s.resultID = snap.ResultID
	s.state = snap.State

	for _, p := range snap.Parts {
		if p.Index < 0 || p.Index >= s.ChunkCount() {
			return nil, fmt.Errorf("transfer: part %d outside [0, %d)", p.Index, s.ChunkCount())
		}

		s.completed[p.Index] = p.Receipt
	}

	return s, nil
}

// Snapshot returns a consistent copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		TransferID: s.transferID,
		ResultID:   s.resultID,
		TotalSize:  s.totalSize,
		ChunkSize:  s.chunkSize,
		State:      s.state,
		Parts:      s.partsLocked(),
	}
}

func (s *Session) TransferID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transferID
}

// ResultID is the identifier of the finished resource, set on completion.
func (s *Session) ResultID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resultID
}

func (s *Session) TotalSize() int64 { return s.totalSize }

func (s *Session) ChunkSize() int64 { return s.chunkSize }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ChunkCount is ceil(TotalSize/ChunkSize). An empty transfer still has one
// (empty) chunk.
func (s *Session) ChunkCount() int {
	return chunkCount(s.totalSize, s.chunkSize)
}

// Parts returns the acknowledged chunks in index order.
func (s *Session) Parts() []Part {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.partsLocked()
}

// Missing returns the indices not yet acknowledged, in order.
func (s *Session) Missing() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []int

	for i := range s.ChunkCount() {
		if _, ok := s.completed[i]; !ok {
			missing = append(missing, i)
		}
	}

	return missing
}

// IsComplete reports whether every chunk has been acknowledged.
func (s *Session) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.completed) == s.ChunkCount()
}

// CompletedBytes is the plaintext size of the acknowledged chunks.
func (s *Session) CompletedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.completedBytesLocked()
}

// markCompleted records chunk idx and returns the new completed byte count.
func (s *Session) markCompleted(idx int, receipt string) (int64, error) {
	if idx < 0 || idx >= s.ChunkCount() {
		return 0, fmt.Errorf("transfer: chunk %d outside [0, %d)", idx, s.ChunkCount())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed[idx] = receipt

	return s.completedBytesLocked(), nil
}

func (s *Session) transition(ev Event) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.state.Transition(ev)
	if err != nil {
		return s.state, err
	}

	s.state = next

	return next, nil
}

func (s *Session) setTransferID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transferID = id
}

func (s *Session) setResultID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resultID = id
}

// acquire marks the session as being driven by an upload run.
func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrBusy
	}

	s.running = true

	return nil
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
}

func (s *Session) partsLocked() []Part {
	parts := make([]Part, 0, len(s.completed))
	for idx, receipt := range s.completed {
		parts = append(parts, Part{Index: idx, Receipt: receipt})
	}

	slices.SortFunc(parts, func(a, b Part) int { return a.Index - b.Index })

	return parts
}

func (s *Session) completedBytesLocked() int64 {
	var n int64
	for idx := range s.completed {
		_, length := chunkBounds(idx, s.totalSize, s.chunkSize)
		n += length
	}

	return n
}
