package document

import (
	"fmt"
	"time"
)

// State is a stage of the per-document ingestion state machine.
type State int

const (
	StateCaptured State = iota
	StateRectified
	StateEnhanced
	StateTextExtracted
	StateClassified
	StateIndexed
	StateStored
	StateFailed
)

var stateNames = [...]string{
	StateCaptured:      "Captured",
	StateRectified:     "Rectified",
	StateEnhanced:      "Enhanced",
	StateTextExtracted: "TextExtracted",
	StateClassified:    "Classified",
	StateIndexed:       "Indexed",
	StateStored:        "Stored",
	StateFailed:        "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState maps a state name back to its value.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Next returns the state that follows s on the happy path. Stored and Failed
// have no successor.
func (s State) Next() (State, bool) {
	if s >= StateStored {
		return s, false
	}
	return s + 1, true
}

// Terminal reports whether no further stage is scheduled from s.
func (s State) Terminal() bool { return s == StateStored || s == StateFailed }

// Failure describes why a stage could not complete.
type Failure struct {
	Stage  State     `json:"stage"`
	Kind   string    `json:"kind"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

func (f Failure) String() string {
	return fmt.Sprintf("Failed(%s, %s): %s", f.Stage, f.Kind, f.Reason)
}

// Checkpoint is the durable per-document pipeline state. Last is the most
// recent stage that completed; every artifact up to Last is populated.
type Checkpoint struct {
	ID             string                `json:"id"`
	State          State                 `json:"state"`
	Last           State                 `json:"last"`
	Failure        *Failure              `json:"failure,omitempty"`
	Capture        RawCapture            `json:"capture"`
	Corners        *Corners              `json:"corners,omitempty"`
	Rectified      Raster                `json:"rectified"`
	Enhanced       Raster                `json:"enhanced"`
	OCR            *OcrResult            `json:"ocr,omitempty"`
	Classification *ClassificationResult `json:"classification,omitempty"`
	Record         *Record               `json:"record,omitempty"`
	ReviewFlags    []ReviewFlag          `json:"review_flags,omitempty"`
	Attempts       int                   `json:"attempts"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// Advance records a successful transition into next.
func (c *Checkpoint) Advance(next State, now time.Time) {
	c.State = next
	c.Last = next
	c.Failure = nil
	c.UpdatedAt = now
}

// Fail moves the checkpoint to Failed while keeping Last untouched so a
// retry resumes after it.
func (c *Checkpoint) Fail(stage State, err error, now time.Time) {
	c.State = StateFailed
	c.Failure = &Failure{Stage: stage, Kind: ErrorKind(err), Reason: err.Error(), At: now}
	c.UpdatedAt = now
}

// Flag adds a review flag once.
func (c *Checkpoint) Flag(f ReviewFlag) {
	for _, have := range c.ReviewFlags {
		if have == f {
			return
		}
	}
	c.ReviewFlags = append(c.ReviewFlags, f)
}

// Unflag removes a review flag.
func (c *Checkpoint) Unflag(f ReviewFlag) {
	out := c.ReviewFlags[:0]
	for _, have := range c.ReviewFlags {
		if have != f {
			out = append(out, have)
		}
	}
	c.ReviewFlags = out
}
