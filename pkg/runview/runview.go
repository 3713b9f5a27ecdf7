// Package runview tracks an in-flight sandbox run on the consumer side
// of the stream protocol. A PendingRun is created with a temporary id
// before the backend has persisted anything; frames promote it through
// running, completed, or failed, and Reconcile swaps it for the durable
// record once the run shows up in the persisted history.
package runview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheetbench/backend/pkg/runs"
	"github.com/sheetbench/backend/pkg/stream"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrRunInFlight is returned by Tracker.Start while a run is active.
	ErrRunInFlight = errors.New("a run is already in flight")
	// ErrNotDeletable marks runs that only exist under a temporary id.
	ErrNotDeletable = errors.New("pending runs cannot be deleted")
)

// PendingRun mirrors one streaming execution. It is not safe for
// concurrent use; Tracker serializes access.
type PendingRun struct {
	TempID      string
	ToolID      string
	CreatedAt   time.Time
	Status      Status
	Logs        []string
	Files       []stream.FileInfo
	Error       *string
	RunID       *string
	CodeVersion *int
}

func NewPendingRun(toolID string) *PendingRun {
	return &PendingRun{
		TempID:    "pending-" + uuid.NewString(),
		ToolID:    toolID,
		CreatedAt: time.Now().UTC(),
		Status:    StatusRunning,
		Logs:      []string{},
		Files:     []stream.FileInfo{},
	}
}

// Terminal reports whether the run has reached a final status.
func (p *PendingRun) Terminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

// Apply folds one frame into the run. Frames arriving after a terminal
// status are ignored.
func (p *PendingRun) Apply(frame stream.Frame) {
	if p.Terminal() {
		return
	}
	switch frame.Kind {
	case stream.KindLog:
		p.Logs = append(p.Logs, frame.Log...)
	case stream.KindResult:
		p.applyResult(frame.Result)
	case stream.KindError:
		p.fail(errorMessage(frame.Err))
	}
}

func (p *PendingRun) applyResult(result *stream.ResultData) {
	if result == nil {
		p.fail("Stream ended with an empty result")
		return
	}
	// The result carries the authoritative merged log when present;
	// otherwise the lines accumulated from log frames stand.
	if len(result.Logs) > 0 {
		p.Logs = result.Logs
	}
	if result.Files != nil {
		p.Files = result.Files
	}
	p.RunID = result.RunID
	p.CodeVersion = result.CodeVersion
	if result.OK {
		p.Status = StatusCompleted
		return
	}
	msg := "Sandbox execution failed"
	if result.Error != nil && *result.Error != "" {
		msg = *result.Error
	}
	p.Status = StatusFailed
	p.Error = &msg
}

func (p *PendingRun) fail(message string) {
	p.Status = StatusFailed
	p.Error = &message
}

func errorMessage(data *stream.ErrorData) string {
	if data == nil {
		return "Stream reported an unspecified error"
	}
	if data.Message != "" {
		return data.Message
	}
	if len(data.Detail) > 0 {
		var detail stream.ValidationDetail
		if err := json.Unmarshal(data.Detail, &detail); err == nil {
			if msg := FormatValidationDetail(&detail); msg != "" {
				return msg
			}
		}
	}
	return fmt.Sprintf("Run rejected with status %d", data.Status)
}

// FormatValidationDetail renders a validation failure as one sentence
// per category.
func FormatValidationDetail(detail *stream.ValidationDetail) string {
	sentences := []string{}
	if detail.Message != "" {
		sentences = append(sentences, detail.Message)
	}
	if len(detail.MissingParams) > 0 {
		sentences = append(sentences, "Missing required params: "+strings.Join(detail.MissingParams, ", ")+".")
	}
	if len(detail.InvalidParams) > 0 {
		parts := make([]string, 0, len(detail.InvalidParams))
		for _, invalid := range detail.InvalidParams {
			parts = append(parts, fmt.Sprintf("%s (expected %s, got %s)", invalid.Name, invalid.Expected, invalid.Actual))
		}
		sentences = append(sentences, "Invalid params: "+strings.Join(parts, ", ")+".")
	}
	if len(detail.MissingFiles) > 0 {
		sentences = append(sentences, "Missing required files: "+strings.Join(detail.MissingFiles, ", ")+".")
	}
	return strings.Join(sentences, " ")
}

// Deletable reports whether the run can be deleted from history. Only
// durably persisted runs qualify.
func (p *PendingRun) Deletable() error {
	if p.RunID == nil || *p.RunID == "" {
		return ErrNotDeletable
	}
	return nil
}

// Reconcile resolves a pending run against the persisted history list.
// It returns the durable summary once the run's id is visible there;
// until then the pending entry must remain displayed, so nil is
// returned.
func Reconcile(pending *PendingRun, history []runs.Summary) *runs.Summary {
	if pending == nil || pending.RunID == nil {
		return nil
	}
	for i := range history {
		if history[i].ID == *pending.RunID {
			return &history[i]
		}
	}
	return nil
}

// Tracker owns at most one pending run at a time.
type Tracker struct {
	mu      sync.Mutex
	current *PendingRun
	closed  bool
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Start registers a new pending run. It fails while a previous run is
// still in flight.
func (t *Tracker) Start(toolID string) (*PendingRun, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.New("tracker is closed")
	}
	if t.current != nil && !t.current.Terminal() {
		return nil, ErrRunInFlight
	}
	t.current = NewPendingRun(toolID)
	return t.current, nil
}

// Current returns a snapshot of the tracked run, or nil.
func (t *Tracker) Current() *PendingRun {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return nil
	}
	copied := *t.current
	copied.Logs = append([]string{}, t.current.Logs...)
	copied.Files = append([]stream.FileInfo{}, t.current.Files...)
	return &copied
}

// Apply folds a frame into the tracked run. Updates after Close are
// dropped.
func (t *Tracker) Apply(frame stream.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.current == nil {
		return
	}
	t.current.Apply(frame)
}

// Clear drops the tracked run once it has been reconciled away.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = nil
}

// Close permanently stops the tracker.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// Consume reads frames from r until a terminal frame, EOF, or context
// cancellation, applying each to the tracker. A malformed stream marks
// the run failed.
func (t *Tracker) Consume(ctx context.Context, r io.Reader) error {
	decoder := stream.NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			t.Apply(stream.ErrorFrameMessage(0, "Stream cancelled"))
			return err
		}
		frame, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			t.failIfRunning("Stream ended before a result arrived")
			return nil
		}
		if err != nil {
			t.failIfRunning("Protocol error: " + err.Error())
			return err
		}
		t.Apply(frame)
		if frame.Terminal() {
			return nil
		}
	}
}

func (t *Tracker) failIfRunning(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.current == nil || t.current.Terminal() {
		return
	}
	t.current.fail(message)
}
