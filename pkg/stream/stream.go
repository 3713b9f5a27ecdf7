// Package stream implements the newline-delimited JSON protocol used to relay
// sandbox execution progress over a chunked HTTP response body.
package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind discriminates the frame variants carried on the wire.
type Kind string

const (
	// KindLog carries incremental log lines; emitted zero or more times.
	KindLog Kind = "log"
	// KindResult carries the final execution outcome; terminal.
	KindResult Kind = "result"
	// KindError carries a structured failure raised before execution; terminal.
	KindError Kind = "error"
)

// ErrMalformedFrame is returned when a stream line is not valid frame JSON.
var ErrMalformedFrame = errors.New("malformed stream frame")

// ErrUnknownKind is returned when a frame carries an unrecognised type tag.
var ErrUnknownKind = errors.New("unknown frame kind")

// FileInfo describes one file produced by a sandbox run.
type FileInfo struct {
	Path      string  `json:"path"`
	SizeBytes int64   `json:"size_bytes"`
	Preview   *string `json:"preview"`
}

// ResultData is the payload of the terminal result frame.
type ResultData struct {
	OK          bool       `json:"ok"`
	SandboxID   string     `json:"sandbox_id"`
	Logs        []string   `json:"logs"`
	Files       []FileInfo `json:"files"`
	Error       *string    `json:"error"`
	RunID       *string    `json:"run_id"`
	CodeVersion *int       `json:"code_version"`
}

// InvalidParam reports a parameter whose value did not match its declared type.
type InvalidParam struct {
	Name     string `json:"name"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// ValidationDetail is the structured payload carried by error frames raised
// before any sandbox was provisioned.
type ValidationDetail struct {
	Message       string         `json:"message"`
	MissingParams []string       `json:"missing_params,omitempty"`
	InvalidParams []InvalidParam `json:"invalid_params,omitempty"`
	MissingFiles  []string       `json:"missing_files,omitempty"`
}

// ErrorData is the payload of the terminal error frame.
type ErrorData struct {
	Status  int             `json:"status,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
	Message string          `json:"message"`
}

// Frame is one line of the stream. Exactly one of Log, Result, Err is set,
// matching Kind.
type Frame struct {
	Kind   Kind
	Log    []string
	Result *ResultData
	Err    *ErrorData
}

// LogFrame builds a log frame from the given lines.
func LogFrame(lines []string) Frame {
	return Frame{Kind: KindLog, Log: lines}
}

// ResultFrame builds the terminal result frame.
func ResultFrame(data *ResultData) Frame {
	return Frame{Kind: KindResult, Result: data}
}

// ErrorFrame builds a terminal error frame from a validation detail.
func ErrorFrame(status int, detail *ValidationDetail) Frame {
	payload, _ := json.Marshal(detail)
	return Frame{Kind: KindError, Err: &ErrorData{
		Status:  status,
		Detail:  payload,
		Message: detail.Message,
	}}
}

// ErrorFrameMessage builds a terminal error frame carrying a plain message.
func ErrorFrameMessage(status int, message string) Frame {
	return Frame{Kind: KindError, Err: &ErrorData{Status: status, Message: message}}
}

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool {
	return f.Kind == KindResult || f.Kind == KindError
}

type wireFrame struct {
	Type    Kind            `json:"type"`
	Lines   []string        `json:"lines,omitempty"`
	Data    *ResultData     `json:"data,omitempty"`
	Status  int             `json:"status,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
	Message string          `json:"message,omitempty"`
}

// MarshalJSON encodes the frame in its wire form.
func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Kind {
	case KindLog:
		lines := f.Log
		if lines == nil {
			lines = []string{}
		}
		return json.Marshal(wireFrame{Type: KindLog, Lines: lines})
	case KindResult:
		if f.Result == nil {
			return nil, fmt.Errorf("result frame without data")
		}
		return json.Marshal(wireFrame{Type: KindResult, Data: f.Result})
	case KindError:
		if f.Err == nil {
			return nil, fmt.Errorf("error frame without payload")
		}
		return json.Marshal(wireFrame{
			Type:    KindError,
			Status:  f.Err.Status,
			Detail:  f.Err.Detail,
			Message: f.Err.Message,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}
}

// ParseFrame decodes one stream line into a frame. Unknown type tags and
// invalid JSON are protocol errors, never silently skipped.
func ParseFrame(line []byte) (Frame, error) {
	var wire wireFrame
	if err := json.Unmarshal(line, &wire); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch wire.Type {
	case KindLog:
		return Frame{Kind: KindLog, Log: wire.Lines}, nil
	case KindResult:
		if wire.Data == nil {
			return Frame{}, fmt.Errorf("%w: result frame without data", ErrMalformedFrame)
		}
		return Frame{Kind: KindResult, Result: wire.Data}, nil
	case KindError:
		return Frame{Kind: KindError, Err: &ErrorData{
			Status:  wire.Status,
			Detail:  wire.Detail,
			Message: wire.Message,
		}}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownKind, wire.Type)
	}
}

// Encoder writes frames as newline-terminated JSON, flushing after each frame
// so consumers observe progress before the stream completes.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder wraps a writer, detecting http.Flusher support.
func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// Encode writes one frame followed by a newline and flushes.
func (e *Encoder) Encode(f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := e.w.Write(append(payload, '\n')); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Decoder reads frames incrementally from a stream body. A single read may
// surface zero, one, or many complete lines, and a line may span several
// reads; the decoder assembles full lines before parsing. A non-empty
// trailing fragment without a final newline is parsed as one last frame.
type Decoder struct {
	reader *bufio.Reader
	done   bool
}

// NewDecoder wraps a reader for incremental frame consumption.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// Next returns the next frame, or io.EOF once the stream is exhausted.
func (d *Decoder) Next() (Frame, error) {
	for {
		if d.done {
			return Frame{}, io.EOF
		}
		line, err := d.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return Frame{}, err
			}
			d.done = true
			if strings.TrimSpace(line) == "" {
				return Frame{}, io.EOF
			}
			return ParseFrame([]byte(line))
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			continue
		}
		return ParseFrame([]byte(trimmed))
	}
}
