package protocol

import (
	"bytes"
	"encoding/json"
)

const (
	// DefaultMaxLineSize bounds a single buffered output line.
	DefaultMaxLineSize = 8 * 1024 * 1024
	// DefaultMaxTokens is the context window assumed when an agent does not
	// report one.
	DefaultMaxTokens = 200000
)

// Decoder turns raw agent output into protocol events. It frames lines
// incrementally, keeping any unterminated tail until the next chunk. One
// Decoder serves one output stream of one process.
type Decoder struct {
	buf         []byte
	maxLineSize int
	maxTokens   int64
	discarding  bool
	dropped     int
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxTokens sets the context window used to compute usage percentages.
func WithMaxTokens(n int64) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxTokens = n
		}
	}
}

// WithMaxLineSize caps how much of one line is buffered. Longer lines are
// discarded.
func WithMaxLineSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLineSize = n
		}
	}
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		maxLineSize: DefaultMaxLineSize,
		maxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode consumes a chunk and returns the events of every line it completes.
// Lines that do not parse are dropped.
func (d *Decoder) Decode(chunk []byte) []Event {
	var events []Event
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.buffer(chunk)
			break
		}
		if d.discarding {
			d.discarding = false
			d.dropped++
		} else {
			var line []byte
			if len(d.buf) > 0 {
				line = append(d.buf, chunk[:i]...)
			} else {
				line = chunk[:i]
			}
			events = append(events, d.parseLine(line)...)
		}
		d.buf = d.buf[:0]
		chunk = chunk[i+1:]
	}
	return events
}

func (d *Decoder) buffer(part []byte) {
	if d.discarding {
		return
	}
	if len(d.buf)+len(part) > d.maxLineSize {
		d.buf = d.buf[:0]
		d.discarding = true
		return
	}
	d.buf = append(d.buf, part...)
}

// Flush parses any unterminated trailing fragment. Call once the stream has
// ended.
func (d *Decoder) Flush() []Event {
	defer func() {
		d.buf = nil
		d.discarding = false
	}()
	if d.discarding {
		d.dropped++
		return nil
	}
	if len(bytes.TrimSpace(d.buf)) == 0 {
		return nil
	}
	return d.parseLine(d.buf)
}

// Dropped reports how many non-empty lines produced nothing parseable.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// pending reports whether a partial line is buffered.
func (d *Decoder) pending() bool {
	return len(d.buf) > 0
}

func (d *Decoder) parseLine(line []byte) []Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	events, ok := d.parse(line)
	if !ok {
		d.dropped++
		return nil
	}
	return events
}

// parse returns the events carried by one line. ok is false when the line is
// not a recognised event; a recognised line may still carry no events.
func (d *Decoder) parse(line []byte) ([]Event, bool) {
	if line[0] != '{' {
		return nil, false
	}
	var head struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, false
	}

	switch head.Type {
	case TypeUsage, TypeText, TypeToolUse, TypeToolResult, TypeError:
		ev, err := UnmarshalEvent(line)
		if err != nil {
			return nil, false
		}
		return []Event{ev}, true
	case TypeSystem:
		if head.Subtype == "" || head.Subtype == streamSubtypeInit {
			return nil, true
		}
		if head.Subtype == SubtypeInterrupting {
			// Only the server announces interrupts.
			return nil, false
		}
		return []Event{System{Subtype: head.Subtype}}, true
	case streamTypeAssistant:
		return d.parseAssistant(line)
	case streamTypeUser:
		return parseUser(line)
	case streamTypeResult:
		return d.parseResult(line)
	case streamTypeStreamEvent:
		return nil, true
	default:
		// ready, cancelled and done belong to the server, never to the agent.
		return nil, false
	}
}

type userLine struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EncodeMessage serializes one user turn in the form the agent reads on
// stdin: a single stream-json "user" line. imagePath, when set, points at an
// attached image the agent can read from disk.
func EncodeMessage(content, imagePath string) []byte {
	text := content
	if imagePath != "" {
		if text != "" {
			text += "\n\n"
		}
		text += "[Attached image: " + imagePath + "]"
	}
	data, _ := json.Marshal(userLine{
		Type:    streamTypeUser,
		Message: userMessage{Role: "user", Content: text},
	})
	return append(data, '\n')
}
