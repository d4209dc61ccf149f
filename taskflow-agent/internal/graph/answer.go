package graph

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

type EventType string

const (
	EventToken  EventType = "token"
	EventAction EventType = "action"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// Event is one item of a streamed run. A done event carries the Result and is always
// the last event unless the context is canceled first.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	Step    *Step     `json:"step,omitempty"`
	Result  *Result   `json:"result,omitempty"`
	Err     error     `json:"-"`
}

// Stream runs req and delivers events in order on an unbuffered channel. Decisions are
// generated with streaming, so the answer of a finalize decision arrives as token events
// while the model writes it. The channel is closed after the done event, or as soon as
// ctx is canceled.
func (a *Agent) Stream(ctx context.Context, req Request) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		send := func(ev Event) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		res := a.run(ctx, req, send, true)
		if res.Status == StatusCanceled {
			return
		}
		if res.Err != nil {
			if !send(Event{Type: EventError, Content: res.Err.Error(), Err: res.Err}) {
				return
			}
		}
		send(Event{Type: EventDone, Result: &res})
	}()
	return ch
}

var (
	answerKey      = regexp.MustCompile(`"answer"\s*:\s*"`)
	finalizeAction = regexp.MustCompile(`(?i)"action"\s*:\s*"finalize"`)
)

// answerWatcher decodes the answer of a finalize decision while the decision is still
// being generated and hands each decoded piece to emit.
type answerWatcher struct {
	emit      func(string) error
	buf       strings.Builder
	pos       int // start of the undecoded part of the answer value; 0 until the key is seen
	done      bool
	forwarded strings.Builder
}

func (w *answerWatcher) feed(tok string) error {
	w.buf.WriteString(tok)
	if w.done {
		return nil
	}
	s := w.buf.String()
	if w.pos == 0 {
		loc := answerKey.FindStringIndex(s)
		if loc == nil {
			return nil
		}
		if !finalizeAction.MatchString(s[:loc[0]]) {
			w.done = true
			return nil
		}
		w.pos = loc[1]
	}

	end, closed := scanJSONString(s, w.pos)
	if !closed {
		end = completeRunes(s, w.pos, end)
	}
	if end > w.pos {
		var piece string
		if err := json.Unmarshal([]byte(`"`+s[w.pos:end]+`"`), &piece); err != nil {
			w.done = true
			return nil
		}
		w.pos = end
		if piece != "" {
			w.forwarded.WriteString(piece)
			if err := w.emit(piece); err != nil {
				return err
			}
		}
	}
	if closed {
		w.done = true
	}
	return nil
}

// scanJSONString walks the body of a JSON string starting at from. It stops at the
// closing quote or before an escape sequence that is not complete yet.
func scanJSONString(s string, from int) (end int, closed bool) {
	i := from
	for i < len(s) {
		switch {
		case s[i] == '"':
			return i, true
		case s[i] != '\\':
			i++
		case i+1 >= len(s):
			return i, false
		case s[i+1] != 'u':
			i += 2
		case i+6 > len(s):
			return i, false
		case highSurrogate(s[i+2 : i+6]):
			if i+12 > len(s) {
				return i, false
			}
			i += 12
		default:
			i += 6
		}
	}
	return i, false
}

func highSurrogate(hex string) bool {
	h := strings.ToUpper(hex[:2])
	return h >= "D8" && h <= "DB"
}

// completeRunes drops a trailing partial UTF-8 sequence from s[from:end].
func completeRunes(s string, from, end int) int {
	for n := 0; n < utf8.UTFMax-1 && end > from && !utf8.ValidString(s[from:end]); n++ {
		end--
	}
	return end
}
