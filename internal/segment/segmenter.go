// Package segment turns a stream of model text fragments into complete,
// speakable sentences with per-session ordering.
package segment

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

const (
	DefaultOpenMarker  = "<think>"
	DefaultCloseMarker = "</think>"
)

// DefaultTerminatorPattern matches full- and half-width sentence punctuation,
// a colon followed by whitespace or end of text, a closing quote followed by
// terminal punctuation, and paragraph breaks. Trailing closing quotes stay
// with the sentence they close.
const DefaultTerminatorPattern = `(?:[。！？；…，!?;]+|\.+(?:\s|$)|[:：](?:\s|$)|["”’」』][。！？!?.]|\n{2,})["”’」』]*`

var defaultTerminator = regexp.MustCompile(DefaultTerminatorPattern)

type Sentence struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Order     int    `json:"order"`
	SessionID string `json:"session_id"`
}

func SentenceID(sessionID string, order int) string {
	return fmt.Sprintf("%s_sentence_%d", sessionID, order)
}

type Option func(*Segmenter)

func WithTerminator(re *regexp.Regexp) Option {
	return func(s *Segmenter) {
		if re != nil {
			s.terminator = re
		}
	}
}

func WithAnnotationMarkers(open, close string) Option {
	return func(s *Segmenter) {
		if open != "" && close != "" {
			s.open = open
			s.close = close
		}
	}
}

type Segmenter struct {
	mu         sync.Mutex
	buffer     string
	next       int
	terminator *regexp.Regexp
	open       string
	close      string
}

func New(opts ...Option) *Segmenter {
	s := &Segmenter{
		terminator: defaultTerminator,
		open:       DefaultOpenMarker,
		close:      DefaultCloseMarker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddChunk appends text to the buffer. Whitespace-only chunks are kept once
// text is buffered so paragraph breaks streamed on their own still count.
func (s *Segmenter) AddChunk(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer == "" && strings.TrimSpace(text) == "" {
		return
	}
	s.buffer += text
}

func (s *Segmenter) HasCompleteSentence() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ready, _ := s.settleLocked()
	return s.boundary(ready) != nil
}

// ExtractSentence removes and returns the first complete sentence. Sentences
// that are empty or punctuation-only after cleaning are dropped and the
// search continues.
func (s *Segmenter) ExtractSentence() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extractLocked()
}

// DrainRemainder returns and clears whatever is buffered. An annotation block
// that never closed is discarded.
func (s *Segmenter) DrainRemainder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainLocked()
}

// Next extracts the next sentence and assigns it the next order number.
func (s *Segmenter) Next(sessionID string) (Sentence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.extractLocked()
	if !ok {
		return Sentence{}, false
	}
	return s.emitLocked(sessionID, text), true
}

// Remainder drains the buffer as a final ordered sentence.
func (s *Segmenter) Remainder(sessionID string) (Sentence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.drainLocked()
	if text == "" {
		return Sentence{}, false
	}
	return s.emitLocked(sessionID, text), true
}

// Emitted reports how many ordered sentences have been handed out.
func (s *Segmenter) Emitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Reset clears buffered text. Order numbering continues.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = ""
}

func (s *Segmenter) emitLocked(sessionID, text string) Sentence {
	order := s.next
	s.next++
	return Sentence{
		ID:        SentenceID(sessionID, order),
		Text:      text,
		Order:     order,
		SessionID: sessionID,
	}
}

func (s *Segmenter) extractLocked() (string, bool) {
	for {
		ready, pending := s.settleLocked()
		loc := s.boundary(ready)
		if loc == nil {
			return "", false
		}
		raw := ready[:loc[1]]
		s.buffer = ready[loc[1]:] + pending
		if text := strings.TrimSpace(raw); speakable(text) {
			return text, true
		}
	}
}

// boundary finds the first sentence end in text. A half-width period or
// colon that ends the buffer is held back: the next chunk may turn "3." into
// "3.14" or "12:" into "12:30". DrainRemainder still emits it.
func (s *Segmenter) boundary(text string) []int {
	loc := s.terminator.FindStringIndex(text)
	if loc == nil || loc[1] < len(text) {
		return loc
	}
	tail := strings.TrimRightFunc(text[loc[0]:loc[1]], isClosingQuote)
	if strings.HasSuffix(tail, ".") || strings.HasSuffix(tail, ":") {
		return nil
	}
	return loc
}

func isClosingQuote(r rune) bool {
	switch r {
	case '"', '”', '’', '」', '』':
		return true
	}
	return false
}

func (s *Segmenter) drainLocked() string {
	ready, _ := s.settleLocked()
	s.buffer = ""
	text := strings.TrimSpace(ready)
	if !speakable(text) {
		return ""
	}
	return text
}

// settleLocked strips closed annotation blocks from the buffer and splits it
// into the part that may be segmented and the part held back behind an
// unclosed opening marker.
func (s *Segmenter) settleLocked() (ready, pending string) {
	ready, pending = splitPending(s.buffer, s.open, s.close)
	ready = StripAnnotations(ready, s.open, s.close)
	s.buffer = ready + pending
	return ready, pending
}

func splitPending(text, open, close string) (string, string) {
	pos := 0
	for {
		i := strings.Index(text[pos:], open)
		if i < 0 {
			return text, ""
		}
		start := pos + i
		j := strings.Index(text[start+len(open):], close)
		if j < 0 {
			return text[:start], text[start:]
		}
		pos = start + len(open) + j + len(close)
	}
}

// StripAnnotations removes open/close delimited blocks line by line: lines
// entirely inside a block are dropped, lines that open or close a block keep
// only the text outside the markers. Stray closing markers are removed.
func StripAnnotations(text, open, close string) string {
	if !strings.Contains(text, open) && !strings.Contains(text, close) {
		return text
	}

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	inside := false

	for _, line := range lines {
		startedInside := inside
		touched := false
		var kept strings.Builder
		rest := line

		for rest != "" {
			if inside {
				j := strings.Index(rest, close)
				if j < 0 {
					rest = ""
					break
				}
				rest = rest[j+len(close):]
				inside = false
				touched = true
				continue
			}

			i := strings.Index(rest, open)
			c := strings.Index(rest, close)
			if c >= 0 && (i < 0 || c < i) {
				kept.WriteString(rest[:c])
				rest = rest[c+len(close):]
				touched = true
				continue
			}
			if i < 0 {
				kept.WriteString(rest)
				break
			}
			kept.WriteString(rest[:i])
			rest = rest[i+len(open):]
			inside = true
			touched = true
		}

		switch {
		case touched:
			if strings.TrimSpace(kept.String()) != "" {
				out = append(out, kept.String())
			}
		case !startedInside:
			out = append(out, line)
		}
	}

	return strings.Join(out, "\n")
}

func speakable(text string) bool {
	for _, r := range text {
		if !unicode.IsPunct(r) && !unicode.IsSpace(r) {
			return true
		}
	}
	return false
}
