// Package usage accumulates per-request token counts. Finalize resolves the
// count through a strict waterfall: provider-reported numbers win, an exact
// tokenizer pass covers responses the provider did not count, and a
// whitespace word estimate is the terminal fallback. Streaming output is
// counted incrementally; a carry buffer holds the possibly-incomplete
// trailing word across chunk seams.
package usage

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Finalized usage sources, in waterfall order.
const (
	SourceProviderReported = "provider_reported"
	SourceTokenizerCounted = "tokenizer_counted"
	SourceWordEstimate     = "word_estimate"
)

// Reasons a word estimate was used instead of a tokenizer count.
const (
	ReasonTokenizerUnavailable = "tokenizer_unavailable"
	ReasonTextTooLarge         = "text_too_large"
)

// Tokenizer counts tokens exactly for one fixed encoding.
type Tokenizer interface {
	Count(text string) (int, error)
	Encoding() string
}

// Message is one conversational turn, reduced to what counting needs.
type Message struct {
	Role    string
	Content string
}

// CanonicalText flattens messages into the single string both the tokenizer
// and the word estimate count, so every path sees identical input.
func CanonicalText(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Role != "" {
			parts = append(parts, m.Role+":"+m.Content)
		} else {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// Record is the finalized usage for one request.
type Record struct {
	InputTokens    int64
	OutputTokens   int64
	TotalTokens    int64
	Source         string
	FallbackReason string
	Encoding       string
}

// Tracker is the per-request accumulator. Not safe for concurrent use; one
// request owns one Tracker.
type Tracker struct {
	tokenizer Tokenizer
	maxChars  int

	inputText  strings.Builder
	outputText strings.Builder
	tooLarge   bool

	inputWords  int64
	outputWords int64
	outputCarry string
}

// NewTracker constructs a Tracker. maxChars bounds the text retained for the
// exact tokenizer pass; past it the tracker degrades to word estimates.
func NewTracker(tokenizer Tokenizer, maxChars int) *Tracker {
	if maxChars <= 0 {
		maxChars = 200_000
	}
	return &Tracker{tokenizer: tokenizer, maxChars: maxChars}
}

// RecordInput accounts the request's input text.
func (t *Tracker) RecordInput(text string) {
	if text == "" {
		return
	}
	t.inputWords += int64(len(strings.Fields(text)))
	t.retain(&t.inputText, text)
}

// RecordInputMessages accounts a message list via its canonical text.
func (t *Tracker) RecordInputMessages(messages []Message) {
	t.RecordInput(CanonicalText(messages))
}

// RecordOutputChunk accounts one streamed chunk without re-scanning prior
// chunks. A word split across two chunks is counted once.
func (t *Tracker) RecordOutputChunk(chunk string) {
	if chunk == "" {
		return
	}
	count, carry := countWordsWithCarry(chunk, t.outputCarry)
	t.outputWords += int64(count)
	t.outputCarry = carry
	t.retain(&t.outputText, chunk)
}

// RecordOutputComplete accounts a non-streamed response body in one call.
func (t *Tracker) RecordOutputComplete(text string) {
	if text == "" {
		return
	}
	t.flushCarry()
	t.outputWords += int64(len(strings.Fields(text)))
	t.retain(&t.outputText, text)
}

// InputWordEstimate is the pre-flight input size, available before any
// provider call.
func (t *Tracker) InputWordEstimate() int64 { return t.inputWords }

// Finalize resolves the request's usage. provider carries whatever counts the
// provider reported, already normalized; nil means it reported none.
func (t *Tracker) Finalize(provider *Counts) Record {
	t.flushCarry()

	if provider != nil && provider.Any() {
		input := t.inputWords
		if provider.Input != nil {
			input = *provider.Input
		}
		output := t.outputWords
		if provider.Output != nil {
			output = *provider.Output
		}
		total := input + output
		if provider.Total != nil {
			total = *provider.Total
		}
		return Record{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  total,
			Source:       SourceProviderReported,
		}
	}

	if t.tooLarge {
		return t.wordRecord(ReasonTextTooLarge)
	}
	if t.tokenizer == nil {
		return t.wordRecord(ReasonTokenizerUnavailable)
	}

	inputTokens, errIn := t.tokenizer.Count(t.inputText.String())
	outputTokens, errOut := t.tokenizer.Count(t.outputText.String())
	if errIn != nil || errOut != nil {
		return t.wordRecord(ReasonTokenizerUnavailable)
	}
	return Record{
		InputTokens:  int64(inputTokens),
		OutputTokens: int64(outputTokens),
		TotalTokens:  int64(inputTokens + outputTokens),
		Source:       SourceTokenizerCounted,
		Encoding:     t.tokenizer.Encoding(),
	}
}

func (t *Tracker) wordRecord(reason string) Record {
	return Record{
		InputTokens:    t.inputWords,
		OutputTokens:   t.outputWords,
		TotalTokens:    t.inputWords + t.outputWords,
		Source:         SourceWordEstimate,
		FallbackReason: reason,
	}
}

// flushCarry counts a trailing partial word once the stream is known to be
// over, so the last word of a response is not dropped.
func (t *Tracker) flushCarry() {
	if t.outputCarry != "" {
		t.outputWords++
		t.outputCarry = ""
	}
}

// retain appends text for the tokenizer pass until the ceiling is crossed;
// after that only the word counters keep advancing.
func (t *Tracker) retain(buf *strings.Builder, text string) {
	if t.tooLarge {
		return
	}
	if t.inputText.Len()+t.outputText.Len()+len(text) > t.maxChars {
		t.tooLarge = true
		return
	}
	buf.WriteString(text)
}

// countWordsWithCarry counts whitespace-delimited words in carry+text,
// holding back a trailing fragment that the next chunk may extend.
func countWordsWithCarry(text, carry string) (count int, nextCarry string) {
	combined := carry + text
	if combined == "" {
		return 0, ""
	}
	fields := strings.Fields(combined)
	last, _ := utf8.DecodeLastRuneInString(combined)
	if !unicode.IsSpace(last) && len(fields) > 0 {
		return len(fields) - 1, fields[len(fields)-1]
	}
	return len(fields), ""
}
