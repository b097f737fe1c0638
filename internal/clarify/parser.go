// Package clarify extracts structured clarification-question and final-prompt
// blocks from the free-form markdown an assistant emits mid-stream.
//
// Both entry points are pure functions of their input string. They are called
// on every streaming update with a growing prefix of the eventual full text,
// so they must tolerate truncated input: a half-written block never panics,
// and a block with no fully-parsed question yields nil rather than a broken
// partial result.
package clarify

import (
	"strings"
)

// QuestionType selects how a clarification question is answered.
type QuestionType string

const (
	// SingleChoice means the user selects exactly one option.
	SingleChoice QuestionType = "single_choice"
	// MultipleChoice means the user may select several options.
	MultipleChoice QuestionType = "multiple_choice"
	// TextInput means the user answers with free text; no options.
	TextInput QuestionType = "text_input"
)

// Option is one selectable answer of a choice question.
type Option struct {
	// Value is the machine-readable answer, taken from the backticked token.
	Value string `json:"value"`
	// Label is the human-readable text after the value.
	Label string `json:"label"`
	// Recommended is set when the option carries a checked box or a
	// "(recommended)" annotation.
	Recommended bool `json:"recommended,omitempty"`
}

// Question is a single parsed clarification question.
type Question struct {
	// ID is derived from the question token, e.g. "q1" for "### Q1:".
	ID string `json:"id"`
	// Text is the question itself.
	Text string `json:"text"`
	// Type selects the answer widget.
	Type QuestionType `json:"type"`
	// Options is non-empty for choice questions and nil for text input.
	Options []Option `json:"options,omitempty"`
}

// Clarification is the result of a successful Parse.
type Clarification struct {
	// Questions holds every fully-parsed question, in document order.
	Questions []Question `json:"questions"`
	// Prefix is the text before the block, rendered normally by the caller.
	Prefix string `json:"prefix,omitempty"`
	// Suffix is any text after the block's closing fence.
	Suffix string `json:"suffix,omitempty"`
}

// FinalPrompt is the result of a successful ParseFinalPrompt.
type FinalPrompt struct {
	// Prompt is the assembled prompt text, whitespace-trimmed.
	Prompt string `json:"prompt"`
}

// DefaultFenceWindow is how many trailing non-blank lines may follow a
// closing ``` fence for it to still count as the block terminator. A fence
// further from the end is treated as content (for example a code sample
// inside an option label) and the whole remainder becomes the block body.
// The cutoff is inferred from observed assistant output rather than a
// documented contract, so it stays adjustable.
const DefaultFenceWindow = 2

// Parser extracts clarification blocks with a configurable fence window.
// The zero value is not usable; use NewParser or the package-level Parse.
type Parser struct {
	fenceWindow int
}

// NewParser returns a Parser. fenceWindow <= 0 selects DefaultFenceWindow.
func NewParser(fenceWindow int) *Parser {
	if fenceWindow <= 0 {
		fenceWindow = DefaultFenceWindow
	}
	return &Parser{fenceWindow: fenceWindow}
}

var defaultParser = NewParser(DefaultFenceWindow)

// Parse extracts a clarification block from content using the default fence
// window. It returns nil when no block heading is present or when no question
// parses fully.
func Parse(content string) *Clarification {
	return defaultParser.Parse(content)
}

// ParseFinalPrompt extracts a final-prompt block from content using the
// default fence window. It returns nil when no block heading is present or
// the block body is empty.
func ParseFinalPrompt(content string) *FinalPrompt {
	return defaultParser.ParseFinalPrompt(content)
}

// Heading phrases accepted for each block kind. Matching is case-insensitive
// and ignores leading emoji or numbering because the comparison is a
// substring test against the whole heading line.
var (
	clarificationPhrases = []string{
		"clarification questions",
		"smart follow-up questions",
		"follow-up questions",
		"智能追问",
	}
	finalPromptPhrases = []string{
		"final prompt",
		"最终提示词",
	}
)

// Parse extracts a clarification block from content.
func (p *Parser) Parse(content string) *Clarification {
	block, ok := p.splitBlock(content, clarificationPhrases)
	if !ok {
		return nil
	}

	questions := parseQuestions(block.body)
	if len(questions) == 0 {
		// A heading with nothing parsable underneath usually means the
		// block is still streaming in. Fall back to plain rendering
		// instead of showing a broken widget.
		return nil
	}

	return &Clarification{
		Questions: questions,
		Prefix:    block.prefix,
		Suffix:    block.suffix,
	}
}

// ParseFinalPrompt extracts a final-prompt block from content.
func (p *Parser) ParseFinalPrompt(content string) *FinalPrompt {
	block, ok := p.splitBlock(content, finalPromptPhrases)
	if !ok {
		return nil
	}

	prompt := strings.TrimSpace(block.body)
	if prompt == "" {
		return nil
	}
	return &FinalPrompt{Prompt: prompt}
}

// blockSplit is the outcome of locating a block inside surrounding text.
type blockSplit struct {
	prefix string
	body   string
	suffix string
}

// splitBlock finds the first heading matching one of phrases and splits the
// content into prefix, block body, and suffix. The body runs from the line
// after the heading to a closing fence, provided that fence sits within the
// last fenceWindow non-blank lines of the remainder; otherwise the whole
// remainder is the body.
func (p *Parser) splitBlock(content string, phrases []string) (blockSplit, bool) {
	lines := strings.Split(content, "\n")

	headingAt := -1
	for i, line := range lines {
		if isBlockHeading(line, phrases) {
			headingAt = i
			break
		}
	}
	if headingAt == -1 {
		return blockSplit{}, false
	}

	prefixEnd := headingAt
	// The assistant is instructed to wrap the block in a markdown code
	// fence, which puts an opening ``` immediately before the heading.
	// That fence belongs to the block, not to the prefix.
	for j := headingAt - 1; j >= 0; j-- {
		trimmed := strings.TrimSpace(lines[j])
		if trimmed == "" {
			continue
		}
		if isOpeningFence(trimmed) {
			prefixEnd = j
		}
		break
	}

	rest := lines[headingAt+1:]
	bodyEnd, suffixStart := p.closeAt(rest)

	split := blockSplit{
		prefix: strings.Join(lines[:prefixEnd], "\n"),
		body:   strings.Join(rest[:bodyEnd], "\n"),
	}
	if suffixStart >= 0 && suffixStart < len(rest) {
		split.suffix = strings.TrimSpace(strings.Join(rest[suffixStart:], "\n"))
	}
	return split, true
}

// closeAt locates the closing fence inside rest. It returns the body end
// index and the suffix start index, or (len(rest), -1) when no well-formed
// close exists.
func (p *Parser) closeAt(rest []string) (bodyEnd, suffixStart int) {
	// Collect indices of the trailing fenceWindow non-blank lines.
	window := make([]int, 0, p.fenceWindow)
	for i := len(rest) - 1; i >= 0 && len(window) < p.fenceWindow; i-- {
		if strings.TrimSpace(rest[i]) != "" {
			window = append(window, i)
		}
	}

	// window is in reverse document order; prefer the earliest candidate so
	// a fence followed by one trailing remark still closes the block.
	for i := len(window) - 1; i >= 0; i-- {
		at := window[i]
		if isClosingFence(strings.TrimSpace(rest[at])) {
			return at, at + 1
		}
	}
	return len(rest), -1
}

// isBlockHeading reports whether line is a markdown heading containing one
// of the accepted phrases.
func isBlockHeading(line string, phrases []string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return false
	}
	lowered := strings.ToLower(trimmed)
	for _, phrase := range phrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// isOpeningFence matches ``` optionally followed by an info string such as
// "markdown".
func isOpeningFence(trimmed string) bool {
	return strings.HasPrefix(trimmed, "```")
}

// isClosingFence matches a bare ``` line.
func isClosingFence(trimmed string) bool {
	return trimmed == "```"
}
