package clarify

import (
	"strings"
	"unicode"
)

// questionState tracks where the line scanner is inside a block body.
type questionState int

const (
	// stateSeeking is before the first question token.
	stateSeeking questionState = iota
	// stateInQuestion is after a question token, before any option.
	stateInQuestion
	// stateInOptions is after the first option bullet of a question.
	stateInOptions
)

// parseQuestions scans a block body line by line and returns every question
// that parsed fully. Unrecognized lines are skipped so half-streamed input
// degrades instead of failing the whole block.
func parseQuestions(body string) []Question {
	var (
		questions []Question
		current   *Question
		state     = stateSeeking
	)

	flush := func() {
		if current != nil && questionComplete(*current) {
			questions = append(questions, *current)
		}
		current = nil
	}

	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if id, text, ok := parseQuestionToken(line); ok {
			flush()
			current = &Question{ID: id, Text: text}
			state = stateInQuestion
			continue
		}
		if current == nil {
			continue
		}

		if qt, ok := parseTypeDeclarator(line); ok && state == stateInQuestion {
			current.Type = qt
			continue
		}
		if isOptionsHeader(line) {
			continue
		}
		if opt, ok := parseOptionLine(line); ok {
			current.Options = append(current.Options, opt)
			state = stateInOptions
			continue
		}
		// Anything else inside a question is free text the model added
		// around the structure; it carries no answer data.
	}
	flush()

	return questions
}

// questionComplete reports whether a question parsed fully. Choice questions
// need at least one option; text input needs none.
func questionComplete(q Question) bool {
	if q.Text == "" {
		return false
	}
	switch q.Type {
	case SingleChoice, MultipleChoice:
		return len(q.Options) > 0
	case TextInput:
		return true
	default:
		return false
	}
}

// parseQuestionToken matches a "Q<n>:" question delimiter, with or without a
// leading markdown heading marker, e.g. "### Q1: Pick one" or "Q2: Scope?".
// A fullwidth colon is accepted alongside ":".
func parseQuestionToken(line string) (id, text string, ok bool) {
	s := strings.TrimLeft(line, "#")
	s = strings.TrimSpace(s)

	if len(s) < 2 || (s[0] != 'Q' && s[0] != 'q') {
		return "", "", false
	}
	i := 1
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 1 {
		return "", "", false
	}
	num := s[1:i]
	rest := strings.TrimSpace(s[i:])

	cut := false
	for _, colon := range []string{":", "："} {
		if strings.HasPrefix(rest, colon) {
			rest = strings.TrimSpace(rest[len(colon):])
			cut = true
			break
		}
	}
	if !cut || rest == "" {
		return "", "", false
	}
	return "q" + num, trimBrackets(rest), true
}

// trimBrackets unwraps "[Question text]" placeholders the model sometimes
// echoes verbatim from its instructions.
func trimBrackets(s string) string {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") && len(s) > 2 {
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// parseTypeDeclarator matches a "Type: <kind>" line, tolerating bold
// markers around the keyword.
func parseTypeDeclarator(line string) (QuestionType, bool) {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "**")
	lowered := strings.ToLower(s)
	if !strings.HasPrefix(lowered, "type") {
		return "", false
	}
	s = s[len("type"):]
	s = strings.TrimPrefix(s, "**")
	s = strings.TrimSpace(s)

	cut := false
	for _, colon := range []string{":", "："} {
		if strings.HasPrefix(s, colon) {
			s = strings.TrimSpace(s[len(colon):])
			cut = true
			break
		}
	}
	if !cut {
		return "", false
	}

	s = strings.Trim(s, "`* ")
	switch QuestionType(strings.ToLower(s)) {
	case SingleChoice:
		return SingleChoice, true
	case MultipleChoice:
		return MultipleChoice, true
	case TextInput:
		return TextInput, true
	}
	return "", false
}

// isOptionsHeader matches the "Options:" label line between the type
// declarator and the bullets.
func isOptionsHeader(line string) bool {
	s := strings.ToLower(strings.Trim(strings.TrimSpace(line), "*:："))
	return s == "options"
}

// recommendedMarks are checkbox fills that flag an option as recommended.
var recommendedMarks = map[string]bool{
	"x": true, "X": true, "✓": true, "√": true,
}

// parseOptionLine matches an option bullet of the form
//
//	- [✓] `value` - Label text (recommended)
//
// The backticked value is required; a bullet whose value is still streaming
// in (unclosed backtick) does not parse, which keeps the question incomplete
// until the full line has arrived.
func parseOptionLine(line string) (Option, bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, "-") && !strings.HasPrefix(s, "*") {
		return Option{}, false
	}
	s = strings.TrimSpace(s[1:])

	if !strings.HasPrefix(s, "[") {
		return Option{}, false
	}
	end := strings.Index(s, "]")
	if end == -1 {
		return Option{}, false
	}
	mark := strings.TrimSpace(s[1:end])
	recommended := recommendedMarks[mark]
	if !recommended && mark != "" {
		return Option{}, false
	}
	s = strings.TrimSpace(s[end+1:])

	if !strings.HasPrefix(s, "`") {
		return Option{}, false
	}
	closing := strings.Index(s[1:], "`")
	if closing == -1 {
		return Option{}, false
	}
	value := s[1 : 1+closing]
	if value == "" {
		return Option{}, false
	}
	label := strings.TrimSpace(s[closing+2:])
	label = strings.TrimLeftFunc(label, func(r rune) bool {
		return r == '-' || r == '–' || r == '—' || unicode.IsSpace(r)
	})

	if stripped, found := cutRecommendedAnnotation(label); found {
		label = stripped
		recommended = true
	}
	if label == "" {
		label = value
	}

	return Option{Value: value, Label: label, Recommended: recommended}, true
}

// cutRecommendedAnnotation removes a trailing "(recommended)" annotation,
// case-insensitively, and reports whether one was present.
func cutRecommendedAnnotation(label string) (string, bool) {
	lowered := strings.ToLower(label)
	for _, ann := range []string{"(recommended)", "（recommended）", "(推荐)", "（推荐）"} {
		if strings.HasSuffix(lowered, ann) {
			return strings.TrimSpace(label[:len(label)-len(ann)]), true
		}
	}
	return label, false
}
