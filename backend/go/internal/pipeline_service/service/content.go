package service

import (
	"regexp"
	"strings"
	"unicode"

	"Storyloom/backend/go/pkg/models"
)

// The editor appends a machine-readable suggestion on where to split an overlong
// chapter, wrapped in an HTML comment. It is never part of the prose.
var splitAnnotation = regexp.MustCompile(`(?is)<!--\s*(?:chapter[_-]?)?split[_-]?suggestion\b.*?-->`)

// StripSplitAnnotation removes every split-suggestion block and leaves the prose around
// it byte for byte. A block on a line of its own takes that line with it, and a trailing
// block takes the whitespace before it.
func StripSplitAnnotation(text string) string {
	matches := splitAnnotation.FindAllStringIndex(text, -1)
	if matches == nil {
		return text
	}
	var b strings.Builder
	prev := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		lineStart := prev + len(strings.TrimRight(text[prev:start], " \t"))
		switch {
		case strings.TrimSpace(text[end:]) == "":
			start = prev + len(strings.TrimRightFunc(text[prev:start], unicode.IsSpace))
			end = len(text)
		case lineStart == 0 || text[lineStart-1] == '\n':
			start = lineStart
			rest := strings.TrimLeft(strings.TrimLeft(text[end:], " \t"), "\r\n")
			end = len(text) - len(rest)
		}
		b.WriteString(text[prev:start])
		prev = end
	}
	b.WriteString(text[prev:])
	return b.String()
}

// CountWords counts each CJK character as one word and every other run of letters and
// digits as one word. Apostrophes and hyphens do not split a word.
func CountWords(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		switch {
		case isCJK(r):
			count++
			inWord = false
		case unicode.IsSpace(r) || (unicode.IsPunct(r) && !isWordJoiner(r)):
			inWord = false
		default:
			if !inWord {
				count++
				inWord = true
			}
		}
	}
	return count
}

func isWordJoiner(r rune) bool {
	return r == '\'' || r == '’' || r == '-'
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// finalProse picks the chapter text a finished run produced: the last editor output with
// its annotation removed, or the last writer output when the editor left nothing.
func finalProse(outputs []models.AgentOutput) (string, models.AgentType, bool) {
	if text, ok := lastOutput(outputs, models.AgentEditor); ok {
		if stripped := StripSplitAnnotation(text); strings.TrimSpace(stripped) != "" {
			return stripped, models.AgentEditor, true
		}
	}
	if text, ok := lastOutput(outputs, models.AgentWriter); ok && strings.TrimSpace(text) != "" {
		return text, models.AgentWriter, true
	}
	return "", "", false
}

func lastOutput(outputs []models.AgentOutput, agentType models.AgentType) (string, bool) {
	for i := len(outputs) - 1; i >= 0; i-- {
		if outputs[i].AgentType == agentType {
			return outputs[i].Content, true
		}
	}
	return "", false
}
