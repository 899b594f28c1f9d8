package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/tutorloop/internal/domain"
)

// Instructor message archetypes recognised by GlossInstructor.
const (
	ArchetypeRedirect    = "redirect"
	ArchetypePraise      = "praise"
	ArchetypeHint        = "hint"
	ArchetypeExplanation = "explanation"
	ArchetypeDefault     = "default"
)

const (
	longExplanationRunes = 400
	glossRunes           = 120
	explanationLeadRunes = 80
)

var (
	redirectPattern = regexp.MustCompile(`(?i)(fuera de lo que|volvamos a|enfoqu[eé]monos|centr[eé]monos|no (puedo|podemos) hablar de|let'?s (get back|focus)|off[ -]topic)`)
	hintPattern     = regexp.MustCompile(`(?i)(pista|intenta(lo)? de nuevo|vuelve a intentar|piensa en|recuerda que|casi lo tienes|te falta|hint|try again|think about|almost there)`)
	praisePattern   = regexp.MustCompile(`(?i)(excelente|muy bien|perfecto|correct[oa]|exacto|lo lograste|bien hecho|great job|well done|exactly|that's right)`)
	sentenceEnd     = regexp.MustCompile(`[.!?](\s|$)`)
)

// Archetype classifies an instructor message. Order matters: a redirect that
// also praises is still a redirect, and a hint that opens with praise is a hint.
func Archetype(content string) string {
	switch {
	case redirectPattern.MatchString(content):
		return ArchetypeRedirect
	case hintPattern.MatchString(content):
		return ArchetypeHint
	case praisePattern.MatchString(content):
		return ArchetypePraise
	case utf8.RuneCountInString(content) > longExplanationRunes:
		return ArchetypeExplanation
	default:
		return ArchetypeDefault
	}
}

// GlossInstructor compresses an instructor message to one line.
func GlossInstructor(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	switch Archetype(content) {
	case ArchetypeRedirect:
		return "[redirected the student back to the lesson]"
	case ArchetypeHint:
		return "[gave a hint and asked the student to try again]"
	case ArchetypePraise:
		return "[confirmed the answer was correct]"
	case ArchetypeExplanation:
		lead := content
		if loc := sentenceEnd.FindStringIndex(content); loc != nil {
			lead = content[:loc[0]+1]
		}
		return "[explained: " + truncateRunes(lead, explanationLeadRunes) + "]"
	default:
		return truncateRunes(content, glossRunes)
	}
}

// EstimateTokens approximates token count as one token per four characters.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// SummarizeHistory renders the last exchanges of history (oldest first) as one
// line per message. Student lines keep their full text; instructor lines are
// glossed. Lines are admitted newest first until tokenBudget would be exceeded.
func SummarizeHistory(history []domain.Message, exchanges, tokenBudget int) string {
	if len(history) == 0 || exchanges <= 0 || tokenBudget <= 0 {
		return ""
	}

	window := history
	if limit := exchanges * 2; len(window) > limit {
		window = window[len(window)-limit:]
	}

	lines := make([]string, 0, len(window))
	used := 0
	for i := len(window) - 1; i >= 0; i-- {
		m := window[i]
		var line string
		switch m.Role {
		case domain.RoleStudent:
			line = "Student: " + strings.TrimSpace(m.Content)
		case domain.RoleInstructor:
			line = "Instructor: " + GlossInstructor(m.Content)
		default:
			continue
		}
		cost := EstimateTokens(line)
		if used+cost > tokenBudget {
			break
		}
		used += cost
		lines = append(lines, line)
	}

	var sb strings.Builder
	for i := len(lines) - 1; i >= 0; i-- {
		fmt.Fprintln(&sb, lines[i])
	}
	return sb.String()
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "…"
}
