// Package postprocess applies the deterministic clean-up every generated
// manuscript goes through before validation.
package postprocess

import (
	"strings"

	"github.com/smallbiznis/manuscript/internal/config"
	"golang.org/x/text/unicode/norm"
)

// HardLimit is the exclusive upper bound on manuscript length in runes.
const HardLimit = 300

// minCut is the smallest index a sentence boundary may sit at to be used
// as the cut point.
const minCut = 10

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？', '\n':
		return true
	}
	return false
}

func isClause(r rune) bool {
	switch r {
	case ',', ';', ':', '、', '，':
		return true
	}
	return false
}

// Apply normalizes text to NFC and runs the length and emoji guards. The
// result is always shorter than HardLimit runes.
func Apply(text string, rules config.GenerationRules) string {
	text = norm.NFC.String(text)
	text = LengthGuard(text, rules.MaxChars)
	if rules.EmojiGuardEnabled {
		text = EmojiGuard(text, rules.MaxEmojis, rules.MaxTrailingEmojis)
	}
	return LengthGuard(text, rules.MaxChars)
}

// LengthGuard cuts text that reaches HardLimit runes back to the last
// sentence boundary within the first max runes, or hard-cuts at max when
// no usable boundary exists.
func LengthGuard(text string, max int) string {
	if max <= 0 || max >= HardLimit {
		max = HardLimit - 1
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}

	window := runes[:max]
	cut := -1
	for i := len(window) - 1; i >= 0; i-- {
		if isSentenceEnd(window[i]) {
			cut = i
			break
		}
	}

	var out string
	if cut >= minCut {
		out = string(window[:cut+1])
	} else {
		out = string(window)
	}
	return strings.TrimSpace(out)
}

// EmojiGuard leaves text alone while it carries at most maxTotal
// pictographs and at most maxTrailing of them follow sentence-ending
// punctuation. Otherwise every emoji is removed and only the first one is
// put back at the end, ahead of any closing punctuation so the guard never
// produces a sentence-trailing emoji itself.
func EmojiGuard(text string, maxTotal, maxTrailing int) string {
	total, trailing := CountEmojis(text)
	if total == 0 || (total <= maxTotal && trailing <= maxTrailing) {
		return text
	}

	var (
		first rune
		b     strings.Builder
	)
	for _, r := range text {
		if IsEmoji(r) {
			if first == 0 {
				first = r
			}
			continue
		}
		if isEmojiComponent(r) {
			continue
		}
		b.WriteRune(r)
	}

	stripped := collapseSpaces(b.String())
	if stripped == "" {
		return string(first)
	}
	return beforeClosingPunct(stripped, first)
}

func beforeClosingPunct(text string, emoji rune) string {
	runes := []rune(text)
	end := len(runes)
	for end > 0 && isSentenceEnd(runes[end-1]) {
		end--
	}
	head := strings.TrimRight(string(runes[:end]), " ")
	if head == "" {
		return string(emoji) + string(runes[end:])
	}
	return head + " " + string(emoji) + string(runes[end:])
}

// collapseSpaces squeezes runs of horizontal whitespace into one space,
// drops spaces at line ends and before punctuation, and trims the result.
func collapseSpaces(text string) string {
	var b strings.Builder
	pending := false
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '　' {
			pending = true
			continue
		}
		if pending && !isSentenceEnd(r) && !isClause(r) && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pending = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
