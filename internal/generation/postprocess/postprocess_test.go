package postprocess

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/smallbiznis/manuscript/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLengthGuardAlwaysBelowLimit(t *testing.T) {
	inputs := map[string]string{
		"empty":     "",
		"short":     "Cozy corner cafe.",
		"exact":     strings.Repeat("a", 299),
		"at limit":  strings.Repeat("a", 300),
		"long":      strings.Repeat("b", 1200),
		"sentences": strings.Repeat("Good coffee here. ", 80),
		"hangul":    strings.Repeat("맛있는 국수집입니다. ", 60),
		"emoji":     strings.Repeat("🍜", 700),
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			out := LengthGuard(input, 299)
			assert.Less(t, utf8.RuneCountInString(out), HardLimit)

			applied := Apply(input, config.DefaultGenerationRules())
			assert.Less(t, utf8.RuneCountInString(applied), HardLimit)
		})
	}
}

func TestLengthGuardCutsAtSentenceBoundary(t *testing.T) {
	input := strings.Repeat("Sentence one. ", 30)

	out := LengthGuard(input, 299)

	assert.Equal(t, 293, utf8.RuneCountInString(out))
	assert.True(t, strings.HasSuffix(out, "one."))
}

func TestLengthGuardHardCut(t *testing.T) {
	out := LengthGuard(strings.Repeat("a", 500), 299)
	assert.Equal(t, strings.Repeat("a", 299), out)

	// a boundary before index 10 is ignored
	early := "Hi. " + strings.Repeat("a", 500)
	out = LengthGuard(early, 299)
	assert.Equal(t, 299, utf8.RuneCountInString(out))
	assert.True(t, strings.HasPrefix(out, "Hi. aaa"))
}

func TestLengthGuardKeepsShortText(t *testing.T) {
	input := "  padded but short  "
	assert.Equal(t, input, LengthGuard(input, 299))
}

func TestEmojiGuardLeavesModestTextUnchanged(t *testing.T) {
	input := "Fresh noodles today! 🍜 Come hungry 😋"

	total, trailing := CountEmojis(input)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, trailing)
	assert.Equal(t, input, EmojiGuard(input, 2, 1))
}

func TestEmojiGuardStripsSentenceTrailingEmojis(t *testing.T) {
	input := "Great ramen. 🍜 Friendly staff! 😊 Will return? 👍"

	out := EmojiGuard(input, 2, 1)

	assert.Equal(t, "Great ramen. Friendly staff! Will return 🍜?", out)
	total, trailing := CountEmojis(out)
	assert.Equal(t, 1, total)
	assert.Zero(t, trailing)
}

func TestEmojiGuardTwoTrailing(t *testing.T) {
	out := EmojiGuard("Open late. 🌙 Cheap beer! 🍺", 2, 1)
	assert.Equal(t, "Open late. Cheap beer 🌙!", out)
}

func TestEmojiGuardDropsModifiers(t *testing.T) {
	out := EmojiGuard("Chef 👍🏽. Tasty. 🔥 Good. 🔥", 2, 1)

	assert.Equal(t, "Chef. Tasty. Good 👍.", out)
	assert.NotContains(t, out, "🏽")
}

func TestEmojiGuardNeverAddsTrailingEmoji(t *testing.T) {
	for input, want := range map[string]string{
		"Wow!!! 🎉 🎉 🎉":         "Wow 🎉!!!",
		"!! 🎉 🎉":               "🎉!!",
		"No punctuation 🍕 🍕 🍕": "No punctuation 🍕",
	} {
		out := EmojiGuard(input, 2, 0)
		assert.Equal(t, want, out, input)
		_, trailing := CountEmojis(out)
		assert.Zero(t, trailing, input)
	}
}

func TestApply(t *testing.T) {
	rules := config.DefaultGenerationRules()

	assert.Equal(t, "Caf\u00e9 open", Apply("Cafe\u0301 open", rules))

	noisy := strings.Repeat("Amazing! 🎉 ", 60)
	out := Apply(noisy, rules)
	total, _ := CountEmojis(out)
	assert.Less(t, utf8.RuneCountInString(out), HardLimit)
	assert.Equal(t, 1, total)
	assert.True(t, strings.HasSuffix(out, "🎉!"))

	rules.EmojiGuardEnabled = false
	plain := "One. 🎉 Two. 🎉 Three. 🎉"
	assert.Equal(t, plain, Apply(plain, rules))
}
