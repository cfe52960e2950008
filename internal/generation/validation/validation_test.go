package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/smallbiznis/manuscript/internal/config"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rules() config.GenerationRules {
	r := config.DefaultGenerationRules()
	r.MinChars = 20
	return r
}

func TestValidateClean(t *testing.T) {
	text := "Hand-pulled noodles at Mimi Noodle Bar. Broth simmered overnight. " +
		"#noodles #seoul https://map.naver.com/p/entry/place/123"
	guide := orderdomain.Guide{
		RequiredKeywords: []string{"Mimi Noodle Bar", "broth"},
		EmphasisKeywords: []string{"overnight"},
		RequireLink:      true,
		RequireMap:       true,
	}

	report := Validate(text, guide, rules())

	assert.True(t, report.Valid)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 2, report.HashtagCount)
	assert.True(t, report.HasLink)
	assert.True(t, report.HasMap)
	assert.Empty(t, report.MissingKeywords)
}

func TestValidateCollectsIssues(t *testing.T) {
	text := "Tiny review " + strings.Repeat("#tag ", 6) + "https://example.com/menu"
	guide := orderdomain.Guide{
		RequiredKeywords: []string{"parking"},
		EmphasisKeywords: []string{"dessert"},
		RequireMap:       true,
	}

	report := Validate(text, guide, rules())

	assert.False(t, report.Valid)
	assert.ElementsMatch(t, []string{IssueTooManyHashtags, IssueMissingKeyword, IssueMissingMap}, report.Issues)
	assert.Equal(t, []string{"parking"}, report.MissingKeywords)
	assert.Equal(t, []string{"dessert"}, report.MissingEmphasis)
	assert.True(t, report.HasLink)
	assert.False(t, report.HasMap)
}

func TestValidateLength(t *testing.T) {
	short := Validate("too short", orderdomain.Guide{}, rules())
	assert.Contains(t, short.Issues, IssueTooShort)

	r := rules()
	r.MaxChars = 30
	long := Validate(strings.Repeat("x", 31), orderdomain.Guide{}, r)
	assert.Contains(t, long.Issues, IssueTooLong)
	assert.Equal(t, 31, long.CharCount)
}

func TestReportJSON(t *testing.T) {
	report := Validate("A perfectly fine manuscript body.", orderdomain.Guide{RequireLink: true}, rules())

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(report.JSON(), &decoded))
	assert.Equal(t, false, decoded["valid"])
	assert.Equal(t, []any{IssueMissingLink}, decoded["issues"])
}
