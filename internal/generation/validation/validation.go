// Package validation checks a post-processed manuscript against the
// order's guide and the generation rules.
package validation

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/smallbiznis/manuscript/internal/config"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
	"gorm.io/datatypes"
)

var (
	hashtagPattern = regexp.MustCompile(`#[\p{L}\p{N}_]+`)
	linkPattern    = regexp.MustCompile(`https?://[^\s<>"]+`)
)

// mapHosts are link hosts that count as a map reference.
var mapHosts = []string{
	"maps.google.",
	"google.com/maps",
	"goo.gl/maps",
	"maps.app.goo.gl",
	"map.naver.com",
	"naver.me",
	"map.kakao.com",
	"kko.to",
	"maps.apple.com",
}

const (
	IssueTooShort        = "too_short"
	IssueTooLong         = "too_long"
	IssueTooManyHashtags = "too_many_hashtags"
	IssueMissingKeyword  = "missing_required_keyword"
	IssueMissingLink     = "missing_link"
	IssueMissingMap      = "missing_map"
)

// Report is stored on the order next to the manuscript.
type Report struct {
	Valid           bool     `json:"valid"`
	CharCount       int      `json:"char_count"`
	MinChars        int      `json:"min_chars"`
	MaxChars        int      `json:"max_chars"`
	HashtagCount    int      `json:"hashtag_count"`
	MaxHashtags     int      `json:"max_hashtags"`
	MissingKeywords []string `json:"missing_keywords"`
	MissingEmphasis []string `json:"missing_emphasis"`
	HasLink         bool     `json:"has_link"`
	HasMap          bool     `json:"has_map"`
	RequireLink     bool     `json:"require_link"`
	RequireMap      bool     `json:"require_map"`
	Issues          []string `json:"issues"`
}

// Validate never fails; every finding is recorded on the report. Missing
// emphasis keywords are advisory and do not make the report invalid.
func Validate(text string, guide orderdomain.Guide, rules config.GenerationRules) Report {
	report := Report{
		CharCount:       utf8.RuneCountInString(text),
		MinChars:        rules.MinChars,
		MaxChars:        rules.MaxChars,
		MaxHashtags:     rules.MaxHashtags,
		RequireLink:     guide.RequireLink,
		RequireMap:      guide.RequireMap,
		MissingKeywords: []string{},
		MissingEmphasis: []string{},
		Issues:          []string{},
	}

	if report.CharCount < rules.MinChars {
		report.Issues = append(report.Issues, IssueTooShort)
	}
	if report.CharCount > rules.MaxChars {
		report.Issues = append(report.Issues, IssueTooLong)
	}

	report.HashtagCount = len(hashtagPattern.FindAllString(text, -1))
	if report.HashtagCount > rules.MaxHashtags {
		report.Issues = append(report.Issues, IssueTooManyHashtags)
	}

	lower := strings.ToLower(text)
	report.MissingKeywords = missing(lower, guide.RequiredKeywords)
	if len(report.MissingKeywords) > 0 {
		report.Issues = append(report.Issues, IssueMissingKeyword)
	}
	report.MissingEmphasis = missing(lower, guide.EmphasisKeywords)

	for _, link := range linkPattern.FindAllString(text, -1) {
		if _, err := url.Parse(link); err != nil {
			continue
		}
		report.HasLink = true
		if isMapLink(strings.ToLower(link)) {
			report.HasMap = true
		}
	}
	if guide.RequireLink && !report.HasLink {
		report.Issues = append(report.Issues, IssueMissingLink)
	}
	if guide.RequireMap && !report.HasMap {
		report.Issues = append(report.Issues, IssueMissingMap)
	}

	report.Valid = len(report.Issues) == 0
	return report
}

// JSON encodes the report for the order's validation_report column.
func (r Report) JSON() datatypes.JSON {
	b, err := json.Marshal(r)
	if err != nil {
		return datatypes.JSON(`{}`)
	}
	return datatypes.JSON(b)
}

func missing(lowerText string, keywords []string) []string {
	out := []string{}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if !strings.Contains(lowerText, strings.ToLower(kw)) {
			out = append(out, kw)
		}
	}
	return out
}

func isMapLink(link string) bool {
	for _, host := range mapHosts {
		if strings.Contains(link, host) {
			return true
		}
	}
	return false
}
