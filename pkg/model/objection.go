package model

import (
	"math"
	"strings"
	"time"
)

type Category string

const (
	CategoryBudget     Category = "Budget"
	CategoryTiming     Category = "Timing"
	CategoryCompetitor Category = "Competitor"
	CategoryAuthority  Category = "Authority"
	CategoryProduct    Category = "Product"
	CategoryOther      Category = "Other"
)

// Categories returns all valid categories in a stable order
func Categories() []Category {
	return []Category{
		CategoryBudget,
		CategoryTiming,
		CategoryCompetitor,
		CategoryAuthority,
		CategoryProduct,
		CategoryOther,
	}
}

// ParseCategory maps a free-form oracle value to one of the fixed categories.
// Matching is case-insensitive; anything unrecognized becomes CategoryOther.
func ParseCategory(s string) Category {
	s = strings.TrimSpace(s)
	for _, c := range Categories() {
		if strings.EqualFold(s, string(c)) {
			return c
		}
	}
	return CategoryOther
}

// Valid reports whether c is one of the fixed categories
func (c Category) Valid() bool {
	for _, v := range Categories() {
		if c == v {
			return true
		}
	}
	return false
}

const (
	MinConfidence     = 1
	MaxConfidence     = 10
	DefaultConfidence = 5

	// DefaultSubcategory is used when the oracle response could not be parsed
	DefaultSubcategory = "General concern"
)

// ClampConfidence rounds v and forces it into [MinConfidence, MaxConfidence].
// NaN maps to DefaultConfidence.
func ClampConfidence(v float64) int {
	if math.IsNaN(v) {
		return DefaultConfidence
	}
	n := math.Round(v)
	if n < MinConfidence {
		return MinConfidence
	}
	if n > MaxConfidence {
		return MaxConfidence
	}
	return int(n)
}

// ObjectionRecord is the durable unit kept in the objection history
type ObjectionRecord struct {
	Text        string    `json:"text"`
	Category    Category  `json:"category"`
	Subcategory string    `json:"subcategory"`
	Confidence  int       `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

// Normalize trims the text and forces category and confidence into their valid domains.
// A zero confidence is treated as missing.
func (r ObjectionRecord) Normalize() ObjectionRecord {
	r.Text = strings.TrimSpace(r.Text)
	r.Subcategory = strings.TrimSpace(r.Subcategory)
	if !r.Category.Valid() {
		r.Category = ParseCategory(string(r.Category))
	}
	if r.Confidence == 0 {
		r.Confidence = DefaultConfidence
	}
	r.Confidence = ClampConfidence(float64(r.Confidence))
	r.Timestamp = r.Timestamp.UTC()
	return r
}

// WithResult returns a copy of r classified by res. The timestamp is left untouched.
func (r ObjectionRecord) WithResult(res *ReplyResult) ObjectionRecord {
	r.Category = res.Category
	r.Subcategory = res.Subcategory
	r.Confidence = res.Confidence
	return r
}

// ReplyResult is the oracle's classification and rebuttal for one objection text
type ReplyResult struct {
	Reply       string   `json:"reply"`
	Confidence  int      `json:"confidence"`
	Category    Category `json:"category"`
	Subcategory string   `json:"subcategory"`
}

// FallbackReply builds the result used when the oracle returned unstructured text
func FallbackReply(text string) *ReplyResult {
	return &ReplyResult{
		Reply:       text,
		Confidence:  DefaultConfidence,
		Category:    CategoryOther,
		Subcategory: DefaultSubcategory,
	}
}
