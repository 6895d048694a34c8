// ABOUTME: Rule-based legal document classifier
// ABOUTME: Scores normalized text against weighted region-scoped signals

package classify

import (
	"strings"

	"github.com/gomaslegal/lexengine/pkg/document"
)

const (
	headerLines     = 50
	footerLines     = 50
	firstPagesLines = 300
)

// Outcome is the full result of classifying one document.
type Outcome struct {
	Classification document.Classification
	Entities       document.Entities
	RequiresReview bool
}

// Classifier assigns a document type by scoring text against the
// current rule set. Classification is deterministic for a given text
// and rule set; the rule source handles hot reload underneath.
type Classifier struct {
	rules *RuleSource
}

// New builds a classifier over the given rule source.
func New(rules *RuleSource) *Classifier {
	return &Classifier{rules: rules}
}

// Classify scores the text against every rule and returns the best
// match plus extracted entities. With no rules, or no signal hits, the
// document comes back Unclassified and flagged for review.
func (c *Classifier) Classify(text string) Outcome {
	rules := c.rules.Rules()

	lower := strings.ToLower(text)
	lines := strings.Split(lower, "\n")
	regions := buildRegions(lines)

	best := Rule{Type: Unclassified, Threshold: DefaultThreshold}
	bestScore := 0.0
	for _, rule := range rules {
		score := 0.0
		for _, sig := range rule.Signals {
			if strings.Contains(regions.forLocation(sig.Location), strings.ToLower(sig.Text)) {
				score += sig.Weight
			}
		}
		if score > 1.0 {
			score = 1.0
		}
		if score > bestScore {
			bestScore = score
			best = rule
		}
	}

	review := best.Type == Unclassified || bestScore < best.Threshold
	return Outcome{
		Classification: document.Classification{
			Type:       best.Type,
			Confidence: bestScore,
			Tags:       best.Tags,
		},
		Entities:       ExtractEntities(text),
		RequiresReview: review,
	}
}

type textRegions struct {
	header     string
	footer     string
	firstPages string
	full       string
}

func buildRegions(lines []string) textRegions {
	n := len(lines)
	head := n
	if head > headerLines {
		head = headerLines
	}
	first := n
	if first > firstPagesLines {
		first = firstPagesLines
	}
	footStart := n - footerLines
	if footStart < 0 {
		footStart = 0
	}
	return textRegions{
		header:     strings.Join(lines[:head], "\n"),
		footer:     strings.Join(lines[footStart:], "\n"),
		firstPages: strings.Join(lines[:first], "\n"),
		full:       strings.Join(lines, "\n"),
	}
}

func (r textRegions) forLocation(loc string) string {
	switch loc {
	case "header":
		return r.header
	case "footer":
		return r.footer
	case "first_pages":
		return r.firstPages
	default:
		return r.full
	}
}
