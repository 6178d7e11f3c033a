package quality

import (
	"regexp"
	"strings"
)

// Built-in heuristic scorers. These are deliberately cheap text heuristics:
// they provide a deterministic baseline when no external validator/scorer
// collaborator is registered.

var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bTODO\b`),
	regexp.MustCompile(`(?i)\bFIXME\b`),
	regexp.MustCompile(`(?i)\bXXX\b`),
	regexp.MustCompile(`<placeholder>`),
	regexp.MustCompile(`\.\.\.\s*$`),
	regexp.MustCompile(`(?i)not implemented`),
}

// scoreSyntax checks structural validity: non-empty output, balanced
// brackets, no unresolved placeholders.
func scoreSyntax(output string, _ TaskInfo) (float64, error) {
	if strings.TrimSpace(output) == "" {
		return 0, nil
	}

	score := 1.0
	for _, pattern := range placeholderPatterns {
		if pattern.MatchString(output) {
			score -= 0.2
		}
	}

	for _, pair := range [][2]string{{"{", "}"}, {"(", ")"}, {"[", "]"}} {
		if strings.Count(output, pair[0]) != strings.Count(output, pair[1]) {
			score -= 0.15
		}
	}

	if score < 0 {
		score = 0
	}
	return score, nil
}

// scoreRequirements measures coverage of the task's stated requirements as
// the fraction mentioned in the output. Partial coverage is penalized beyond
// the raw fraction so incomplete implementations cannot coast through.
func scoreRequirements(output string, task TaskInfo) (float64, error) {
	if len(task.Requirements) == 0 {
		// Nothing stated to check against; neutral-positive.
		return 0.8, nil
	}

	lower := strings.ToLower(output)
	covered := 0
	for _, req := range task.Requirements {
		if requirementMentioned(lower, req) {
			covered++
		}
	}

	fraction := float64(covered) / float64(len(task.Requirements))
	if fraction < 1.0 {
		// Reject partial implementations: scale down uncovered work.
		fraction *= 0.75
	}
	return fraction, nil
}

// requirementMentioned reports whether a meaningful share of the
// requirement's keywords appear in the output.
func requirementMentioned(lowerOutput, requirement string) bool {
	words := strings.Fields(strings.ToLower(requirement))
	if len(words) == 0 {
		return true
	}
	hits := 0
	for _, w := range words {
		if len(w) < 4 {
			// Skip stopword-sized tokens.
			hits++
			continue
		}
		if strings.Contains(lowerOutput, w) {
			hits++
		}
	}
	return float64(hits) >= 0.6*float64(len(words))
}

// scoreArtifactQuality applies code-quality heuristics: error handling,
// documentation density, and oversized function bodies.
func scoreArtifactQuality(output string, _ TaskInfo) (float64, error) {
	lines := strings.Split(output, "\n")
	if len(lines) == 0 {
		return 0, nil
	}

	score := 0.5
	if strings.Contains(output, "if err != nil") || strings.Contains(output, "catch") ||
		strings.Contains(output, "rescue") || strings.Contains(output, "except") {
		score += 0.2
	}

	comments := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") ||
			strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*") {
			comments++
		}
	}
	if float64(comments) >= 0.05*float64(len(lines)) {
		score += 0.2
	}

	longest := 0
	current := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			current = 0
			continue
		}
		current++
		if current > longest {
			longest = current
		}
	}
	if longest <= 80 {
		score += 0.1
	}

	return score, nil
}

// scoreTesting checks for the presence of tests, assertions, and edge-case
// coverage markers.
func scoreTesting(output string, _ TaskInfo) (float64, error) {
	score := 0.0
	lower := strings.ToLower(output)

	testMarkers := []string{"func test", "def test", "it(", "test(", "describe(", "#[test]"}
	for _, marker := range testMarkers {
		if strings.Contains(lower, marker) {
			score += 0.4
			break
		}
	}

	assertionMarkers := []string{"t.error", "t.fatal", "assert", "expect", "require."}
	for _, marker := range assertionMarkers {
		if strings.Contains(lower, marker) {
			score += 0.3
			break
		}
	}

	edgeMarkers := []string{"edge case", "empty", "nil", "zero", "boundary", "overflow", "invalid"}
	for _, marker := range edgeMarkers {
		if strings.Contains(lower, marker) {
			score += 0.3
			break
		}
	}

	return score, nil
}
