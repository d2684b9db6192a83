// Package classifier analyzes an incoming chat request and produces a
// classification used by the router to pick candidate providers/models.
package classifier

import (
	"regexp"
	"strings"

	gateway "github.com/mistral-labs/gandalf/internal"
)

// Classification is the pure-function result of analyzing a set of messages.
type Classification struct {
	RequiredCapabilities []string
	Complexity           string // "simple", "moderate", "complex"
	EstimatedTokens      int
	Reasoning            string
}

var (
	codeBlockRe   = regexp.MustCompile("```")
	codeKeywordRe = regexp.MustCompile(`(?i)\b(code|function|class|refactor|implement|debug)\b`)
	mathRe        = regexp.MustCompile(`(?i)\b(integral|derivative|calculate|equation|solve)\b|[0-9]+\s*[+\-*/^]\s*[0-9]+`)
	creativeRe    = regexp.MustCompile(`(?i)\b(story|poem|creative|write a|imagine)\b`)
)

const longContextCharThreshold = 2000 // per-message character threshold

// Classify inspects messages and returns a Classification. It is a pure
// function: same input always yields the same output, no network or clock
// access.
func Classify(messages []gateway.Message) Classification {
	caps := map[string]bool{"general": true, "instruction-following": true}
	var totalChars int
	var reasons []string

	for _, m := range messages {
		content := string(m.Content)
		totalChars += len(content)

		if codeBlockRe.MatchString(content) || codeKeywordRe.MatchString(content) {
			caps["code"] = true
			reasons = append(reasons, "code indicators detected")
		}
		if mathRe.MatchString(content) {
			caps["math"] = true
			reasons = append(reasons, "math indicators detected")
		}
		if creativeRe.MatchString(content) {
			caps["creative"] = true
			reasons = append(reasons, "creative writing request detected")
		}
		if len(content) > longContextCharThreshold {
			caps["long-context"] = true
			reasons = append(reasons, "long context")
		}
	}

	estimatedTokens := estimateTokens(totalChars)

	// Complexity upgrade rules: moderate when any capability signal, message
	// count, or token estimate crosses its threshold; complex when two of
	// those three hold, or the token estimate alone is well past it.
	hasCapability := caps["code"] || caps["math"] || caps["creative"]
	manyMessages := len(messages) >= 4
	overModerateTokens := estimatedTokens > 500

	upgradeCount := 0
	for _, v := range []bool{hasCapability, manyMessages, overModerateTokens} {
		if v {
			upgradeCount++
		}
	}

	complexity := "simple"
	if hasCapability || manyMessages || overModerateTokens {
		complexity = "moderate"
	}
	if upgradeCount >= 2 || estimatedTokens > 2000 {
		complexity = "complex"
	}
	if complexity == "simple" && len(reasons) == 0 {
		reasons = append(reasons, "short, single-turn, no special capability indicators")
	}

	capsList := make([]string, 0, len(caps))
	for c := range caps {
		capsList = append(capsList, c)
	}

	return Classification{
		RequiredCapabilities: sortedCaps(capsList),
		Complexity:           complexity,
		EstimatedTokens:      estimatedTokens,
		Reasoning:            strings.Join(dedupe(reasons), "; "),
	}
}

// estimateTokens uses the same ~4 chars/token heuristic as internal/tokencount,
// kept local to avoid a classifier -> tokencount dependency for a one-line calc.
func estimateTokens(chars int) int {
	if chars == 0 {
		return 0
	}
	return (chars + 3) / 4
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func sortedCaps(caps []string) []string {
	// Stable, deterministic ordering: general/instruction-following first,
	// then the rest alphabetically.
	priority := map[string]int{"general": 0, "instruction-following": 1}
	for i := range caps {
		for j := i + 1; j < len(caps); j++ {
			pi, iok := priority[caps[i]]
			pj, jok := priority[caps[j]]
			swap := false
			switch {
			case iok && jok:
				swap = pi > pj
			case iok:
				swap = false
			case jok:
				swap = true
			default:
				swap = caps[i] > caps[j]
			}
			if swap {
				caps[i], caps[j] = caps[j], caps[i]
			}
		}
	}
	return caps
}
