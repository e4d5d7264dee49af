package safety

import "regexp"

// LeakWarning flags a credential-shaped string found in a task result.
// Detection is advisory: the queue still completes the task and attaches
// a review comment instead of blocking.
type LeakWarning struct {
	Pattern string
	Sample  string // truncated match prefix, safe to log
}

// LeakDetector scans task results before they are stored as the final
// result body.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

// Credential shapes agents tend to echo back from tool output: provider
// API keys, bearer headers, PEM blocks, password assignments.
var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		desc: "OpenAI API key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// Scan returns a warning per matched pattern, capped at three matches
// each. The input is never modified; redaction is the caller's call.
func (d *LeakDetector) Scan(result string) []LeakWarning {
	if result == "" {
		return nil
	}
	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(result, 3) {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample})
		}
	}
	return warnings
}
