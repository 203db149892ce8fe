package agent

import "strings"

// Verdict is the outcome of parsing a review response.
type Verdict int

const (
	// VerdictApproved means the reviewer accepted the change.
	VerdictApproved Verdict = iota
	// VerdictRejected means the reviewer rejected the change with feedback.
	VerdictRejected
	// VerdictInvalid means no verdict line could be found; the review
	// itself should be retried.
	VerdictInvalid
)

// ParseVerdict scans review output line by line for a verdict. The model
// does not always put it on the first line, so every line is checked. For a
// rejection, the feedback is everything after the first REJECTED marker.
func ParseVerdict(output string) (Verdict, string) {
	trimmed := strings.TrimSpace(output)
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "APPROVED") {
			return VerdictApproved, ""
		}
		if strings.HasPrefix(line, "REJECTED") {
			_, rest, _ := strings.Cut(trimmed, "REJECTED")
			feedback := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ":"))
			return VerdictRejected, feedback
		}
	}
	return VerdictInvalid, ""
}
