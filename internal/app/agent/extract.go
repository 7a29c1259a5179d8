package agent

import (
	"regexp"
	"strings"
)

var (
	prURLPattern  = regexp.MustCompile(`https://github\.com/[A-Za-z0-9_.\-]+/[A-Za-z0-9_.\-]+/pull/\d+`)
	branchPattern = regexp.MustCompile(`refs/heads/([A-Za-z0-9._/\-]+)`)
)

// ExtractPRURL returns the first pull-request URL in s, or "".
func ExtractPRURL(s string) string {
	return prURLPattern.FindString(s)
}

// ExtractBranch returns the branch name of the first refs/heads/<name> ref
// in s, or "". Trailing sentence punctuation is not part of the name.
func ExtractBranch(s string) string {
	m := branchPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimRight(m[1], "./")
}
