package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tutu-network/devpilot/internal/domain"
)

// Finding is one issue reported by a review or audit.
type Finding struct {
	Severity   string `json:"severity"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line,omitempty"`
	Title      string `json:"title"`
	Detail     string `json:"detail,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Report is the structured payload of code-review and audit tasks.
type Report struct {
	Summary  string    `json:"summary"`
	Score    *int      `json:"score,omitempty"` // audits only, 0-100
	Findings []Finding `json:"findings"`
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n?```")

// extractJSON locates the JSON object in agent output: the first fenced
// block that decodes, else the outermost braces.
func extractJSON(text string) (string, bool) {
	for _, m := range fencedJSON.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if json.Valid([]byte(body)) {
			return body, true
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		body := text[start : end+1]
		if json.Valid([]byte(body)) {
			return body, true
		}
	}
	return "", false
}

func parsePayload(text string, v any) error {
	body, ok := extractJSON(text)
	if !ok {
		return fmt.Errorf("%w: no JSON payload in output", domain.ErrUnparseableResponse)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnparseableResponse, err)
	}
	return nil
}

// parseReport decodes a review or audit. An empty findings list is a valid
// result and is distinct from an unparseable response.
func parseReport(text string) (*Report, error) {
	var r Report
	if err := parsePayload(text, &r); err != nil {
		return nil, err
	}
	if r.Findings == nil {
		var probe map[string]json.RawMessage
		body, _ := extractJSON(text)
		_ = json.Unmarshal([]byte(body), &probe)
		if _, ok := probe["findings"]; !ok {
			return nil, fmt.Errorf("%w: payload has no findings field", domain.ErrUnparseableResponse)
		}
		r.Findings = []Finding{}
	}
	if r.Score != nil && (*r.Score < 0 || *r.Score > 100) {
		return nil, fmt.Errorf("%w: score %d out of range", domain.ErrUnparseableResponse, *r.Score)
	}
	return &r, nil
}

func (r *Report) headline(kind string) string {
	if len(r.Findings) == 0 {
		return "No findings"
	}
	counts := map[string]int{}
	for _, f := range r.Findings {
		counts[strings.ToLower(f.Severity)]++
	}
	parts := []string{}
	for _, sev := range []string{"critical", "high", "medium", "low", "info"} {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	msg := fmt.Sprintf("%s found %d issue(s)", kind, len(r.Findings))
	if len(parts) > 0 {
		msg += " (" + strings.Join(parts, ", ") + ")"
	}
	return msg
}

// parsePlan decodes and validates a scaffold plan.
func parsePlan(text string) (*ScaffoldPlan, error) {
	var p ScaffoldPlan
	if err := parsePayload(text, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnparseableResponse, err)
	}
	return &p, nil
}
