package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/tutu-network/devpilot/internal/domain"
)

// promptData is what every prompt template can reference.
type promptData struct {
	Repo        string
	Description string
	Issue       *domain.Issue
	Paths       []string
	Tree        []string
	Knowledge   []domain.KnowledgeHit
}

const knowledgeBlock = `{{if .Knowledge}}
Reference material from the team knowledge base:
{{range .Knowledge}}
--- {{.Metadata.Title}} ({{.Metadata.Filename}}) ---
{{.Content}}
{{end}}{{end}}`

const treeBlock = `{{if .Tree}}
Repository files:
{{range .Tree}}- {{.}}
{{end}}{{end}}`

var defaultPrompts = map[domain.TaskType]string{
	domain.TaskIssueSolver: `You are working on the GitHub repository {{.Repo}}.
Resolve issue #{{.Issue.Number}}: {{.Issue.Title}}

{{.Issue.Body}}
` + knowledgeBlock + `
Create a new branch, commit the fix and open a pull request that references
the issue. Reply with a short summary and the pull request URL.`,

	domain.TaskCodeWriter: `You are working on the GitHub repository {{.Repo}}.
Implement the following change:

{{.Description}}
` + knowledgeBlock + `
Create a new branch, commit your changes and open a pull request.
Reply with a short summary and the pull request URL.`,

	domain.TaskCustom: `{{if .Repo}}You are working on the GitHub repository {{.Repo}}.
{{end}}{{.Description}}
` + knowledgeBlock,

	domain.TaskCodeReview: `Review the code in the GitHub repository {{.Repo}}.
{{if .Description}}Focus: {{.Description}}
{{end}}{{if .Paths}}Only review these paths: {{join .Paths ", "}}
{{end}}` + treeBlock + knowledgeBlock + `
Read the files you need with the available tools. Do not modify the repository.
Reply with a JSON object in a ` + "```json" + ` block:
{"summary": "...", "findings": [{"severity": "critical|high|medium|low|info",
"file": "path", "line": 0, "title": "...", "detail": "...", "suggestion": "..."}]}
Use an empty findings array when there is nothing to report.`,

	domain.TaskAudit: `Audit the GitHub repository {{.Repo}} for security and compliance issues
(secrets in code, licensing, dependency hygiene, access control, data handling).
{{if .Description}}Policy focus: {{.Description}}
{{end}}{{if .Paths}}Only audit these paths: {{join .Paths ", "}}
{{end}}` + treeBlock + knowledgeBlock + `
Do not modify the repository. Reply with a JSON object in a ` + "```json" + ` block:
{"summary": "...", "score": 0-100, "findings": [{"severity": "critical|high|medium|low|info",
"file": "path", "line": 0, "title": "...", "detail": "...", "suggestion": "..."}]}
Use an empty findings array when there is nothing to report.`,

	domain.TaskScaffoldPlan: `Design a new GitHub repository for the following project:

{{.Description}}
` + knowledgeBlock + `
Do not call any tools that modify GitHub. Reply with a JSON object in a ` + "```json" + ` block:
{"name": "repo-name", "description": "...", "private": true,
"files": [{"path": "relative/path", "content": "full file content"}]}`,
}

var promptFuncs = template.FuncMap{"join": strings.Join}

// Prompts renders agent prompts. Templates in dir named <task-type>.tmpl
// override the built-in ones.
type Prompts struct {
	templates map[domain.TaskType]*template.Template
}

// LoadPrompts parses the built-in templates and any overrides in dir.
func LoadPrompts(dir string) (*Prompts, error) {
	p := &Prompts{templates: make(map[domain.TaskType]*template.Template)}
	for typ, text := range defaultPrompts {
		if dir != "" {
			custom, err := os.ReadFile(filepath.Join(dir, string(typ)+".tmpl"))
			if err == nil {
				text = string(custom)
			} else if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read prompt override for %s: %w", typ, err)
			}
		}
		tmpl, err := template.New(string(typ)).Funcs(promptFuncs).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse prompt for %s: %w", typ, err)
		}
		p.templates[typ] = tmpl
	}
	return p, nil
}

func (p *Prompts) render(typ domain.TaskType, data promptData) (string, error) {
	tmpl, ok := p.templates[typ]
	if !ok {
		return "", fmt.Errorf("no prompt for task type %s", typ)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt for %s: %w", typ, err)
	}
	return b.String(), nil
}
