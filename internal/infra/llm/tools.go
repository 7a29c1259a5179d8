package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/tutu-network/devpilot/internal/domain"
)

// tool is one function the model may call. Handlers return the text fed
// back to the model; that text is also the tool_result event detail.
type tool struct {
	def     openai.FunctionDefinition
	handler func(ctx context.Context, repos domain.RepoService, credential string, args json.RawMessage) (string, error)
}

const maxToolOutput = 60_000

func str(desc string) jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.String, Description: desc}
}

var repoParam = str("Repository in owner/name form")

var githubTools = []tool{
	{
		def: openai.FunctionDefinition{
			Name:        "list_files",
			Description: "List every file path in a repository.",
			Parameters: jsonschema.Definition{
				Type:       jsonschema.Object,
				Properties: map[string]jsonschema.Definition{"repo": repoParam, "ref": str("Branch or commit; default branch when empty")},
				Required:   []string{"repo"},
			},
		},
		handler: func(ctx context.Context, repos domain.RepoService, cred string, raw json.RawMessage) (string, error) {
			var a struct{ Repo, Ref string }
			if err := json.Unmarshal(raw, &a); err != nil {
				return "", err
			}
			entries, err := repos.GetTree(ctx, cred, a.Repo, a.Ref)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, e := range entries {
				if e.Type == "blob" {
					b.WriteString(e.Path)
					b.WriteByte('\n')
				}
			}
			return b.String(), nil
		},
	},
	{
		def: openai.FunctionDefinition{
			Name:        "read_file",
			Description: "Read the content of one file.",
			Parameters: jsonschema.Definition{
				Type:       jsonschema.Object,
				Properties: map[string]jsonschema.Definition{"repo": repoParam, "path": str("File path"), "ref": str("Branch or commit")},
				Required:   []string{"repo", "path"},
			},
		},
		handler: func(ctx context.Context, repos domain.RepoService, cred string, raw json.RawMessage) (string, error) {
			var a struct{ Repo, Path, Ref string }
			if err := json.Unmarshal(raw, &a); err != nil {
				return "", err
			}
			return repos.GetFileContent(ctx, cred, a.Repo, a.Path, a.Ref)
		},
	},
	{
		def: openai.FunctionDefinition{
			Name:        "create_branch",
			Description: "Create a branch from another branch.",
			Parameters: jsonschema.Definition{
				Type:       jsonschema.Object,
				Properties: map[string]jsonschema.Definition{"repo": repoParam, "branch": str("New branch name"), "from": str("Source branch; default branch when empty")},
				Required:   []string{"repo", "branch"},
			},
		},
		handler: func(ctx context.Context, repos domain.RepoService, cred string, raw json.RawMessage) (string, error) {
			var a struct{ Repo, Branch, From string }
			if err := json.Unmarshal(raw, &a); err != nil {
				return "", err
			}
			ref, err := repos.CreateBranch(ctx, cred, a.Repo, a.Branch, a.From)
			if err != nil {
				return "", err
			}
			return "created " + ref, nil
		},
	},
	{
		def: openai.FunctionDefinition{
			Name:        "commit_files",
			Description: "Create or overwrite files on a branch in a single commit.",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"repo":    repoParam,
					"branch":  str("Target branch"),
					"message": str("Commit message"),
					"files": {
						Type: jsonschema.Array,
						Items: &jsonschema.Definition{
							Type:       jsonschema.Object,
							Properties: map[string]jsonschema.Definition{"path": str("File path"), "content": str("Full file content")},
							Required:   []string{"path", "content"},
						},
					},
				},
				Required: []string{"repo", "branch", "message", "files"},
			},
		},
		handler: func(ctx context.Context, repos domain.RepoService, cred string, raw json.RawMessage) (string, error) {
			var a struct {
				Repo, Branch, Message string
				Files                 []domain.FileChange
			}
			if err := json.Unmarshal(raw, &a); err != nil {
				return "", err
			}
			sha, err := repos.CommitFiles(ctx, cred, a.Repo, a.Branch, a.Message, a.Files)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("committed %d file(s) as %s on refs/heads/%s", len(a.Files), sha, a.Branch), nil
		},
	},
	{
		def: openai.FunctionDefinition{
			Name:        "create_pull_request",
			Description: "Open a pull request.",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"repo": repoParam, "title": str("Title"), "body": str("Description"),
					"head": str("Branch with the changes"), "base": str("Target branch; default branch when empty"),
				},
				Required: []string{"repo", "title", "head"},
			},
		},
		handler: func(ctx context.Context, repos domain.RepoService, cred string, raw json.RawMessage) (string, error) {
			var a struct{ Repo, Title, Body, Head, Base string }
			if err := json.Unmarshal(raw, &a); err != nil {
				return "", err
			}
			return repos.CreatePullRequest(ctx, cred, a.Repo, domain.PullRequestInput{Title: a.Title, Body: a.Body, Head: a.Head, Base: a.Base})
		},
	},
	{
		def: openai.FunctionDefinition{
			Name:        "create_issue",
			Description: "Open an issue.",
			Parameters: jsonschema.Definition{
				Type:       jsonschema.Object,
				Properties: map[string]jsonschema.Definition{"repo": repoParam, "title": str("Title"), "body": str("Body")},
				Required:   []string{"repo", "title"},
			},
		},
		handler: func(ctx context.Context, repos domain.RepoService, cred string, raw json.RawMessage) (string, error) {
			var a struct{ Repo, Title, Body string }
			if err := json.Unmarshal(raw, &a); err != nil {
				return "", err
			}
			return repos.CreateIssue(ctx, cred, a.Repo, a.Title, a.Body)
		},
	},
	{
		def: openai.FunctionDefinition{
			Name:        "list_issues",
			Description: "List issues of a repository.",
			Parameters: jsonschema.Definition{
				Type:       jsonschema.Object,
				Properties: map[string]jsonschema.Definition{"repo": repoParam, "state": str("open, closed or all")},
				Required:   []string{"repo"},
			},
		},
		handler: func(ctx context.Context, repos domain.RepoService, cred string, raw json.RawMessage) (string, error) {
			var a struct{ Repo, State string }
			if err := json.Unmarshal(raw, &a); err != nil {
				return "", err
			}
			issues, err := repos.ListIssues(ctx, cred, a.Repo, a.State)
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(issues)
			return string(out), err
		},
	},
}

func toolIndex() map[string]tool {
	idx := make(map[string]tool, len(githubTools))
	for _, t := range githubTools {
		idx[t.def.Name] = t
	}
	return idx
}

func toolDefs() []openai.Tool {
	defs := make([]openai.Tool, 0, len(githubTools))
	for i := range githubTools {
		def := githubTools[i].def
		defs = append(defs, openai.Tool{Type: openai.ToolTypeFunction, Function: &def})
	}
	return defs
}
