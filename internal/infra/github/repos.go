package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tutu-network/devpilot/internal/domain"
)

var _ domain.RepoService = (*Client)(nil)

// ─── Reads ──────────────────────────────────────────────────────────────────

func (c *Client) defaultBranch(ctx context.Context, credential, repo string) (string, error) {
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.do(ctx, credential, http.MethodGet, "/repos/"+repo, nil, &out); err != nil {
		return "", err
	}
	if out.DefaultBranch == "" {
		return "main", nil
	}
	return out.DefaultBranch, nil
}

// GetTree lists every path in repo at ref (default branch when empty).
func (c *Client) GetTree(ctx context.Context, credential, repo, ref string) ([]domain.TreeEntry, error) {
	if ref == "" {
		var err error
		if ref, err = c.defaultBranch(ctx, credential, repo); err != nil {
			return nil, err
		}
	}
	var out struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			Size int64  `json:"size"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	path := fmt.Sprintf("/repos/%s/git/trees/%s?recursive=1", repo, url.PathEscape(ref))
	if err := c.do(ctx, credential, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Truncated {
		c.logger.Warn("tree listing truncated by GitHub", "repo", repo, "entries", len(out.Tree))
	}
	entries := make([]domain.TreeEntry, 0, len(out.Tree))
	for _, e := range out.Tree {
		entries = append(entries, domain.TreeEntry{Path: e.Path, Type: e.Type, Size: e.Size})
	}
	return entries, nil
}

// GetFileContent returns the decoded content of one file.
func (c *Client) GetFileContent(ctx context.Context, credential, repo, filePath, ref string) (string, error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		Type     string `json:"type"`
	}
	path := fmt.Sprintf("/repos/%s/contents/%s", repo, escapePath(filePath))
	if ref != "" {
		path += "?ref=" + url.QueryEscape(ref)
	}
	if err := c.do(ctx, credential, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.Type != "" && out.Type != "file" {
		return "", fmt.Errorf("%s is a %s, not a file", filePath, out.Type)
	}
	if out.Encoding != "base64" {
		return out.Content, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", filePath, err)
	}
	return string(raw), nil
}

type issuePayload struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	State       string `json:"state"`
	HTMLURL     string `json:"html_url"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request,omitempty"`
}

func (p issuePayload) issue() domain.Issue {
	return domain.Issue{Number: p.Number, Title: p.Title, Body: p.Body, State: p.State, URL: p.HTMLURL}
}

// ListIssues lists issues in state (open, closed, all). Pull requests, which
// the issues endpoint also returns, are skipped.
func (c *Client) ListIssues(ctx context.Context, credential, repo, state string) ([]domain.Issue, error) {
	if state == "" {
		state = "open"
	}
	var out []issuePayload
	path := fmt.Sprintf("/repos/%s/issues?state=%s&per_page=100", repo, url.QueryEscape(state))
	if err := c.do(ctx, credential, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	issues := make([]domain.Issue, 0, len(out))
	for _, p := range out {
		if p.PullRequest != nil {
			continue
		}
		issues = append(issues, p.issue())
	}
	return issues, nil
}

// GetIssue returns one issue.
func (c *Client) GetIssue(ctx context.Context, credential, repo string, number int) (*domain.Issue, error) {
	var out issuePayload
	if err := c.do(ctx, credential, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil, &out); err != nil {
		return nil, err
	}
	issue := out.issue()
	return &issue, nil
}

// ─── Writes ─────────────────────────────────────────────────────────────────

// CreateRepo creates a repository for the authenticated user, initialized
// with a default branch, and returns its full name (owner/name).
func (c *Client) CreateRepo(ctx context.Context, credential, name, description string, private bool) (string, error) {
	in := map[string]any{
		"name":        name,
		"description": description,
		"private":     private,
		"auto_init":   true,
	}
	var out struct {
		FullName string `json:"full_name"`
	}
	if err := c.do(ctx, credential, http.MethodPost, "/user/repos", in, &out); err != nil {
		return "", err
	}
	return out.FullName, nil
}

func (c *Client) refSHA(ctx context.Context, credential, repo, branch string) (string, error) {
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	path := fmt.Sprintf("/repos/%s/git/ref/heads/%s", repo, escapePath(branch))
	if err := c.do(ctx, credential, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Object.SHA, nil
}

// CreateBranch creates branch from fromRef (default branch when empty) and
// returns the new ref name.
func (c *Client) CreateBranch(ctx context.Context, credential, repo, branch, fromRef string) (string, error) {
	if fromRef == "" {
		var err error
		if fromRef, err = c.defaultBranch(ctx, credential, repo); err != nil {
			return "", err
		}
	}
	sha, err := c.refSHA(ctx, credential, repo, fromRef)
	if err != nil {
		return "", err
	}
	in := map[string]string{"ref": "refs/heads/" + branch, "sha": sha}
	var out struct {
		Ref string `json:"ref"`
	}
	if err := c.do(ctx, credential, http.MethodPost, "/repos/"+repo+"/git/refs", in, &out); err != nil {
		return "", err
	}
	return out.Ref, nil
}

// CommitFiles writes files to branch (default branch when empty) as one
// commit through the git data API and returns the commit SHA.
func (c *Client) CommitFiles(ctx context.Context, credential, repo, branch, message string, files []domain.FileChange) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("%w: no files to commit", domain.ErrInvalidRequest)
	}
	if branch == "" {
		var err error
		if branch, err = c.defaultBranch(ctx, credential, repo); err != nil {
			return "", err
		}
	}
	head, err := c.refSHA(ctx, credential, repo, branch)
	if err != nil {
		return "", err
	}

	var commit struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	if err := c.do(ctx, credential, http.MethodGet, fmt.Sprintf("/repos/%s/git/commits/%s", repo, head), nil, &commit); err != nil {
		return "", err
	}

	type treeItem struct {
		Path    string `json:"path"`
		Mode    string `json:"mode"`
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	items := make([]treeItem, 0, len(files))
	for _, f := range files {
		items = append(items, treeItem{Path: f.Path, Mode: "100644", Type: "blob", Content: f.Content})
	}
	var tree struct {
		SHA string `json:"sha"`
	}
	treeIn := map[string]any{"base_tree": commit.Tree.SHA, "tree": items}
	if err := c.do(ctx, credential, http.MethodPost, "/repos/"+repo+"/git/trees", treeIn, &tree); err != nil {
		return "", err
	}

	var created struct {
		SHA string `json:"sha"`
	}
	commitIn := map[string]any{"message": message, "tree": tree.SHA, "parents": []string{head}}
	if err := c.do(ctx, credential, http.MethodPost, "/repos/"+repo+"/git/commits", commitIn, &created); err != nil {
		return "", err
	}

	refPath := fmt.Sprintf("/repos/%s/git/refs/heads/%s", repo, escapePath(branch))
	if err := c.do(ctx, credential, http.MethodPatch, refPath, map[string]string{"sha": created.SHA}, nil); err != nil {
		return "", err
	}
	return created.SHA, nil
}

// CreatePullRequest opens a pull request and returns its URL.
func (c *Client) CreatePullRequest(ctx context.Context, credential, repo string, pr domain.PullRequestInput) (string, error) {
	if pr.Base == "" {
		var err error
		if pr.Base, err = c.defaultBranch(ctx, credential, repo); err != nil {
			return "", err
		}
	}
	in := map[string]string{"title": pr.Title, "body": pr.Body, "head": pr.Head, "base": pr.Base}
	var out struct {
		HTMLURL string `json:"html_url"`
	}
	if err := c.do(ctx, credential, http.MethodPost, "/repos/"+repo+"/pulls", in, &out); err != nil {
		return "", err
	}
	return out.HTMLURL, nil
}

// CreateIssue opens an issue and returns its URL.
func (c *Client) CreateIssue(ctx context.Context, credential, repo, title, body string) (string, error) {
	var out issuePayload
	in := map[string]string{"title": title, "body": body}
	if err := c.do(ctx, credential, http.MethodPost, "/repos/"+repo+"/issues", in, &out); err != nil {
		return "", err
	}
	return out.HTMLURL, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
