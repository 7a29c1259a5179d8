// Package llm implements domain.Agent on any OpenAI-compatible chat
// completion endpoint. The agent loops over tool calls against the GitHub
// repository service and reports each step as an AgentEvent.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tutu-network/devpilot/internal/domain"
)

const systemPrompt = `You are devpilot, an engineering agent operating on GitHub repositories
through the provided tools. Work in small verifiable steps. Never push to the
default branch directly: create a branch, commit, then open a pull request.
When you finish, reply with a concise summary of what you did.`

// Config configures the agent.
type Config struct {
	BaseURL  string // empty for api.openai.com
	APIKey   string
	Model    string
	MaxTurns int
	Logger   *slog.Logger
}

// Agent is a tool-calling chat loop.
type Agent struct {
	client   *openai.Client
	repos    domain.RepoService
	model    string
	maxTurns int
	tools    map[string]tool
	logger   *slog.Logger
}

var _ domain.Agent = (*Agent)(nil)

// New creates an Agent whose tools act through repos.
func New(cfg Config, repos domain.RepoService) *Agent {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Agent{
		client:   openai.NewClientWithConfig(oc),
		repos:    repos,
		model:    cfg.Model,
		maxTurns: cfg.MaxTurns,
		tools:    toolIndex(),
		logger:   cfg.Logger.With("component", "llm", "model", cfg.Model),
	}
}

// Invoke runs the loop until the model answers without tool calls, the turn
// budget runs out or the timeout fires. onEvent is called synchronously.
func (a *Agent) Invoke(ctx context.Context, credential, prompt string, onEvent func(domain.AgentEvent), timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if onEvent == nil {
		onEvent = func(domain.AgentEvent) {}
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}
	defs := toolDefs()

	for turn := 1; turn <= a.maxTurns; turn++ {
		resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    a.model,
			Messages: messages,
			Tools:    defs,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("chat completion: %w", ctxErr)
			}
			return "", fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("chat completion returned no choices")
		}

		msg := resp.Choices[0].Message
		a.logger.Debug("turn", "n", turn, "tool_calls", len(msg.ToolCalls), "finish_reason", resp.Choices[0].FinishReason)
		if msg.Content != "" {
			onEvent(domain.AgentEvent{Kind: domain.EventMessage, Text: msg.Content})
		}
		messages = append(messages, msg)
		if len(msg.ToolCalls) == 0 {
			return msg.Content, nil
		}

		for _, call := range msg.ToolCalls {
			out := a.runTool(ctx, credential, call, onEvent)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    out,
				ToolCallID: call.ID,
			})
		}
	}
	return "", fmt.Errorf("agent did not finish within %d turns", a.maxTurns)
}

func (a *Agent) runTool(ctx context.Context, credential string, call openai.ToolCall, onEvent func(domain.AgentEvent)) string {
	name := call.Function.Name
	onEvent(domain.AgentEvent{Kind: domain.EventToolCall, ToolName: name, Detail: call.Function.Arguments})

	t, ok := a.tools[name]
	if !ok {
		msg := fmt.Sprintf("unknown tool %q", name)
		onEvent(domain.AgentEvent{Kind: domain.EventError, Detail: msg})
		return "error: " + msg
	}
	if a.repos == nil {
		onEvent(domain.AgentEvent{Kind: domain.EventError, Detail: "repository service unavailable"})
		return "error: repository service unavailable"
	}

	out, err := t.handler(ctx, a.repos, credential, json.RawMessage(call.Function.Arguments))
	if err != nil {
		detail := fmt.Sprintf("%s: %v", name, err)
		onEvent(domain.AgentEvent{Kind: domain.EventError, Detail: detail})
		return "error: " + err.Error()
	}
	out = truncateOutput(out, maxToolOutput)
	onEvent(domain.AgentEvent{Kind: domain.EventToolResult, Detail: out})
	return out
}

// truncateOutput cuts s to at most n bytes on a rune boundary.
func truncateOutput(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n[truncated]"
}
