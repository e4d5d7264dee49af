// Package model abstracts the chat-completion backend behind a small
// client interface. The execution graph treats the client as an opaque
// callable: messages plus bound tool schemas in, text or tool-call
// requests out.
package model

import "context"

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Ref  string         `json:"ref,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult carries a tool's output back into the conversation.
type ToolResult struct {
	Ref    string `json:"ref,omitempty"`
	Name   string `json:"name"`
	Output any    `json:"output"`
}

// ChatMessage is one conversation entry. Assistant messages may carry
// tool calls; tool messages carry exactly one result.
type ChatMessage struct {
	Role       string      `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Request is one model turn.
type Request struct {
	System   string
	Messages []ChatMessage
}

// Response is the model's answer: final text, or tool calls to run, or
// both (partial text alongside the calls).
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Client is an invokable chat-completion backend.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// fallbackClient answers deterministically when no backend credential is
// configured, so the rest of the system stays exercisable offline.
type fallbackClient struct{}

func (fallbackClient) Generate(_ context.Context, _ Request) (Response, error) {
	return Response{Text: "I can answer with full model reasoning after an API key is configured."}, nil
}
