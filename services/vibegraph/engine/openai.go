// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const generatorSystemPrompt = `You modify a single code artifact on request.
When a code change is needed, call submit_patch exactly once with a unified
diff against the provided code. Hunk headers may be approximate; context
lines must be exact. When no change is needed, answer in plain text and do
not call submit_patch.`

const evaluatorSystemPrompt = `You review a proposed code change against the
user's intent. Respond with a single JSON object:
{"approved": bool, "reasoning": string, "commit_message": string}.
Approve only when the patch implements the intent and nothing else.`

// OpenAIConfig configures the OpenAI-backed capabilities.
type OpenAIConfig struct {
	// APIKey falls back to OPENAI_API_KEY when empty.
	APIKey string

	// Model falls back to OPENAI_MODEL, then to gpt-4o-mini.
	Model string

	Logger *slog.Logger
}

// OpenAICapability implements both capabilities against the OpenAI chat
// API. One instance serves generator and evaluator roles; they differ only
// in prompt and response handling.
//
// Thread Safety: safe for concurrent use; the underlying client is.
type OpenAICapability struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

var (
	_ GenerationCapability = (*OpenAICapability)(nil)
	_ EvaluationCapability = (*OpenAICapability)(nil)
)

// NewOpenAICapability creates OpenAI-backed capabilities.
func NewOpenAICapability(cfg OpenAIConfig) (*OpenAICapability, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not configured")
	}
	model := cfg.Model
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("initializing OpenAI capability", slog.String("model", model))
	return &OpenAICapability{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}, nil
}

// submitPatchTool is the function tool the generator may call.
var submitPatchTool = openai.Tool{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        "submit_patch",
		Description: "Submit a unified diff implementing the requested change.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"patch": {"type": "string", "description": "Unified diff against the current code."},
				"description": {"type": "string", "description": "One-line summary of the change."}
			},
			"required": ["patch"]
		}`),
	},
}

type submitPatchArgs struct {
	Patch       string `json:"patch"`
	Description string `json:"description"`
}

// Generate runs one generator completion and exposes it as a stream.
func (c *OpenAICapability) Generate(ctx context.Context, req GenerationRequest) (GenerationStream, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Instruction:\n%s\n\nCurrent code:\n```\n%s\n```\n", req.Prompt, req.CurrentCode)
	if req.Feedback != "" {
		fmt.Fprintf(&user, "\nYour previous attempt was rejected:\n%s\nFix the problem and try again.\n", req.Feedback)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: generatorSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user.String()},
		},
		Tools: []openai.Tool{submitPatchTool},
	})
	if err != nil {
		return nil, fmt.Errorf("generator completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("generator completion: no choices returned")
	}
	choice := resp.Choices[0]
	c.logger.Debug("generator completion finished",
		slog.String("session_id", req.SessionID),
		slog.Int("iteration", req.Iteration),
		slog.String("finish_reason", string(choice.FinishReason)))

	events := []StreamEvent{{Kind: StreamAgentStarted}}
	if content := strings.TrimSpace(choice.Message.Content); content != "" {
		events = append(events, StreamEvent{Kind: StreamMessage, Content: content})
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function.Name != "submit_patch" {
			continue
		}
		var args submitPatchArgs
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("decode submit_patch arguments: %w", err)
		}
		events = append(events, StreamEvent{
			Kind:        StreamToolCall,
			Patch:       args.Patch,
			Description: args.Description,
		})
	}
	return &replayStream{events: events}, nil
}

// Evaluate runs one evaluator completion and parses the JSON verdict.
func (c *OpenAICapability) Evaluate(ctx context.Context, req EvaluationRequest) (*Evaluation, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "User intent:\n%s\n\nProposed patch:\n```\n%s\n```\n", req.Intent, req.Patch)
	if req.Description != "" {
		fmt.Fprintf(&user, "\nGenerator's summary: %s\n", req.Description)
	}
	fmt.Fprintf(&user, "\nCode after the patch:\n```\n%s\n```\n", req.PatchedCode)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: evaluatorSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user.String()},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("evaluator completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("evaluator completion: no choices returned")
	}

	var verdict Evaluation
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &verdict); err != nil {
		return nil, fmt.Errorf("decode evaluator verdict: %w", err)
	}
	c.logger.Debug("evaluator verdict",
		slog.String("session_id", req.SessionID),
		slog.Bool("approved", verdict.Approved))
	return &verdict, nil
}

// replayStream adapts a completed response to the streaming interface.
type replayStream struct {
	events []StreamEvent
	pos    int
}

func (s *replayStream) Recv() (StreamEvent, error) {
	if s.pos >= len(s.events) {
		return StreamEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *replayStream) Close() error { return nil }
