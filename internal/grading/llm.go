package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/coursematerial/internal/model"
)

// LLM grades essay answers with an OpenAI-compatible API.
type LLM struct {
	api     *openai.Client
	model   string
	variant PromptVariant
}

// NewLLM creates a model grader.
func NewLLM(baseURL, apiKey, modelName string, variant PromptVariant) *LLM {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if !validVariants[variant] {
		variant = PromptStandard
	}
	return &LLM{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: variant,
	}
}

// Ping checks that the API answers.
func (c *LLM) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

type llmResult struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// essaySpec is the private spec of an essay task.
type essaySpec struct {
	Rubric      string `json:"rubric"`
	ModelAnswer string `json:"model_answer"`
}

func (c *LLM) Grade(ctx context.Context, t Task) (Result, error) {
	var spec essaySpec
	if len(t.PrivateSpec) > 0 {
		if err := json.Unmarshal(t.PrivateSpec, &spec); err != nil {
			return Result{}, fmt.Errorf("parse essay spec: %w", err)
		}
	}
	prompt, err := BuildPrompt(c.variant, PromptData{
		Assignment:  textOf(t.Assignment, "prompt", "assignment"),
		MaxPoints:   t.ScoreMaximum,
		Rubric:      spec.Rubric,
		ModelAnswer: spec.ModelAnswer,
		Answer:      textOf(t.Answer, "text", "answer"),
	})
	if err != nil {
		return Result{}, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return Result{}, fmt.Errorf("LLM grading API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("LLM returned no choices for grading")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	var out llmResult
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Result{}, fmt.Errorf("parse grading response: %w (raw: %s)", err, raw)
	}
	score := float32(min(max(out.Score, 0), float64(t.ScoreMaximum)))
	return Result{Progress: model.GradingFullyGraded, ScoreGiven: &score, Feedback: out.Feedback}, nil
}

// textOf extracts text from a JSON string or from the first present string
// field of a JSON object. Anything else is returned as raw JSON.
func textOf(raw json.RawMessage, fields ...string) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, f := range fields {
			if v, ok := obj[f]; ok {
				if err := json.Unmarshal(v, &s); err == nil {
					return s
				}
			}
		}
	}
	return strings.TrimSpace(string(raw))
}
