package enhance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkrstev/promptflow/pkg/retry"
	"github.com/dkrstev/promptflow/pkg/service"
	"github.com/pkg/errors"
)

// Step names, in pipeline order.
const (
	AnalyzeStep  = "analyze"
	StrategyStep = "select-strategy"
	GenerateStep = "generate"
)

// Input is the run submission payload.
type Input struct {
	Prompt string `json:"prompt"`
}

// Analysis is the analyze step's verdict on the prompt.
type Analysis struct {
	Intent         string   `json:"intent"`
	Weaknesses     []string `json:"weaknesses"`
	Strengths      []string `json:"strengths"`
	MissingContext bool     `json:"missing_context"`
}

// Strategy is the technique chosen by the select-strategy step.
type Strategy struct {
	Technique     string `json:"technique"`
	Reasoning     string `json:"reasoning"`
	SuggestedRole string `json:"suggested_role"`
}

// Generation is the generate step's rewrite of the prompt.
type Generation struct {
	EnhancedPrompt string `json:"enhanced_prompt"`
	Changelog      string `json:"changelog"`
}

// Result is the run's final output, assembled by the last step.
type Result struct {
	Original       string `json:"original"`
	EnhancedPrompt string `json:"enhanced_prompt"`
	TechniqueUsed  string `json:"technique_used"`
	Changelog      string `json:"changelog"`
}

// intermediate envelopes: each step's output carries everything the
// next step needs, since a step only ever sees its predecessor's output
type analyzeState struct {
	Prompt   string   `json:"prompt"`
	Analysis Analysis `json:"analysis"`
}

type strategyState struct {
	Prompt   string   `json:"prompt"`
	Analysis Analysis `json:"analysis"`
	Strategy Strategy `json:"strategy"`
}

const (
	analyzeSchema  = `{"intent": string, "weaknesses": [string], "strengths": [string], "missing_context": bool}`
	strategySchema = `{"technique": string, "reasoning": string, "suggested_role": string}`
	generateSchema = `{"enhanced_prompt": string, "changelog": string}`
)

// Steps returns the three pipeline steps bound to the given model client.
func Steps(client ModelClient) []service.PipelineStep {
	return []service.PipelineStep{
		{Name: AnalyzeStep, Work: analyzeWork(client)},
		{Name: StrategyStep, Work: strategyWork(client)},
		{Name: GenerateStep, Work: generateWork(client)},
	}
}

func analyzeWork(client ModelClient) service.StepFunc {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in Input
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, retry.Permanent(errors.Wrap(err, "malformed run input"))
		}
		if in.Prompt == "" {
			return nil, retry.Permanent(errors.New("run input is missing 'prompt'"))
		}

		payload, err := client.Complete(ctx, Request{
			Messages: []Message{
				{Role: "system", Content: "You are a prompt engineering expert. Analyze the user's prompt and respond with JSON only."},
				{Role: "user", Content: fmt.Sprintf("Analyze this prompt and identify its intent, weaknesses, strengths and whether context is missing:\n\n%s", in.Prompt)},
			},
			Schema: analyzeSchema,
		})
		if err != nil {
			return nil, errors.Wrap(err, "analyze invocation failed")
		}

		var analysis Analysis
		if err := json.Unmarshal([]byte(payload), &analysis); err != nil {
			return nil, errors.Wrap(err, "analyze output is not valid JSON")
		}
		if analysis.Intent == "" {
			return nil, errors.New("analyze output violates schema: missing 'intent'")
		}
		return json.Marshal(analyzeState{Prompt: in.Prompt, Analysis: analysis})
	}
}

func strategyWork(client ModelClient) service.StepFunc {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var state analyzeState
		if err := json.Unmarshal(input, &state); err != nil {
			return nil, retry.Permanent(errors.Wrap(err, "malformed analyze output"))
		}

		analysisJSON, err := json.Marshal(state.Analysis)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode analysis")
		}
		payload, err := client.Complete(ctx, Request{
			Messages: []Message{
				{Role: "system", Content: "You are a prompt engineering expert. Pick the single best enhancement technique and respond with JSON only."},
				{Role: "user", Content: fmt.Sprintf("Prompt:\n%s\n\nAnalysis:\n%s\n\nSelect the enhancement technique to apply.", state.Prompt, analysisJSON)},
			},
			Schema: strategySchema,
		})
		if err != nil {
			return nil, errors.Wrap(err, "select-strategy invocation failed")
		}

		var strategy Strategy
		if err := json.Unmarshal([]byte(payload), &strategy); err != nil {
			return nil, errors.Wrap(err, "select-strategy output is not valid JSON")
		}
		if strategy.Technique == "" {
			return nil, errors.New("select-strategy output violates schema: missing 'technique'")
		}
		return json.Marshal(strategyState{Prompt: state.Prompt, Analysis: state.Analysis, Strategy: strategy})
	}
}

func generateWork(client ModelClient) service.StepFunc {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var state strategyState
		if err := json.Unmarshal(input, &state); err != nil {
			return nil, retry.Permanent(errors.Wrap(err, "malformed select-strategy output"))
		}

		payload, err := client.Complete(ctx, Request{
			Messages: []Message{
				{Role: "system", Content: "You are a prompt engineering expert. Rewrite the prompt using the chosen technique and respond with JSON only."},
				{Role: "user", Content: fmt.Sprintf("Rewrite this prompt using %s (suggested role: %s):\n\n%s", state.Strategy.Technique, state.Strategy.SuggestedRole, state.Prompt)},
			},
			Schema: generateSchema,
		})
		if err != nil {
			return nil, errors.Wrap(err, "generate invocation failed")
		}

		var gen Generation
		if err := json.Unmarshal([]byte(payload), &gen); err != nil {
			return nil, errors.Wrap(err, "generate output is not valid JSON")
		}
		if gen.EnhancedPrompt == "" {
			return nil, errors.New("generate output violates schema: missing 'enhanced_prompt'")
		}

		return json.Marshal(Result{
			Original:       state.Prompt,
			EnhancedPrompt: gen.EnhancedPrompt,
			TechniqueUsed:  state.Strategy.Technique,
			Changelog:      gen.Changelog,
		})
	}
}
