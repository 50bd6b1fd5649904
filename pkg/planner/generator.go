// Package planner turns a freeform documentation goal into a reviewed list
// of candidate CLI commands. Plans are never executed here; callers submit a
// selected subset through the execution engine.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"google.golang.org/genai"

	nderrors "github.com/davidroman0O/netdoc/errors"
	"github.com/davidroman0O/netdoc/pkg/device"
)

// Prompt is what a Generator receives. Text is the rendered instruction for
// language models; the structured fields let offline generators work without
// parsing it back.
type Prompt struct {
	Family   device.Family
	Vendor   string
	Role     string
	Goal     string
	MaxSteps int
	Text     string
}

// Generator produces candidate commands as free text. The output is
// untrusted and always goes through the Validator.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface
type GeneratorFunc func(ctx context.Context, prompt Prompt) (string, error)

// Generate calls f
func (f GeneratorFunc) Generate(ctx context.Context, prompt Prompt) (string, error) {
	return f(ctx, prompt)
}

const systemInstruction = `You help network engineers document devices.
Only propose read-only commands that display state. Never propose commands that change configuration, reload, clear counters or delete files.
Answer with JSON only: {"steps":[{"description":"...","command":"..."}]}`

// RenderPrompt builds the instruction text sent to language models
func RenderPrompt(p Prompt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Device type: %s\n", p.Family)
	if p.Vendor != "" {
		fmt.Fprintf(&b, "Vendor: %s\n", p.Vendor)
	}
	if p.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", p.Role)
	}
	fmt.Fprintf(&b, "Goal: %s\n", p.Goal)
	fmt.Fprintf(&b, "Propose at most %d commands in the order they should run.\n", p.MaxSteps)
	return b.String()
}

// GeminiGenerator asks a Gemini model for a plan
type GeminiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGeminiGenerator creates a generator backed by the Gemini API
func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, nderrors.New(nderrors.ErrInvalidInput, "gemini api key is empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiGenerator{
		client:      client,
		model:       model,
		temperature: 0.2,
	}, nil
}

// Generate implements Generator
func (g *GeminiGenerator) Generate(ctx context.Context, prompt Prompt) (string, error) {
	text := prompt.Text
	if text == "" {
		text = RenderPrompt(prompt)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(text), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Temperature:       genai.Ptr(g.temperature),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", g.model, err)
	}
	return resp.Text(), nil
}

// CatalogGenerator builds plans from the built-in command catalog by
// matching goal keywords against known topics. It needs no network access.
type CatalogGenerator struct{}

type catalogStep struct {
	Description string `json:"description"`
	Command     string `json:"command"`
}

// Generate implements Generator
func (CatalogGenerator) Generate(ctx context.Context, prompt Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	topics := matchTopics(prompt.Goal, prompt.Role)
	if len(topics) == 0 {
		topics = []*topic{topicByName("system")}
	}

	var steps []catalogStep
	for _, t := range topics {
		for _, cmd := range t.commandsFor(prompt.Family) {
			steps = append(steps, catalogStep{Description: t.title, Command: cmd})
		}
	}

	out, err := json.Marshal(map[string][]catalogStep{"steps": steps})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// WithFallback returns a Generator that uses fallback whenever primary fails
func WithFallback(primary, fallback Generator) Generator {
	return GeneratorFunc(func(ctx context.Context, prompt Prompt) (string, error) {
		out, err := primary.Generate(ctx, prompt)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		log.Printf("[PLANNER] generator failed, using catalog: %v", err)
		return fallback.Generate(ctx, prompt)
	})
}
