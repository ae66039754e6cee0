package brand

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"pricefeed/internal/logger"
	"pricefeed/internal/model"
)

// DefaultGeminiModel is used when no model name is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// generator is the slice of *genai.Models the extractor uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiExtractor asks a Gemini model for the brand. Any model or decoding error
// falls back to the wrapped extractor and is logged through the context logger.
type GeminiExtractor struct {
	gen      generator
	model    string
	fallback Extractor
}

// NewGeminiExtractor creates a genai client from the environment (GOOGLE_API_KEY or
// GEMINI_API_KEY).
func NewGeminiExtractor(ctx context.Context, modelName string, fallback Extractor) (*GeminiExtractor, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return NewGeminiExtractorWith(client.Models, modelName, fallback), nil
}

// NewGeminiExtractorWith is used by tests to inject a fake generator.
func NewGeminiExtractorWith(gen generator, modelName string, fallback Extractor) *GeminiExtractor {
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	if fallback == nil {
		fallback = NewRuleBased()
	}
	return &GeminiExtractor{gen: gen, model: modelName, fallback: fallback}
}

const geminiPrompt = "You identify the brand of Israeli supermarket products.\n" +
	"Given the product fields below, answer with a JSON object " +
	`{"brand": string or null, "confidence": number between 0 and 1}` + ".\n" +
	"Use the brand's common name in the script it appears in. " +
	"Answer null when the fields do not name a brand.\n" +
	"Return ONLY raw JSON, no Markdown.\n\n"

type geminiAnswer struct {
	Brand      *string  `json:"brand"`
	Confidence *float64 `json:"confidence"`
}

func (g *GeminiExtractor) Extract(ctx context.Context, it model.Item) model.BrandGuess {
	if unknownValues[strings.ToLower(strings.TrimSpace(it.ItemName+" "+it.Manufacturer+" "+it.Description))] {
		return model.BrandGuess{Method: MethodNoData}
	}
	guess, err := g.ask(ctx, it)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("item_code", it.ItemCode).Msg("gemini brand extraction failed, using fallback")
		return g.fallback.Extract(ctx, it)
	}
	if !guess.Found() {
		return g.fallback.Extract(ctx, it)
	}
	return guess
}

func (g *GeminiExtractor) ask(ctx context.Context, it model.Item) (model.BrandGuess, error) {
	prompt := geminiPrompt +
		"item_name: " + it.ItemName + "\n" +
		"manufacturer: " + it.Manufacturer + "\n" +
		"description: " + it.Description + "\n"
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: prompt}},
	}}

	resp, err := g.gen.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return model.BrandGuess{}, fmt.Errorf("generate content: %w", err)
	}
	raw := resp.Text()
	if raw == "" {
		return model.BrandGuess{}, fmt.Errorf("empty response from model")
	}
	var ans geminiAnswer
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &ans); err != nil {
		return model.BrandGuess{}, fmt.Errorf("unmarshal answer: %w", err)
	}
	if ans.Brand == nil || unknownValues[strings.ToLower(strings.TrimSpace(*ans.Brand))] {
		return model.BrandGuess{Method: MethodGemini}, nil
	}

	brand := strings.TrimSpace(*ans.Brand)
	conf := 0.5
	if ans.Confidence != nil {
		conf = min(max(*ans.Confidence, 0), 1)
	}
	return model.BrandGuess{
		Brand:      brand,
		Confidence: conf,
		Source:     sourceOf(brand, it),
		Method:     MethodGemini,
	}, nil
}

// sourceOf names the first field mentioning brand, item_name when none does.
func sourceOf(brand string, it model.Item) string {
	b := strings.ToLower(brand)
	switch {
	case strings.Contains(strings.ToLower(it.ItemName), b):
		return model.SourceItemName
	case strings.Contains(strings.ToLower(it.Manufacturer), b):
		return model.SourceManufacturer
	case strings.Contains(strings.ToLower(it.Description), b):
		return model.SourceDescription
	}
	return model.SourceItemName
}

// cleanModelJSON strips Markdown fences and any text around the JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return strings.TrimSpace(s)
}
