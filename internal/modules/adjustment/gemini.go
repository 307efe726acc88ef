package adjustment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiProvider asks a Gemini model for a demand adjustment in JSON mode.
type GeminiProvider struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGeminiProvider(ctx context.Context, apiKey, modelName string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"
	// Low temperature: the same ride should get roughly the same answer.
	model.SetTemperature(0.1)

	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Close() {
	p.client.Close()
}

type geminiAnswer struct {
	AdjustmentPercent *float64 `json:"adjustment_percent"`
}

func (p *GeminiProvider) Factor(ctx context.Context, f Features) (float64, error) {
	resp, err := p.model.GenerateContent(ctx, genai.Text(buildPrompt(f)))
	if err != nil {
		return 0, fmt.Errorf("%w: gemini generation error: %v", ErrUnavailable, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return 0, fmt.Errorf("%w: no response candidates from Gemini", ErrUnavailable)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	return parseGeminiAnswer(text.String())
}

func parseGeminiAnswer(raw string) (float64, error) {
	clean := cleanJSONString(raw)
	var ans geminiAnswer
	if err := json.Unmarshal([]byte(clean), &ans); err != nil {
		return 0, fmt.Errorf("%w: failed to parse JSON response: %v. Raw: %s", ErrUnavailable, err, clean)
	}
	if ans.AdjustmentPercent == nil {
		return 0, fmt.Errorf("%w: adjustment_percent missing. Raw: %s", ErrUnavailable, clean)
	}
	return *ans.AdjustmentPercent, nil
}

func buildPrompt(f Features) string {
	signals, _ := json.Marshal(f.Signals)
	return fmt.Sprintf(`Role: You price rides for a ride-hailing dispatcher.
Given the ride below, return a demand adjustment as a percentage.
Positive values discount the fare (quiet periods), negative values are a surcharge (high demand).
Keep the value between -50 and 50.

Ride:
- Distance: %.2f km
- Origin: %.5f, %.5f
- Requested at: %s (hour %d, day of week %d, weekend %t)
- Demand signals: %s

Respond with JSON only: {"adjustment_percent": <number>}`,
		f.DistanceKm, f.Origin.Lat, f.Origin.Lng,
		f.RequestedAt.Format("2006-01-02T15:04:05Z07:00"), f.HourOfDay, f.DayOfWeek, f.IsWeekend,
		string(signals))
}

// cleanJSONString strips markdown fences the model sometimes wraps around JSON.
func cleanJSONString(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
