// internal/gpt/client.go
package gpt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"pulse-bot/internal/models"
)

var ErrEmptyResponse = errors.New("no response from GPT API")

const interpretationRules = `CRITICAL RULES:
1. NEVER provide a diagnosis
2. NEVER prescribe treatment
3. Use academic, calm, evidence-based tone
4. Use phrases like "may indicate", "can be associated with", "requires further evaluation"
5. Do not use emojis
6. Answer in Russian`

type Client struct {
	client       *openai.Client
	model        string
	premiumModel string
}

func NewClient(apiKey string) *Client {
	return &Client{
		client:       openai.NewClient(apiKey),
		model:        "gpt-4o-mini",
		premiumModel: "gpt-4o",
	}
}

// NewClientWithConfig is used when the API lives behind a proxy or in tests.
func NewClientWithConfig(cfg openai.ClientConfig) *Client {
	return &Client{
		client:       openai.NewClientWithConfig(cfg),
		model:        "gpt-4o-mini",
		premiumModel: "gpt-4o",
	}
}

func (c *Client) WithModel(model string) *Client {
	if model != "" {
		c.model = model
	}
	return c
}

func (c *Client) WithPremiumModel(model string) *Client {
	if model != "" {
		c.premiumModel = model
	}
	return c
}

func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func chat(model, system, user string, temperature float32) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: temperature,
	}
}

// ExtractStructured turns raw lab text into {"analytes":[...]} JSON.
func (c *Client) ExtractStructured(ctx context.Context, text string) (json.RawMessage, error) {
	prompt := "Extract laboratory test results from the provided text.\n\n" +
		"For each analyte return name, value, unit, reference_range and flag (low, high, normal or critical).\n" +
		"Below the reference range is \"low\", above is \"high\", within is \"normal\".\n\n" +
		"Return format:\n" +
		`{"analytes":[{"name":"Ferritin","value":"30","unit":"ng/mL","reference_range":"20-250","flag":"low"}]}` +
		"\n\nText to process:\n" + text

	req := chat(c.model, "You are a medical data extraction system. Return only valid JSON.", prompt, 0.1)
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}

	out, err := c.complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to extract structured data: %w", err)
	}
	if !json.Valid([]byte(out)) {
		return nil, fmt.Errorf("failed to extract structured data: model returned invalid JSON")
	}
	return json.RawMessage(out), nil
}

// ExtractImageText reads a scan or photo of a lab form through the vision input.
func (c *Client) ExtractImageText(ctx context.Context, image []byte, mimeType string) (string, error) {
	url := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You transcribe laboratory result forms. Output only the text printed on the form, keeping table rows on separate lines."},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: "Transcribe this laboratory form. The form may be in Russian or English."},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailHigh}},
				},
			},
		},
		Temperature: 0,
	}
	out, err := c.complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	return out, nil
}

// GenerateReport writes the clinical interpretation. Premium users get the stronger model.
func (c *Client) GenerateReport(ctx context.Context, structured json.RawMessage, clinical map[string]string, premium bool) (string, error) {
	model := c.model
	if premium {
		model = c.premiumModel
	}

	system := "You are a clinical laboratory interpretation assistant. Provide structured, evidence-based analysis of laboratory results.\n\n" +
		interpretationRules + "\n\n" +
		"Report Structure:\n1. Clinical Overview\n2. Significant Deviations\n3. Possible Causes (differential reasoning)\n" +
		"4. Recommended Additional Tests\n5. When In-Person Consultation Is Advisable\n6. Simplified Explanation"

	user := fmt.Sprintf(
		"Analyze the following laboratory results and clinical context.\n\n"+
			"Laboratory Results:\n%s\n\n"+
			"Clinical Context:\n"+
			"- Age: %s\n- Sex: %s\n- Symptoms: %s\n- Pregnancy: %s\n- Chronic Conditions: %s\n- Medications: %s\n\n"+
			"Generate a structured clinical interpretation report following the specified format.",
		indent(structured),
		valueOr(clinical, "age", "Not provided"),
		valueOr(clinical, "sex", "Not provided"),
		valueOr(clinical, "symptoms", "Not provided"),
		valueOr(clinical, "pregnancy", "Not applicable"),
		valueOr(clinical, "chronic_conditions", "None"),
		valueOr(clinical, "medications", "None"),
	)

	out, err := c.complete(ctx, chat(model, system, user, 0.3))
	if err != nil {
		return "", fmt.Errorf("failed to generate report: %w", err)
	}
	return out, nil
}

// Compare describes the dynamics between an older and a newer analysis.
func (c *Client) Compare(ctx context.Context, older, newer models.Analysis) (string, error) {
	system := "You are a clinical laboratory interpretation assistant specializing in longitudinal analysis. " +
		"Compare two sets of laboratory results and identify trends and changes.\n\n" +
		interpretationRules + "\n\n" +
		"Report Structure:\n1. Dynamic Overview\n2. Markers Increasing\n3. Markers Decreasing\n4. Clinical Significance\n5. Suggested Follow-Up"

	user := fmt.Sprintf(
		"Compare these two laboratory analyses:\n\nAnalysis 1 (Date: %s):\n%s\n\nAnalysis 2 (Date: %s):\n%s\n\n"+
			"Generate a comparison report focusing on changes and trends.",
		older.CreatedAt.Format("2006-01-02"), indent(older.Structured),
		newer.CreatedAt.Format("2006-01-02"), indent(newer.Structured),
	)

	out, err := c.complete(ctx, chat(c.model, system, user, 0.3))
	if err != nil {
		return "", fmt.Errorf("failed to compare analyses: %w", err)
	}
	return out, nil
}

func (c *Client) AnswerFollowUp(ctx context.Context, a models.Analysis, question string) (string, error) {
	system := "You are a clinical laboratory interpretation assistant answering a follow-up question about a previous analysis.\n\n" +
		interpretationRules + "\n7. Reference only the provided analysis\n8. Keep answers concise and focused"

	clinical, _ := json.MarshalIndent(a.ClinicalContext, "", "  ")
	user := fmt.Sprintf(
		"Analysis Report:\n%s\n\nLaboratory Results:\n%s\n\nClinical Context:\n%s\n\nFollow-up Question: %s\n\n"+
			"Provide a clear, evidence-based answer to this question.",
		a.Report, indent(a.Structured), clinical, question,
	)

	out, err := c.complete(ctx, chat(c.model, system, user, 0.3))
	if err != nil {
		return "", fmt.Errorf("failed to answer follow-up: %w", err)
	}
	return out, nil
}

// Ask answers a free-form health question not tied to an analysis.
func (c *Client) Ask(ctx context.Context, question string, premium bool) (string, error) {
	model := c.model
	if premium {
		model = c.premiumModel
	}
	system := "You are Pulse, an assistant that explains laboratory medicine to patients.\n\n" +
		interpretationRules + "\n7. Suggest seeing a doctor when symptoms may be serious\n8. Keep answers concise"

	out, err := c.complete(ctx, chat(model, system, question, 0.4))
	if err != nil {
		return "", fmt.Errorf("failed to answer question: %w", err)
	}
	return out, nil
}

func indent(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func valueOr(m map[string]string, key, def string) string {
	if v := strings.TrimSpace(m[key]); v != "" {
		return v
	}
	return def
}
