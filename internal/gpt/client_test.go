package gpt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	req openai.ChatCompletionRequest
}

func newTestClient(t *testing.T, reply string, rec *recorded) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if rec != nil {
			_ = json.Unmarshal(body, &rec.req)
		}
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: reply}}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test")
	cfg.BaseURL = srv.URL
	return NewClientWithConfig(cfg).WithModel("base").WithPremiumModel("premium")
}

func TestExtractStructuredUsesJSONMode(t *testing.T) {
	rec := &recorded{}
	c := newTestClient(t, `{"analytes":[{"name":"Ferritin","value":"30"}]}`, rec)

	out, err := c.ExtractStructured(context.Background(), "Ferritin 30 ng/mL")
	require.NoError(t, err)
	assert.JSONEq(t, `{"analytes":[{"name":"Ferritin","value":"30"}]}`, string(out))
	require.NotNil(t, rec.req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, rec.req.ResponseFormat.Type)
	assert.Equal(t, "base", rec.req.Model)
}

func TestExtractStructuredRejectsInvalidJSON(t *testing.T) {
	c := newTestClient(t, "sorry, no", nil)
	_, err := c.ExtractStructured(context.Background(), "x")
	require.Error(t, err)
}

func TestGenerateReportPicksModel(t *testing.T) {
	rec := &recorded{}
	c := newTestClient(t, " report ", rec)

	out, err := c.GenerateReport(context.Background(), json.RawMessage(`{"analytes":[]}`), map[string]string{"age": "34"}, true)
	require.NoError(t, err)
	assert.Equal(t, "report", out)
	assert.Equal(t, "premium", rec.req.Model)
	assert.Contains(t, rec.req.Messages[1].Content, "- Age: 34")
	assert.Contains(t, rec.req.Messages[1].Content, "- Pregnancy: Not applicable")

	_, err = c.GenerateReport(context.Background(), nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "base", rec.req.Model)
}

func TestExtractImageTextSendsDataURL(t *testing.T) {
	rec := &recorded{}
	c := newTestClient(t, "Hemoglobin 120", rec)

	out, err := c.ExtractImageText(context.Background(), []byte{0xff, 0xd8}, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "Hemoglobin 120", out)
	parts := rec.req.Messages[1].MultiContent
	require.Len(t, parts, 2)
	assert.Equal(t, "data:image/jpeg;base64,/9g=", parts[1].ImageURL.URL)
}

func TestEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()
	cfg := openai.DefaultConfig("test")
	cfg.BaseURL = srv.URL
	c := NewClientWithConfig(cfg)

	_, err := c.Ask(context.Background(), "hi", false)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
