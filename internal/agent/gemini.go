package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"medscribe/internal/errors"
	"medscribe/internal/usage"
)

const (
	ProviderGemini = "gemini"

	defaultGeminiModel = "gemini-2.5-flash"
)

type GeminiConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

type GeminiClient struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
}

func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	clientCfg := &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  strings.TrimSpace(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{client: client, model: model, limiter: newLimiter(cfg.RequestsPerSecond)}, nil
}

func (c *GeminiClient) Provider() string { return ProviderGemini }

func (c *GeminiClient) GenerateJSON(ctx context.Context, req JSONRequest, out any) (usage.Call, error) {
	call := usage.Call{
		Provider:     ProviderGemini,
		Model:        c.model,
		RequestBytes: int64(len(req.Instructions) + len(req.Input)),
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return call, err
	}

	temperature := float32(0.2)
	config := &genai.GenerateContentConfig{
		SystemInstruction:  genai.NewContentFromText(req.Instructions, genai.RoleUser),
		Temperature:        &temperature,
		ResponseMIMEType:   "application/json",
		ResponseJsonSchema: req.Schema,
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Input, genai.RoleUser)}

	response, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return call, classifyGemini(err)
	}
	if response.UsageMetadata != nil {
		call.InputTokens = int64(response.UsageMetadata.PromptTokenCount)
		call.OutputTokens = int64(response.UsageMetadata.CandidatesTokenCount)
	}

	text := strings.TrimSpace(response.Text())
	call.ResponseBytes = int64(len(text))
	if text == "" {
		return call, errors.Transient("agent", ProviderGemini, fmt.Errorf("response output is empty"))
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return call, errors.Transient("agent", ProviderGemini, fmt.Errorf("decode structured output: %w", err))
	}
	return call, nil
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(ProviderGemini, apiErr.Code, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return classifyStatus(ProviderGemini, apiErrPtr.Code, apiErrPtr.Message)
	}
	return classifyTransport(ProviderGemini, err)
}
