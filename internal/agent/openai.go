package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
	"golang.org/x/time/rate"

	"medscribe/internal/consultation"
	"medscribe/internal/errors"
	"medscribe/internal/logging"
	"medscribe/internal/usage"
)

const (
	ProviderOpenAI  = "openai"
	ProviderWhisper = "whisper"

	defaultOpenAIModel     = "gpt-4o-mini"
	defaultTranscribeModel = "whisper-1"
)

type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	TranscribeModel   string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// OpenAIClient serves both structured generation through the Responses API
// and Whisper transcription.
type OpenAIClient struct {
	api             openai.Client
	model           string
	transcribeModel string
	limiter         *rate.Limiter
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	c := &OpenAIClient{
		api:             openai.NewClient(opts...),
		model:           cfg.Model,
		transcribeModel: cfg.TranscribeModel,
		limiter:         newLimiter(cfg.RequestsPerSecond),
	}
	if c.model == "" {
		c.model = defaultOpenAIModel
	}
	if c.transcribeModel == "" {
		c.transcribeModel = defaultTranscribeModel
	}
	return c
}

func (c *OpenAIClient) Provider() string { return ProviderOpenAI }

func (c *OpenAIClient) GenerateJSON(ctx context.Context, req JSONRequest, out any) (usage.Call, error) {
	call := usage.Call{
		Provider:     ProviderOpenAI,
		Model:        c.model,
		RequestBytes: int64(len(req.Instructions) + len(req.Input)),
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return call, err
	}

	params := responses.ResponseNewParams{
		Model:        shared.ResponsesModel(c.model),
		Instructions: openai.String(req.Instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: responses.ResponseInputParam{
				responses.ResponseInputItemParamOfMessage(req.Input, responses.EasyInputMessageRoleUser),
			},
		},
		Temperature: openai.Float(0.2),
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   req.SchemaName,
					Schema: req.Schema,
					Strict: openai.Bool(true),
				},
			},
		},
	}

	response, err := c.api.Responses.New(ctx, params)
	if err != nil {
		return call, classifyOpenAI(err)
	}
	call.InputTokens = response.Usage.InputTokens
	call.OutputTokens = response.Usage.OutputTokens

	output := strings.TrimSpace(response.OutputText())
	call.ResponseBytes = int64(len(output))
	if output == "" {
		return call, errors.Transient("agent", ProviderOpenAI, fmt.Errorf("response output is empty"))
	}
	if err := json.Unmarshal([]byte(output), out); err != nil {
		return call, errors.Transient("agent", ProviderOpenAI, fmt.Errorf("decode structured output: %w", err))
	}
	return call, nil
}

// Transcribe sends the audio to Whisper. Whisper does not diarize, so
// segments come from keyword-based sentence separation.
func (c *OpenAIClient) Transcribe(ctx context.Context, req consultation.TranscriptionRequest) (*consultation.Transcript, usage.Call, error) {
	call := usage.Call{
		Provider:     ProviderWhisper,
		Model:        c.transcribeModel,
		RequestBytes: int64(len(req.Audio)),
		AudioSeconds: req.Duration.Seconds(),
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, call, err
	}

	format := req.Format
	if format == "" {
		format = "wav"
	}
	params := openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(req.Audio), "consultation."+format, "audio/"+format),
		Model:          openai.AudioModel(c.transcribeModel),
		Language:       openai.String(string(req.Language)),
		ResponseFormat: openai.AudioResponseFormatJSON,
	}
	response, err := c.api.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, call, classifyOpenAI(err)
	}

	text := strings.TrimSpace(response.Text)
	call.ResponseBytes = int64(len(text))
	logging.NewLogger(ctx).WithFields(map[string]any{
		"provider":        ProviderWhisper,
		"consultation_id": req.ConsultationID,
	}).Infof("transcript ready: %d chars", len(text))

	return &consultation.Transcript{
		Language: req.Language,
		Text:     text,
		Segments: SplitByKeywords(text),
	}, call, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(ProviderOpenAI, apiErr.StatusCode, apiErr.Message)
	}
	return classifyTransport(ProviderOpenAI, err)
}
