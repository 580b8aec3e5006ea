package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"medscribe/internal/consultation"
	"medscribe/internal/errors"
	"medscribe/internal/logging"
	"medscribe/internal/usage"
)

const (
	ProviderAssemblyAI = "assemblyai"

	defaultAssemblyAIURL = "https://api.assemblyai.com"
)

// AssemblyAIConfig configures the diarizing transcription client.
type AssemblyAIConfig struct {
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64
	PollInterval      time.Duration
	HTTPClient        *http.Client
}

// AssemblyAIClient uploads audio, requests a speaker-labelled transcript and
// polls until it is ready.
type AssemblyAIClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	limiter      *rate.Limiter
	pollInterval time.Duration
}

func NewAssemblyAIClient(cfg AssemblyAIConfig) *AssemblyAIClient {
	c := &AssemblyAIClient{
		httpClient:   cfg.HTTPClient,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		limiter:      newLimiter(cfg.RequestsPerSecond),
		pollInterval: cfg.PollInterval,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.baseURL == "" {
		c.baseURL = defaultAssemblyAIURL
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 3 * time.Second
	}
	return c
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptRequest struct {
	AudioURL      string `json:"audio_url"`
	LanguageCode  string `json:"language_code"`
	SpeakerLabels bool   `json:"speaker_labels"`
	Punctuate     bool   `json:"punctuate"`
	FormatText    bool   `json:"format_text"`
}

type utterance struct {
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Confidence float64 `json:"confidence"`
}

type transcriptResponse struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	Text          string      `json:"text"`
	Confidence    float64     `json:"confidence"`
	AudioDuration float64     `json:"audio_duration"`
	Utterances    []utterance `json:"utterances"`
	Error         string      `json:"error"`
}

func (c *AssemblyAIClient) Transcribe(ctx context.Context, req consultation.TranscriptionRequest) (*consultation.Transcript, usage.Call, error) {
	call := usage.Call{
		Provider:     ProviderAssemblyAI,
		Model:        "best",
		RequestBytes: int64(len(req.Audio)),
		AudioSeconds: req.Duration.Seconds(),
	}
	logger := logging.NewLogger(ctx).WithFields(map[string]any{
		"provider":        ProviderAssemblyAI,
		"consultation_id": req.ConsultationID,
	})

	var uploaded uploadResponse
	n, err := c.do(ctx, http.MethodPost, "/v2/upload", "application/octet-stream", req.Audio, &uploaded)
	call.ResponseBytes += n
	if err != nil {
		return nil, call, err
	}

	body, err := json.Marshal(transcriptRequest{
		AudioURL:      uploaded.UploadURL,
		LanguageCode:  string(req.Language),
		SpeakerLabels: true,
		Punctuate:     true,
		FormatText:    true,
	})
	if err != nil {
		return nil, call, err
	}
	call.RequestBytes += int64(len(body))

	var job transcriptResponse
	n, err = c.do(ctx, http.MethodPost, "/v2/transcript", "application/json", body, &job)
	call.ResponseBytes += n
	if err != nil {
		return nil, call, err
	}
	logger.Debugf("transcript job %s queued", job.ID)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for job.Status != "completed" {
		if job.Status == "error" {
			return nil, call, errors.Validation("agent", "audio", "transcription rejected: %s", job.Error)
		}
		select {
		case <-ctx.Done():
			return nil, call, ctx.Err()
		case <-ticker.C:
		}
		n, err = c.do(ctx, http.MethodGet, "/v2/transcript/"+job.ID, "", nil, &job)
		call.ResponseBytes += n
		if err != nil {
			return nil, call, err
		}
	}

	if job.AudioDuration > 0 {
		call.AudioSeconds = job.AudioDuration
	}
	transcript := &consultation.Transcript{
		Language:   req.Language,
		Text:       strings.TrimSpace(job.Text),
		Confidence: job.Confidence,
	}
	for _, u := range job.Utterances {
		transcript.Segments = append(transcript.Segments, consultation.Segment{
			Speaker: u.Speaker,
			Text:    u.Text,
			StartMs: u.Start,
			EndMs:   u.End,
		})
	}
	if len(transcript.Segments) > 0 {
		AssignRoles(transcript.Segments)
	} else {
		transcript.Segments = SplitByKeywords(transcript.Text)
	}

	logger.Infof("transcript ready: %d segments", len(transcript.Segments))
	return transcript, call, nil
}

// do performs one authenticated request and decodes the JSON reply into out.
// It returns the number of response bytes read.
func (c *AssemblyAIClient) do(ctx context.Context, method, path, contentType string, body []byte, out any) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, classifyTransport(ProviderAssemblyAI, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, classifyTransport(ProviderAssemblyAI, err)
	}
	n := int64(len(respBody))
	if resp.StatusCode/100 != 2 {
		return n, classifyStatus(ProviderAssemblyAI, resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return n, errors.Transient("agent", ProviderAssemblyAI, fmt.Errorf("decode response: %w", err))
	}
	return n, nil
}
