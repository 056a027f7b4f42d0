package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pulsewire/platform/pkg/common/config"
	"github.com/pulsewire/platform/pkg/common/httpclient"
	"github.com/pulsewire/platform/pkg/common/models"
)

// LanguageScore is one candidate returned by dominant-language detection.
type LanguageScore struct {
	Code  string  `json:"code"`
	Score float64 `json:"score"`
}

// Entity is one entity mention returned by entity detection.
type Entity struct {
	Text  string  `json:"text"`
	Type  string  `json:"type"`
	Score float64 `json:"score"`
}

// Sentiment is the result of sentiment detection.
type Sentiment struct {
	Label  string                 `json:"label"`
	Scores models.SentimentScores `json:"scores"`
}

// Detector is the external NLP service boundary. Calls are synchronous and
// independently retryable.
type Detector interface {
	DetectDominantLanguage(ctx context.Context, text string) ([]LanguageScore, error)
	DetectEntities(ctx context.Context, text, lang string) ([]Entity, error)
	DetectSentiment(ctx context.Context, text, lang string) (Sentiment, error)
}

// HTTPDetector talks to the NLP service over JSON HTTP.
type HTTPDetector struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPDetector(cfg *config.Config) *HTTPDetector {
	return &HTTPDetector{
		baseURL: cfg.NLPBaseURL,
		apiKey:  cfg.NLPAPIKey,
		client:  httpclient.New(cfg.NLPRequestTimeout),
	}
}

func (d *HTTPDetector) DetectDominantLanguage(ctx context.Context, text string) ([]LanguageScore, error) {
	var out struct {
		Languages []LanguageScore `json:"languages"`
	}
	if err := d.post(ctx, "/v1/language", map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	return out.Languages, nil
}

func (d *HTTPDetector) DetectEntities(ctx context.Context, text, lang string) ([]Entity, error) {
	var out struct {
		Entities []Entity `json:"entities"`
	}
	if err := d.post(ctx, "/v1/entities", map[string]string{"text": text, "lang": lang}, &out); err != nil {
		return nil, err
	}
	return out.Entities, nil
}

func (d *HTTPDetector) DetectSentiment(ctx context.Context, text, lang string) (Sentiment, error) {
	var out Sentiment
	if err := d.post(ctx, "/v1/sentiment", map[string]string{"text": text, "lang": lang}, &out); err != nil {
		return Sentiment{}, err
	}
	return out, nil
}

func (d *HTTPDetector) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling nlp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &httpclient.StatusError{URL: d.baseURL + path, Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
