package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// NanoBananaProvider calls the NanoBanana image/text generation API. The
// call is synchronous from the client's point of view; long-poll style
// waits are bounded by the request context.
type NanoBananaProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

func NewNanoBananaProvider(baseURL, apiKey, model string) *NanoBananaProvider {
	if baseURL == "" {
		baseURL = "https://api.nanobanana.dev/v1"
	}
	if model == "" {
		model = "nanobanana-image-1"
	}
	return &NanoBananaProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type nanoGenReq struct {
	Model       string            `json:"model"`
	Prompt      string            `json:"prompt"`
	CharacterID string            `json:"character_id,omitempty"`
	Specs       map[string]string `json:"specs,omitempty"`
}

type nanoGenResp struct {
	Data []struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
		Text     string `json:"text"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

func (p *NanoBananaProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	if p.Client == nil {
		return nil, errors.New("nanobanana: http client is nil")
	}

	model := req.Model
	if model == "" {
		model = p.Model
	}
	body := nanoGenReq{
		Model:       model,
		Prompt:      req.Prompt,
		CharacterID: req.CharacterID,
		Specs:       req.Specs,
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/generations", p.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("nanobanana: status %d", resp.StatusCode)
	}

	var decoded nanoGenResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Error != "" {
		return nil, errors.New(decoded.Error)
	}
	if len(decoded.Data) == 0 {
		return nil, errors.New("nanobanana: empty response")
	}

	d := decoded.Data[0]
	return &Result{ImageURL: d.URL, MimeType: d.MimeType, Text: d.Text}, nil
}
