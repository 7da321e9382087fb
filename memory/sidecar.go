package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Mem0Sidecar implements ExternalMemory against a mem0-shaped REST API
// (`memory_config.provider = "mem0"`): a thin client over the provider's
// add/search endpoints, with transport and decode errors wrapped distinctly.
//
// A sidecar failure never fails the primary memory path (Store logs and
// continues) — see Store.SaveShortTerm/SaveLongTerm/SearchLongTerm.
type Mem0Sidecar struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewMem0Sidecar(baseURL, apiKey string) *Mem0Sidecar {
	return &Mem0Sidecar{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (m *Mem0Sidecar) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal mem0 request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build mem0 request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mem0 transport error: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read mem0 response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mem0 error (status %d): %s", resp.StatusCode, string(data))
	}
	return data, nil
}

type mem0AddRequest struct {
	UserID   string                 `json:"user_id"`
	Messages []mem0Message          `json:"messages"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type mem0Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (m *Mem0Sidecar) Save(ctx context.Context, userID string, kind Kind, content string, metadata map[string]interface{}) error {
	meta := cloneMeta(metadata)
	meta["kind"] = string(kind)
	_, err := m.do(ctx, http.MethodPost, "/v1/memories", mem0AddRequest{
		UserID:   userID,
		Messages: []mem0Message{{Role: "user", Content: content}},
		Metadata: meta,
	})
	return err
}

type mem0SearchResponse struct {
	Results []struct {
		ID        string                 `json:"id"`
		Memory    string                 `json:"memory"`
		Metadata  map[string]interface{} `json:"metadata"`
		Score     float64                `json:"score"`
		CreatedAt string                 `json:"created_at"`
	} `json:"results"`
}

func (m *Mem0Sidecar) Search(ctx context.Context, userID, query string, k int) ([]Record, error) {
	data, err := m.do(ctx, http.MethodPost, "/v1/memories/search", map[string]interface{}{
		"user_id": userID,
		"query":   query,
		"limit":   k,
	})
	if err != nil {
		return nil, err
	}
	var resp mem0SearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode mem0 search response: %w", err)
	}
	records := make([]Record, 0, len(resp.Results))
	for _, hit := range resp.Results {
		id := hit.ID
		if id == "" {
			id = uuid.New().String()
		}
		rec := Record{ID: id, Kind: KindLongTerm, Content: hit.Memory, Metadata: hit.Metadata, Score: hit.Score}
		if ts, err := time.Parse(time.RFC3339, hit.CreatedAt); err == nil {
			rec.CreatedAt = ts
		}
		records = append(records, rec)
	}
	return records, nil
}
