package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// QdrantIndex implements VectorIndex against a Qdrant-compatible REST API.
// Collections map 1:1 to Qdrant collections; points carry a payload used
// for both metadata filters and the stored document text.
type QdrantIndex struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	ensured    map[string]bool
}

func NewQdrantIndex(baseURL, apiKey string) *QdrantIndex {
	return &QdrantIndex{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		ensured:    make(map[string]bool),
	}
}

func (q *QdrantIndex) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant transport error: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant error (status %d): %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, collection string, dim int) error {
	if q.ensured[collection] {
		return nil
	}
	body := map[string]interface{}{
		"vectors": map[string]interface{}{"size": dim, "distance": "Cosine"},
	}
	if _, err := q.do(ctx, http.MethodPut, "/collections/"+collection, body); err != nil {
		return err
	}
	q.ensured[collection] = true
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, collection string, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx, collection, len(records[0].Vector)); err != nil {
		return err
	}
	points := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		payload := map[string]interface{}{"document": r.Document}
		for k, v := range r.Metadata {
			payload[k] = v
		}
		points = append(points, map[string]interface{}{
			"id":      r.ID,
			"vector":  r.Vector,
			"payload": payload,
		})
	}
	_, err := q.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", map[string]interface{}{"points": points})
	return err
}

type qdrantSearchHit struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantSearchHit `json:"result"`
}

func (q *QdrantIndex) Query(ctx context.Context, collection string, vector []float32, k int, filter *Filter) ([]Match, error) {
	if k <= 0 {
		k = 10
	}
	body := map[string]interface{}{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
		"with_vector":  true,
	}
	if filter != nil && len(filter.Equals) > 0 {
		must := make([]map[string]interface{}, 0, len(filter.Equals))
		for k, v := range filter.Equals {
			must = append(must, map[string]interface{}{"key": k, "match": map[string]interface{}{"value": v}})
		}
		body["filter"] = map[string]interface{}{"must": must}
	}
	data, err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body)
	if err != nil {
		return nil, err
	}
	var resp qdrantSearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode qdrant search response: %w", err)
	}
	matches := make([]Match, 0, len(resp.Result))
	for _, hit := range resp.Result {
		doc, _ := hit.Payload["document"].(string)
		delete(hit.Payload, "document")
		matches = append(matches, Match{
			Record: Record{ID: hit.ID, Vector: hit.Vector, Document: doc, Metadata: hit.Payload},
			Score:  hit.Score,
		})
	}
	return matches, nil
}

func (q *QdrantIndex) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", map[string]interface{}{"points": ids})
	return err
}

type qdrantGetResponse struct {
	Result []qdrantSearchHit `json:"result"`
}

func (q *QdrantIndex) Get(ctx context.Context, collection string, id string) (*Record, error) {
	data, err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points", map[string]interface{}{
		"ids":          []string{id},
		"with_payload": true,
		"with_vector":  true,
	})
	if err != nil {
		return nil, err
	}
	var resp qdrantGetResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode qdrant get response: %w", err)
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	hit := resp.Result[0]
	doc, _ := hit.Payload["document"].(string)
	delete(hit.Payload, "document")
	return &Record{ID: hit.ID, Vector: hit.Vector, Document: doc, Metadata: hit.Payload}, nil
}
