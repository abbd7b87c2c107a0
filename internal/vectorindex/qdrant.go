package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

var errQdrantNotFound = errors.New("qdrant: not found")

type QdrantConfig struct {
	URL        string
	APIKey     string
	Prefix     string
	Dimensions int
	Timeout    time.Duration
}

// Qdrant talks to the Qdrant REST API with one collection per owner.
// Collections are created on first write with cosine distance.
type Qdrant struct {
	url    string
	apiKey string
	prefix string
	dims   int
	client *http.Client

	ready sync.Map // collection name -> struct{}
}

func NewQdrant(cfg QdrantConfig) *Qdrant {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Qdrant{
		url:    strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		prefix: cfg.Prefix,
		dims:   cfg.Dimensions,
		client: &http.Client{Timeout: timeout},
	}
}

func (q *Qdrant) Name() string { return "qdrant" }

func (q *Qdrant) ensureCollection(ctx context.Context, name string) error {
	if _, ok := q.ready.Load(name); ok {
		return nil
	}
	err := q.do(ctx, http.MethodGet, "/collections/"+name, nil, nil)
	if errors.Is(err, errQdrantNotFound) {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     q.dims,
				"distance": "Cosine",
			},
		}
		err = q.do(ctx, http.MethodPut, "/collections/"+name, body, nil)
	}
	if err != nil {
		return fmt.Errorf("ensure qdrant collection %s failed: %w", name, err)
	}
	q.ready.Store(name, struct{}{})
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, scope string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	name, err := ScopeName(q.prefix, scope)
	if err != nil {
		return err
	}
	if err := q.ensureCollection(ctx, name); err != nil {
		return err
	}

	points := make([]map[string]any, len(items))
	for i, it := range items {
		if q.dims > 0 && len(it.Vector) != q.dims {
			return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(it.Vector), q.dims)
		}
		payload := copyMetadata(it.Metadata)
		if payload == nil {
			payload = map[string]any{}
		}
		payload["document_id"] = it.DocumentID
		points[i] = map[string]any{
			"id":      it.ID,
			"vector":  it.Vector,
			"payload": payload,
		}
	}
	if err := q.do(ctx, http.MethodPut, "/collections/"+name+"/points?wait=true", map[string]any{"points": points}, nil); err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

func (q *Qdrant) Search(ctx context.Context, scope string, vector []float32, k int, filter Filter) ([]Match, error) {
	name, err := ScopeName(q.prefix, scope)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = DefaultK
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	if len(filter.DocumentIDs) > 0 {
		req["filter"] = map[string]any{
			"must": []map[string]any{{
				"key":   "document_id",
				"match": map[string]any{"any": filter.DocumentIDs},
			}},
		}
	}

	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	err = q.do(ctx, http.MethodPost, "/collections/"+name+"/points/search", req, &resp)
	if errors.Is(err, errQdrantNotFound) {
		// owner has never ingested anything
		return []Match{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	matches := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		m := Match{ID: fmt.Sprint(r.ID), Score: r.Score, Metadata: r.Payload}
		if v, ok := r.Payload["document_id"].(string); ok {
			m.DocumentID = v
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (q *Qdrant) Delete(ctx context.Context, scope string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	name, err := ScopeName(q.prefix, scope)
	if err != nil {
		return err
	}
	err = q.do(ctx, http.MethodPost, "/collections/"+name+"/points/delete?wait=true", map[string]any{"points": ids}, nil)
	if err != nil && !errors.Is(err, errQdrantNotFound) {
		return fmt.Errorf("qdrant delete failed: %w", err)
	}
	return nil
}

func (q *Qdrant) DropScope(ctx context.Context, scope string) error {
	name, err := ScopeName(q.prefix, scope)
	if err != nil {
		return err
	}
	err = q.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil)
	q.ready.Delete(name)
	if err != nil && !errors.Is(err, errQdrantNotFound) {
		return fmt.Errorf("qdrant drop collection failed: %w", err)
	}
	return nil
}

func (q *Qdrant) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.url+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errQdrantNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("qdrant %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
