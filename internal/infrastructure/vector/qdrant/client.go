package qdrant

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/infrastructure/resilience"
)

// Distance names a Qdrant collection distance.
type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceEuclid Distance = "Euclid"
)

// Client implements ports.VectorIndex on a Qdrant collection. Points are
// keyed by a uuid derived from the chunk id, so re-inserting a chunk
// overwrites its point.
type Client struct {
	baseURL    string
	collection string
	distance   Distance
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, collection string, distance Distance, executor *resilience.Executor) *Client {
	if distance == "" {
		distance = DistanceCosine
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.Config{BreakerEnabled: false})
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		distance:   distance,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   executor,
	}
}

// PointID maps a chunk id to its Qdrant point id.
func PointID(chunkID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("chunk:"+chunkID))
}

func (c *Client) Insert(ctx context.Context, e domain.IndexEntry) (int64, error) {
	if e.ChunkID == "" || len(e.Vector) == 0 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "qdrant.insert", fmt.Errorf("chunk id and vector are required"))
	}
	if err := c.ensureCollection(ctx, len(e.Vector)); err != nil {
		return 0, err
	}

	id := PointID(e.ChunkID)
	reqBody := map[string]any{
		"points": []map[string]any{{
			"id":     id.String(),
			"vector": e.Vector,
			"payload": map[string]any{
				"chunk_id":    e.ChunkID,
				"document_id": e.DocumentID,
			},
		}},
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	if err := c.do(ctx, "qdrant.upsert", http.MethodPut, path, reqBody, nil); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(id[:8]) >> 1), nil
}

func (c *Client) Search(ctx context.Context, query []float32, k int, filter domain.IndexFilter) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	reqBody := map[string]any{
		"vector":       query,
		"limit":        k,
		"with_payload": true,
	}
	if len(filter.DocumentIDs) > 0 {
		reqBody["filter"] = map[string]any{
			"must": []map[string]any{
				{
					"key": "document_id",
					"match": map[string]any{
						"any": filter.DocumentIDs,
					},
				},
			},
		}
	}

	var searchResp struct {
		Result []struct {
			ID      string         `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if err := c.do(ctx, "qdrant.search", http.MethodPost, path, reqBody, &searchResp); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return []domain.ScoredChunk{}, nil
		}
		return nil, err
	}

	out := make([]domain.ScoredChunk, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		score := r.Score
		if c.distance == DistanceEuclid {
			score = 1 / (1 + r.Score)
		}
		out = append(out, domain.ScoredChunk{
			ChunkID:    getStringPayload(r.Payload, "chunk_id"),
			DocumentID: getStringPayload(r.Payload, "document_id"),
			Score:      score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (c *Client) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	points := make([]string, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		points = append(points, PointID(id).String())
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.collection)
	err := c.do(ctx, "qdrant.delete", http.MethodPost, path, map[string]any{"points": points}, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": string(c.distance),
		},
	}
	err := c.do(ctx, "qdrant.ensure_collection", http.MethodPut, "/collections/"+c.collection, reqBody, nil)
	var statusErr *StatusError
	// 409 if already exists (depends on version/config).
	if err != nil && !(errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict) {
		return err
	}
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
	return nil
}

type StatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("%s status: %s: %s", e.Operation, e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, operation, method, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", operation, err)
	}

	err = c.executor.Execute(ctx, operation, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &StatusError{
				Operation:  operation,
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       strings.TrimSpace(string(raw)),
			}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}, classifyQdrantError)
	if err != nil && classifyQdrantError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

func classifyQdrantError(err error) resilience.ErrorClassification {
	var statusErr *StatusError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	case errors.As(err, &statusErr):
		if statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
