// Package es provides the single chokepoint for Elasticsearch access:
// connection lifecycle, search, bulk updates, kNN retrieval, aggregations,
// and deep pagination over the planning applications index.
package es

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// ErrNotFound indicates an absent document id.
var ErrNotFound = errors.New("document not found")

// ErrConnectionUnavailable indicates the cluster could not be reached after
// the maximum number of reconnect attempts.
var ErrConnectionUnavailable = errors.New("elasticsearch connection unavailable")

// Config holds client settings.
type Config struct {
	Node                 string
	Username             string
	Password             string
	Index                string
	RequestTimeout       time.Duration
	MaxRetries           int
	MaxReconnectAttempts int
	MaxConnsPerHost      int
	HealthInterval       time.Duration
}

// Client wraps the official Elasticsearch client with typed operations over
// a single index. Safe for concurrent use.
type Client struct {
	es     *elasticsearch.Client
	cfg    Config
	logger *observability.Logger

	mu          sync.Mutex
	connected   bool
	lastHealthy time.Time
}

// Gateway is the interface consumed by the search service and pipelines.
type Gateway interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
	Get(ctx context.Context, id string) (json.RawMessage, error)
	Index(ctx context.Context, id string, doc any, refresh bool) error
	Update(ctx context.Context, id string, partial map[string]any, refresh bool) error
	BulkUpdate(ctx context.Context, ops []BulkOp, chunkSize int) (*BulkResult, error)
	Count(ctx context.Context, query map[string]any) (int64, error)
	SearchAfter(ctx context.Context, req SearchRequest, cursor []any) (*SearchResponse, error)
	Refresh(ctx context.Context) error
	HealthCheck(ctx context.Context) (*Health, error)
}

var _ Gateway = (*Client)(nil)

// SearchRequest is the typed body handed to Search.
type SearchRequest struct {
	Query          map[string]any
	KNN            map[string]any
	Aggs           map[string]any
	Sort           []map[string]any
	From           int
	Size           *int
	SourceIncludes []string
	SourceExcludes []string
	SearchAfter    []any
	TrackTotalHits bool
}

// SearchResponse is the decoded search reply.
type SearchResponse struct {
	Took         int                        `json:"took"`
	Hits         Hits                       `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations,omitempty"`
}

// Hits is the hit envelope of a search response.
type Hits struct {
	Total TotalHits `json:"total"`
	Hits  []Hit     `json:"hits"`
}

// TotalHits carries the hit count.
type TotalHits struct {
	Value    int64  `json:"value"`
	Relation string `json:"relation"`
}

// Hit is a single search hit.
type Hit struct {
	ID     string          `json:"_id"`
	Score  *float64        `json:"_score"`
	Source json.RawMessage `json:"_source"`
	Sort   []any           `json:"sort,omitempty"`
}

// BulkOp is one partial-document update within a bulk request. The order of
// the ops slice dictates the write order; the client never reorders it.
type BulkOp struct {
	ID  string
	Doc map[string]any
}

// BulkResult summarizes a bulk update.
type BulkResult struct {
	Success     int
	Failed      int
	FailedItems []BulkItemError
}

// BulkItemError describes a per-item bulk failure. Per-item failures are
// surfaced, not retried.
type BulkItemError struct {
	ID     string
	Status int
	Reason string
}

// Health reports cluster status and index existence.
type Health struct {
	ClusterStatus string
	IndexExists   bool
}

// NewClient builds an Elasticsearch client. Connect must be called before
// issuing requests.
func NewClient(cfg Config, logger *observability.Logger) (*Client, error) {
	if cfg.Node == "" {
		return nil, fmt.Errorf("elasticsearch node is required")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("elasticsearch index is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 3
	}
	if cfg.MaxConnsPerHost < 10 {
		cfg.MaxConnsPerHost = 10
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		ResponseHeaderTimeout: cfg.RequestTimeout,
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:           []string{cfg.Node},
		Username:            cfg.Username,
		Password:            cfg.Password,
		Transport:           transport,
		CompressRequestBody: true,
		MaxRetries:          cfg.MaxRetries,
		RetryOnStatus:       []int{429, 502, 503, 504},
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	return &Client{
		es:     es,
		cfg:    cfg,
		logger: logger.WithComponent("es"),
	}, nil
}

// Connect verifies the cluster is reachable and marks the client connected.
func (c *Client) Connect(ctx context.Context) error {
	health, err := c.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("initial health check: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.lastHealthy = time.Now()
	c.mu.Unlock()

	c.logger.Info().
		Str("cluster_status", health.ClusterStatus).
		Bool("index_exists", health.IndexExists).
		Str("index", c.cfg.Index).
		Msg("connected to elasticsearch")
	return nil
}

// ensureConnected reconnects with a bounded attempt count when the sentinel
// is down. The full health check is not run on the hot path; only on startup,
// after a marked failure, or when the periodic interval elapses.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	healthy := c.connected && (c.cfg.HealthInterval <= 0 || time.Since(c.lastHealthy) < c.cfg.HealthInterval)
	c.mu.Unlock()
	if healthy {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxReconnectAttempts; attempt++ {
		if _, err := c.HealthCheck(ctx); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
			continue
		}
		c.mu.Lock()
		c.connected = true
		c.lastHealthy = time.Now()
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrConnectionUnavailable, lastErr)
}

// markFailure records a transport-level failure so that the next call
// re-checks the connection.
func (c *Client) markFailure() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Search executes a search request against the index.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildSearchBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	opts := []func(*esapi.SearchRequest){
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.cfg.Index),
		c.es.Search.WithBody(bytes.NewReader(body)),
	}
	if req.TrackTotalHits {
		opts = append(opts, c.es.Search.WithTrackTotalHits(true))
	}

	res, err := c.es.Search(opts...)
	if err != nil {
		c.markFailure()
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, c.responseError("search", res)
	}

	var sr SearchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &sr, nil
}

// buildSearchBody assembles the JSON search body from a SearchRequest.
func buildSearchBody(req SearchRequest) map[string]any {
	body := map[string]any{}
	if req.Query != nil {
		body["query"] = req.Query
	}
	if req.KNN != nil {
		body["knn"] = req.KNN
	}
	if req.Aggs != nil {
		body["aggs"] = req.Aggs
	}
	if len(req.Sort) > 0 {
		body["sort"] = req.Sort
	}
	if req.From > 0 {
		body["from"] = req.From
	}
	if req.Size != nil {
		body["size"] = *req.Size
	}
	if len(req.SearchAfter) > 0 {
		body["search_after"] = req.SearchAfter
	}
	src := map[string]any{}
	if len(req.SourceIncludes) > 0 {
		src["includes"] = req.SourceIncludes
	}
	if len(req.SourceExcludes) > 0 {
		src["excludes"] = req.SourceExcludes
	}
	if len(src) > 0 {
		body["_source"] = src
	}
	return body
}

// Get fetches a document by id. Returns ErrNotFound for absent ids.
func (c *Client) Get(ctx context.Context, id string) (json.RawMessage, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	res, err := c.es.Get(c.cfg.Index, id, c.es.Get.WithContext(ctx))
	if err != nil {
		c.markFailure()
		return nil, fmt.Errorf("get request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if res.IsError() {
		return nil, c.responseError("get", res)
	}

	var envelope struct {
		Source json.RawMessage `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode get response: %w", err)
	}
	return envelope.Source, nil
}

// Index writes a full document under the given id.
func (c *Client) Index(ctx context.Context, id string, doc any, refresh bool) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	opts := []func(*esapi.IndexRequest){
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(id),
	}
	if refresh {
		opts = append(opts, c.es.Index.WithRefresh("true"))
	}

	res, err := c.es.Index(c.cfg.Index, bytes.NewReader(body), opts...)
	if err != nil {
		c.markFailure()
		return fmt.Errorf("index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return c.responseError("index", res)
	}
	return nil
}

// Update applies a partial document to an existing record. Never creates:
// doc_as_upsert stays false so unknown ids surface as errors. The updated_at
// stamp is always set.
func (c *Client) Update(ctx context.Context, id string, partial map[string]any, refresh bool) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	doc := make(map[string]any, len(partial)+1)
	for k, v := range partial {
		doc[k] = v
	}
	doc["updated_at"] = time.Now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(map[string]any{
		"doc":           doc,
		"doc_as_upsert": false,
	})
	if err != nil {
		return fmt.Errorf("marshal update body: %w", err)
	}

	opts := []func(*esapi.UpdateRequest){
		c.es.Update.WithContext(ctx),
	}
	if refresh {
		opts = append(opts, c.es.Update.WithRefresh("true"))
	}

	res, err := c.es.Update(c.cfg.Index, id, bytes.NewReader(body), opts...)
	if err != nil {
		c.markFailure()
		return fmt.Errorf("update request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if res.IsError() {
		return c.responseError("update", res)
	}
	return nil
}

// BulkUpdate applies partial-document updates in NDJSON chunks. Transient
// cluster errors are retried with exponential backoff (2s initial, 600s max,
// 3 retries); per-item failures are collected and returned, never retried.
func (c *Client) BulkUpdate(ctx context.Context, ops []BulkOp, chunkSize int) (*BulkResult, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = 500
	}

	result := &BulkResult{}
	for start := 0; start < len(ops); start += chunkSize {
		end := start + chunkSize
		if end > len(ops) {
			end = len(ops)
		}
		if err := c.bulkChunk(ctx, ops[start:end], result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (c *Client) bulkChunk(ctx context.Context, ops []BulkOp, result *BulkResult) error {
	var buf bytes.Buffer
	stamp := time.Now().UTC().Format(time.RFC3339)
	for _, op := range ops {
		action, err := json.Marshal(map[string]any{"update": map[string]any{"_id": op.ID}})
		if err != nil {
			return fmt.Errorf("marshal bulk action: %w", err)
		}
		doc := make(map[string]any, len(op.Doc)+1)
		for k, v := range op.Doc {
			doc[k] = v
		}
		doc["updated_at"] = stamp
		payload, err := json.Marshal(map[string]any{"doc": doc})
		if err != nil {
			return fmt.Errorf("marshal bulk doc: %w", err)
		}
		buf.Write(action)
		buf.WriteByte('\n')
		buf.Write(payload)
		buf.WriteByte('\n')
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 600 * time.Second
	policy.MaxElapsedTime = 0

	operation := func() error {
		res, err := c.es.Bulk(bytes.NewReader(buf.Bytes()),
			c.es.Bulk.WithContext(ctx),
			c.es.Bulk.WithIndex(c.cfg.Index),
		)
		if err != nil {
			c.markFailure()
			return fmt.Errorf("bulk request: %w", err)
		}
		defer res.Body.Close()

		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusServiceUnavailable {
			return c.responseError("bulk", res)
		}
		if res.IsError() {
			return backoff.Permanent(c.responseError("bulk", res))
		}
		return c.decodeBulkItems(res.Body, result)
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx))
}

func (c *Client) decodeBulkItems(body io.Reader, result *BulkResult) error {
	var reply struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(body).Decode(&reply); err != nil {
		return backoff.Permanent(fmt.Errorf("decode bulk response: %w", err))
	}

	for _, item := range reply.Items {
		for _, op := range item {
			if op.Error != nil || op.Status >= 400 {
				reason := ""
				if op.Error != nil {
					reason = op.Error.Reason
				}
				result.Failed++
				result.FailedItems = append(result.FailedItems, BulkItemError{
					ID:     op.ID,
					Status: op.Status,
					Reason: reason,
				})
			} else {
				result.Success++
			}
		}
	}
	return nil
}

// Count returns the number of documents matching the query (all documents
// when query is nil).
func (c *Client) Count(ctx context.Context, query map[string]any) (int64, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return 0, err
	}

	opts := []func(*esapi.CountRequest){
		c.es.Count.WithContext(ctx),
		c.es.Count.WithIndex(c.cfg.Index),
	}
	if query != nil {
		body, err := json.Marshal(map[string]any{"query": query})
		if err != nil {
			return 0, fmt.Errorf("marshal count body: %w", err)
		}
		opts = append(opts, c.es.Count.WithBody(bytes.NewReader(body)))
	}

	res, err := c.es.Count(opts...)
	if err != nil {
		c.markFailure()
		return 0, fmt.Errorf("count request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return 0, c.responseError("count", res)
	}

	var reply struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&reply); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return reply.Count, nil
}

// SearchAfter runs one page of a deep-pagination sweep, resuming from cursor
// when non-nil. Callers read the next cursor from the last hit's Sort values.
func (c *Client) SearchAfter(ctx context.Context, req SearchRequest, cursor []any) (*SearchResponse, error) {
	req.SearchAfter = cursor
	req.From = 0
	return c.Search(ctx, req)
}

// Refresh forces an index refresh so recent writes become searchable.
func (c *Client) Refresh(ctx context.Context) error {
	res, err := c.es.Indices.Refresh(
		c.es.Indices.Refresh.WithContext(ctx),
		c.es.Indices.Refresh.WithIndex(c.cfg.Index),
	)
	if err != nil {
		return fmt.Errorf("refresh request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return c.responseError("refresh", res)
	}
	return nil
}

// HealthCheck reports cluster status and index existence.
func (c *Client) HealthCheck(ctx context.Context) (*Health, error) {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("cluster health: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, c.responseError("cluster health", res)
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode cluster health: %w", err)
	}

	exists, err := c.es.Indices.Exists([]string{c.cfg.Index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("index exists: %w", err)
	}
	defer exists.Body.Close()

	return &Health{
		ClusterStatus: health.Status,
		IndexExists:   exists.StatusCode == http.StatusOK,
	}, nil
}

// responseError converts an ES error response into a Go error, draining the
// body so connections are reused.
func (c *Client) responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	return fmt.Errorf("%s: elasticsearch returned %s: %s", op, res.Status(), string(body))
}
