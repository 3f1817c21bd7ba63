package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"campaignd/campaign"
)

// Butler is the data-registry surface the campaign manager needs: value
// queries for the query splitter and chained-collection management for
// collect nodes.
type Butler interface {
	// QueryValues returns the distinct values of field among data ids
	// matching query.
	QueryValues(ctx context.Context, query, field string) ([]any, error)
	// CreateChain registers an empty chained collection.
	CreateChain(ctx context.Context, chain string) error
	// ExtendChain appends children to an existing chain, skipping ones
	// already present.
	ExtendChain(ctx context.Context, chain string, children []string) error
	// GetChain returns the chain's children in insertion order.
	GetChain(ctx context.Context, chain string) ([]string, error)
}

// HTTPButler talks to a Butler REST server.
type HTTPButler struct {
	baseURL string
	client  *http.Client
}

func NewHTTPButler(baseURL string) *HTTPButler {
	return &HTTPButler{
		baseURL: baseURL,
		client: &http.Client{
			// Timeout handled via context
		},
	}
}

func (b *HTTPButler) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return campaign.Errorf(campaign.ErrNotFound, "butler: %s", bytes.TrimSpace(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("butler returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (b *HTTPButler) QueryValues(ctx context.Context, query, field string) ([]any, error) {
	var out struct {
		Values []any `json:"values"`
	}
	err := b.post(ctx, "/query/values", map[string]any{
		"query": query,
		"field": field,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Values, nil
}

func (b *HTTPButler) CreateChain(ctx context.Context, chain string) error {
	return b.post(ctx, "/collections/chain", map[string]any{"name": chain}, nil)
}

func (b *HTTPButler) ExtendChain(ctx context.Context, chain string, children []string) error {
	return b.post(ctx, "/collections/chain/extend", map[string]any{
		"name":     chain,
		"children": children,
	}, nil)
}

func (b *HTTPButler) GetChain(ctx context.Context, chain string) ([]string, error) {
	var out struct {
		Children []string `json:"children"`
	}
	err := b.post(ctx, "/collections/chain/get", map[string]any{"name": chain}, &out)
	if err != nil {
		return nil, err
	}
	return out.Children, nil
}

// MemoryButler is an in-process Butler for tests and the shell launcher
// path. Safe for concurrent use.
type MemoryButler struct {
	mu sync.Mutex
	// dimension field -> values
	dimensions map[string][]any
	chains     map[string][]string
}

func NewMemoryButler() *MemoryButler {
	return &MemoryButler{
		dimensions: make(map[string][]any),
		chains:     make(map[string][]string),
	}
}

// SetValues seeds the distinct values of a dimension field.
func (b *MemoryButler) SetValues(field string, values ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dimensions[field] = values
}

func (b *MemoryButler) QueryValues(_ context.Context, query, field string) ([]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]any(nil), b.dimensions[field]...), nil
}

func (b *MemoryButler) CreateChain(_ context.Context, chain string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.chains[chain]; ok {
		return campaign.Errorf(campaign.ErrConflict, "chain %s already exists", chain)
	}
	b.chains[chain] = nil
	return nil
}

func (b *MemoryButler) ExtendChain(_ context.Context, chain string, children []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.chains[chain]
	if !ok {
		return campaign.Errorf(campaign.ErrNotFound, "chain %s not found", chain)
	}
	have := make(map[string]bool, len(cur))
	for _, c := range cur {
		have[c] = true
	}
	for _, c := range children {
		if !have[c] {
			cur = append(cur, c)
		}
	}
	b.chains[chain] = cur
	return nil
}

func (b *MemoryButler) GetChain(_ context.Context, chain string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.chains[chain]
	if !ok {
		return nil, campaign.Errorf(campaign.ErrNotFound, "chain %s not found", chain)
	}
	return append([]string(nil), cur...), nil
}

// Chains lists the registered chain names, sorted. Test helper.
func (b *MemoryButler) Chains() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.chains))
	for name := range b.chains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
