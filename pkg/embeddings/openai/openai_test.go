package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newEmbedServer fakes the embeddings endpoint, recording the size of each
// request batch and answering with one vector per input.
func newEmbedServer(t *testing.T, batchSizes *[]int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input any    `json:"input"`
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		n := 1
		if arr, ok := req.Input.([]any); ok {
			n = len(arr)
		}
		*batchSizes = append(*batchSizes, n)

		type datum struct {
			Object    string    `json:"object"`
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		}
		resp := struct {
			Object string  `json:"object"`
			Data   []datum `json:"data"`
			Model  string  `json:"model"`
		}{Object: "list", Model: req.Model}
		for i := 0; i < n; i++ {
			resp.Data = append(resp.Data, datum{Object: "embedding", Embedding: []float64{float64(i), 0.5}, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("New with empty key = nil error")
	}
}

func TestEmbed_SingleLine(t *testing.T) {
	var sizes []int
	srv := newEmbedServer(t, &sizes)
	defer srv.Close()

	p, err := New("sk-test", "", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vec, err := p.Embed(context.Background(), "remember the picnic")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("vector length = %d, want 2", len(vec))
	}
	if len(sizes) != 1 || sizes[0] != 1 {
		t.Errorf("request batch sizes = %v, want [1]", sizes)
	}
}

func TestEmbedBatch_SplitsLargeBatches(t *testing.T) {
	var sizes []int
	srv := newEmbedServer(t, &sizes)
	defer srv.Close()

	p, err := New("sk-test", "", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	texts := make([]string, 600)
	for i := range texts {
		texts[i] = "line"
	}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 600 {
		t.Fatalf("vectors = %d, want 600", len(vecs))
	}
	want := []int{256, 256, 88}
	if len(sizes) != len(want) {
		t.Fatalf("request batch sizes = %v, want %v", sizes, want)
	}
	for i, n := range want {
		if sizes[i] != n {
			t.Errorf("batch %d size = %d, want %d", i, sizes[i], n)
		}
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("EmbedBatch(nil) = %v, %v; want nil, nil", vecs, err)
	}
}

func TestDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"some-future-model", 1536},
	}
	for _, tc := range tests {
		p, err := New("sk-test", tc.model)
		if err != nil {
			t.Fatalf("New(%q): %v", tc.model, err)
		}
		if got := p.Dimensions(); got != tc.want {
			t.Errorf("Dimensions(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}
