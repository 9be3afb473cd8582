package memory

import (
	"context"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wardenhq/warden/internal/errsig"
)

// Embedder turns text into vectors. The gateway treats the embedding
// model as an external collaborator behind this interface.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dims is the vector dimensionality this embedder produces.
	Dims() int
}

// openaiEmbedder calls an OpenAI-compatible embeddings endpoint.
type openaiEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
}

// NewOpenAIEmbedder builds an embedder over the given API key.
func NewOpenAIEmbedder(apiKey string) Embedder {
	return &openaiEmbedder{
		client: openai.NewClient(apiKey),
		model:  openai.SmallEmbedding3,
		dims:   1536,
	}
}

func (e *openaiEmbedder) Dims() int { return e.dims }

func (e *openaiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// hashEmbedder is a deterministic local fallback: token feature hashing
// into a fixed-dimension vector. Not semantically deep, but it keeps
// the store functional (and tests hermetic) with no API key.
type hashEmbedder struct {
	dims int
}

// NewHashEmbedder builds the offline fallback embedder.
func NewHashEmbedder() Embedder {
	return &hashEmbedder{dims: 256}
}

func (e *hashEmbedder) Dims() int { return e.dims }

func (e *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *hashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, tok := range tokenize(text) {
		h := errsig.Hash64(tok)
		idx := int(h % uint64(e.dims))
		if h&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	normalize(vec)
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}

// CosineDistance is 1 minus the cosine similarity of a and b. Vectors
// of mismatched length are maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
