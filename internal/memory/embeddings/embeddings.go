// Package embeddings abstracts text embedding providers behind a small
// interface. Providers are selected by a spec string so configuration stays
// declarative: "openai:text-embedding-3-small" or "mock:64".
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Provider turns texts into fixed-dimension vectors.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// NewFromSpec builds a provider from a spec string.
func NewFromSpec(spec, apiKey string) (Provider, error) {
	scheme, rest, _ := strings.Cut(spec, ":")
	switch scheme {
	case "openai":
		model := rest
		if model == "" {
			model = string(openai.SmallEmbedding3)
		}
		if apiKey == "" {
			return nil, fmt.Errorf("embeddings: openai provider requires an API key")
		}
		return NewOpenAI(apiKey, model), nil
	case "mock":
		dim := 64
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("embeddings: bad mock dimension %q", rest)
			}
			dim = n
		}
		return NewMock(dim), nil
	default:
		return nil, fmt.Errorf("embeddings: unknown provider %q", scheme)
	}
}

// OpenAI embeds through the OpenAI embeddings endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAI creates an OpenAI-backed provider.
func NewOpenAI(apiKey, model string) *OpenAI {
	dim := 1536
	if model == string(openai.LargeEmbedding3) {
		dim = 3072
	}
	return &OpenAI{
		client: openai.NewClient(apiKey),
		model:  model,
		dim:    dim,
	}
}

func (o *OpenAI) Dimension() int { return o.dim }

func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: openai request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d texts", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Mock produces deterministic pseudo-embeddings from a content hash. Equal
// texts get equal vectors, so similarity tests behave predictably without a
// network dependency.
type Mock struct {
	dim int
}

// NewMock creates a mock provider with the given dimension.
func NewMock(dim int) *Mock {
	return &Mock{dim: dim}
}

func (m *Mock) Dimension() int { return m.dim }

func (m *Mock) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = m.vector(text)
	}
	return out, nil
}

func (m *Mock) vector(text string) []float32 {
	vec := make([]float32, m.dim)
	seed := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	for i := range vec {
		chunk := sha256.Sum256(append(seed[:], byte(i), byte(i>>8)))
		bits := binary.LittleEndian.Uint32(chunk[:4])
		vec[i] = float32(bits%2000)/1000.0 - 1.0
	}
	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// Cosine computes cosine similarity between two vectors. Mismatched or
// empty vectors score zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Encode packs a vector as little-endian float32 bytes for BLOB storage.
func Encode(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// Decode unpacks a BLOB written by Encode.
func Decode(data []byte) []float32 {
	if len(data) < 4 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
