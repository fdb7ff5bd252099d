package vector

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder is the capability trait the Vector Index depends on (spec §4.6,
// §9 design note: the core never imports a concrete embedding client). A
// real implementation lives outside this module and is wired in by whatever
// process assembles the daemon, mirroring the teacher's EmbeddingProvider /
// LMStudioEmbedding split.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	ModelID() string
}

// StubEmbedder is a deterministic, dependency-free embedder used by tests
// and as the zero-configuration default (spec §4.6: "Default provider loads
// a local sentence-embedding model; implementations are pluggable behind
// the trait" — this is the pluggable fallback, not that model). It hashes
// overlapping character shingles into a fixed-size vector so that similar
// strings land closer together than dissimilar ones, without requiring any
// model weights.
type StubEmbedder struct {
	dims int
}

func NewStubEmbedder(dims int) StubEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return StubEmbedder{dims: dims}
}

func (e StubEmbedder) Dimensions() int { return e.dims }
func (e StubEmbedder) ModelID() string { return "local-stub-v1" }

func (e StubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	if len(text) == 0 {
		return vec, nil
	}
	const shingle = 3
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		end := i + shingle
		if end > len(runes) {
			end = len(runes)
		}
		h := fnv.New32a()
		h.Write([]byte(string(runes[i:end])))
		bucket := int(h.Sum32()) % e.dims
		if bucket < 0 {
			bucket += e.dims
		}
		vec[bucket] += 1
	}
	normalize(vec)
	return vec, nil
}

func normalize(vec []float32) {
	var sumSq float32
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(float64(sumSq)))
	for i := range vec {
		vec[i] /= norm
	}
}
