package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/rs/zerolog"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

const (
	// SnippetLength caps evidence snippets, in characters.
	SnippetLength = 200

	// CandidateCount is how many documents the remote mode reranks.
	CandidateCount = 20

	baseScore     = 0.3
	docTypeBoost  = 0.2
	overlapWeight = 0.4
)

var boostedDocTypes = map[string]bool{
	"security":     true,
	"pricing":      true,
	"architecture": true,
	"deployment":   true,
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "this": true,
}

// InvokeAPI is the subset of the SageMaker runtime client used for the
// embedding and reranking endpoints.
type InvokeAPI interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

// Options configures remote retrieval. Remote mode needs a client and both
// endpoint names; otherwise only local scoring is used.
type Options struct {
	Client         InvokeAPI
	EmbedEndpoint  string
	RerankEndpoint string
}

// Retriever answers evidence queries over a corpus.
type Retriever struct {
	corpus *Corpus
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	embedGen   uint64
	embeddings map[int][]float64
}

var _ engine.EvidenceRetriever = (*Retriever)(nil)

// New creates a retriever over corpus.
func New(corpus *Corpus, opts Options, logger zerolog.Logger) *Retriever {
	return &Retriever{
		corpus:     corpus,
		opts:       opts,
		logger:     logger.With().Str("component", "retriever").Logger(),
		embeddings: make(map[int][]float64),
	}
}

// Remote reports whether embedding and reranking endpoints are configured.
func (r *Retriever) Remote() bool {
	return r.opts.Client != nil && r.opts.EmbedEndpoint != "" && r.opts.RerankEndpoint != ""
}

type scoredDoc struct {
	doc   Document
	index int
	score float64
}

// Query returns up to topK evidence items for text, best first. Remote
// failures fall back to local scoring.
func (r *Retriever) Query(ctx context.Context, text string, topK int) ([]engine.Evidence, error) {
	docs, gen := r.corpus.Documents()
	if len(docs) == 0 || topK <= 0 {
		return []engine.Evidence{}, nil
	}

	if r.Remote() {
		ranked, err := r.queryRemote(ctx, text, docs, gen)
		if err == nil {
			return toEvidence(ranked, topK), nil
		}
		r.logger.Warn().Err(err).Msg("Remote retrieval failed, using local scoring")
	}

	return toEvidence(scoreLocal(text, docs), topK), nil
}

// scoreLocal ranks documents by query term overlap plus a doc_type boost.
func scoreLocal(text string, docs []Document) []scoredDoc {
	terms := queryTerms(text)

	ranked := make([]scoredDoc, 0, len(docs))
	for i, doc := range docs {
		score := baseScore
		if boostedDocTypes[doc.DocType()] {
			score += docTypeBoost
		}
		if len(terms) > 0 {
			haystack := strings.ToLower(doc.Title + " " + doc.Content)
			matched := 0
			for _, term := range terms {
				if strings.Contains(haystack, term) {
					matched++
				}
			}
			score += overlapWeight * float64(matched) / float64(len(terms))
		}
		ranked = append(ranked, scoredDoc{doc: doc, index: i, score: score})
	}

	sortScored(ranked)
	return ranked
}

func (r *Retriever) queryRemote(ctx context.Context, text string, docs []Document, gen uint64) ([]scoredDoc, error) {
	queryVec, err := r.embed(ctx, text, "query")
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	candidates := make([]scoredDoc, 0, len(docs))
	for i, doc := range docs {
		docVec, err := r.documentEmbedding(ctx, gen, i, doc)
		if err != nil {
			return nil, fmt.Errorf("failed to embed document %q: %w", doc.Title, err)
		}
		candidates = append(candidates, scoredDoc{doc: doc, index: i, score: cosine(queryVec, docVec)})
	}
	sortScored(candidates)
	if len(candidates) > CandidateCount {
		candidates = candidates[:CandidateCount]
	}

	scores, err := r.rerank(ctx, text, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to rerank: %w", err)
	}
	if scores != nil {
		for i := range candidates {
			candidates[i].score = scores[i]
		}
		sortScored(candidates)
	}
	return candidates, nil
}

func (r *Retriever) documentEmbedding(ctx context.Context, gen uint64, index int, doc Document) ([]float64, error) {
	r.mu.Lock()
	if r.embedGen != gen {
		r.embeddings = make(map[int][]float64)
		r.embedGen = gen
	}
	vec, ok := r.embeddings[index]
	r.mu.Unlock()
	if ok {
		return vec, nil
	}

	vec, err := r.embed(ctx, doc.Content, "passage")
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.embedGen == gen {
		r.embeddings[index] = vec
	}
	r.mu.Unlock()
	return vec, nil
}

type embedResponse struct {
	Embedding []float64   `json:"embedding"`
	Vectors   [][]float64 `json:"vectors"`
	Data      []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (r *Retriever) embed(ctx context.Context, input, inputType string) ([]float64, error) {
	body, err := r.invoke(ctx, r.opts.EmbedEndpoint, map[string]interface{}{
		"input":      input,
		"input_type": inputType,
	})
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid embedding response: %w", err)
	}
	switch {
	case len(resp.Embedding) > 0:
		return resp.Embedding, nil
	case len(resp.Vectors) > 0:
		return resp.Vectors[0], nil
	case len(resp.Data) > 0:
		return resp.Data[0].Embedding, nil
	default:
		return nil, fmt.Errorf("unexpected embedding response format")
	}
}

type rerankResponse struct {
	Scores       []float64 `json:"scores"`
	RerankScores []float64 `json:"rerank_scores"`
}

// rerank returns one score per candidate, or nil when the endpoint gives
// no scores and the embedding order should stand.
func (r *Retriever) rerank(ctx context.Context, text string, candidates []scoredDoc) ([]float64, error) {
	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = c.doc.Content
	}

	body, err := r.invoke(ctx, r.opts.RerankEndpoint, map[string]interface{}{
		"query":    text,
		"passages": passages,
	})
	if err != nil {
		return nil, err
	}

	var resp rerankResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid rerank response: %w", err)
	}
	scores := resp.Scores
	if scores == nil {
		scores = resp.RerankScores
	}
	if scores == nil {
		return nil, nil
	}
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("rerank returned %d scores for %d passages", len(scores), len(candidates))
	}
	return scores, nil
}

func (r *Retriever) invoke(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out, err := r.opts.Client.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(endpoint),
		ContentType:  aws.String("application/json"),
		Accept:       aws.String("application/json"),
		Body:         data,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", endpoint, err)
	}
	return out.Body, nil
}

func toEvidence(ranked []scoredDoc, topK int) []engine.Evidence {
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	out := make([]engine.Evidence, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, engine.Evidence{
			Title:   s.doc.Title,
			Snippet: snippet(s.doc.Content),
			URL:     s.doc.URL,
			Score:   math.Round(s.score*1000) / 1000,
		})
	}
	return out
}

func sortScored(docs []scoredDoc) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].score == docs[j].score {
			return docs[i].index < docs[j].index
		}
		return docs[i].score > docs[j].score
	})
}

func snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= SnippetLength {
		return content
	}
	return string(runes[:SnippetLength])
}

func queryTerms(text string) []string {
	seen := map[string]bool{}
	var terms []string
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(word) < 3 || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		terms = append(terms, word)
	}
	return terms
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
