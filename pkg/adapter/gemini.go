package adapter

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"google.golang.org/genai"
)

type Gemini interface {
	Embed(ctx context.Context, texts []string, task model.EmbeddingTask) ([][]float32, error)
}

type GeminiClient struct {
	client         *genai.Client
	embeddingModel string
	dimensions     int32
}

type GeminiOption func(*GeminiClient)

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

// WithDimensions sets the output dimensionality. Zero keeps the model default.
func WithDimensions(n int) GeminiOption {
	return func(g *GeminiClient) {
		g.dimensions = int32(n)
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:         client,
		embeddingModel: "gemini-embedding-001",
		dimensions:     768,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Embed returns one vector per text in order
func (g *GeminiClient) Embed(ctx context.Context, texts []string, task model.EmbeddingTask) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	config := &genai.EmbedContentConfig{
		TaskType: string(task),
	}
	if g.dimensions > 0 {
		dims := g.dimensions
		config.OutputDimensionality = &dims
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed content",
			goerr.V("model", g.embeddingModel),
			goerr.V("count", len(texts)))
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, goerr.New("unexpected number of embeddings",
			goerr.V("expected", len(texts)),
			goerr.V("actual", len(resp.Embeddings)))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e == nil {
			return nil, goerr.New("empty embedding", goerr.V("index", i))
		}
		vectors[i] = e.Values
	}
	return vectors, nil
}
