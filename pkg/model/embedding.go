package model

// EmbeddingTask is the task hint passed to the embedding provider
type EmbeddingTask string

const (
	EmbeddingTaskRetrievalDocument EmbeddingTask = "RETRIEVAL_DOCUMENT"
	EmbeddingTaskRetrievalQuery    EmbeddingTask = "RETRIEVAL_QUERY"
)
