package vectorindex

// PlaceholderID identifies the seed entry that keeps a fresh index non-empty.
const PlaceholderID = "empty"

// Metadata locates a chunk in its source document.
type Metadata struct {
	Source     string `json:"source"`
	DocumentID string `json:"document_id"`
	// Key is the classification key given at upload time; retrieval can be
	// restricted to one key.
	Key        string `json:"key"`
	Page       int    `json:"page"`
	ChunkIndex int    `json:"chunk_index"`
}

// Chunk is a bounded span of document text, the unit of indexing.
type Chunk struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// Entry pairs a chunk with its embedding.
type Entry struct {
	Vector []float32
	Chunk  Chunk
}

// Result is a ranked search hit.
type Result struct {
	Chunk Chunk
	Score float64
}

func placeholderChunk() Chunk {
	return Chunk{
		ID:   PlaceholderID,
		Text: " ",
		Metadata: Metadata{
			Source:     "empty.pdf",
			DocumentID: PlaceholderID,
			Key:        PlaceholderID,
			Page:       1,
		},
	}
}

func isPlaceholder(c Chunk) bool {
	return c.ID == PlaceholderID
}
