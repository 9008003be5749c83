package database

// FaceEmbeddingDim is the default dimension for face embeddings (512 for buffalo_l/ResNet100)
const FaceEmbeddingDim = 512

// HNSW index parameters for 512-dim face embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough after filtering out inactive persons.
	HNSWSearchMultiplier = 3

	// HNSWMaxDrift is how many persons may carry an outdated graph vector
	// before the scope graph is rebuilt. Drifted persons are compared exactly.
	HNSWMaxDrift = 64
)

// Metadata keys written onto persons and observations.
const (
	MetaSeparatedFromPersonID = "separated_from_person_id"
	MetaFeedbackReason        = "feedback_reason"
	MetaFeedbackAt            = "feedback_at"
	MetaUsernameMentions      = "username_mentions"
	MetaMergedFrom            = "merged_from"
)
