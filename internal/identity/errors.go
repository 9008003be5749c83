package identity

import "errors"

var (
	// ErrInvalidEmbedding is returned for embeddings of the wrong dimension, with NaN/Inf
	// components or with zero norm.
	ErrInvalidEmbedding = errors.New("invalid embedding")
	// ErrRejectedSignature is returned when a signature belongs to a person marked incorrect.
	ErrRejectedSignature = errors.New("signature rejected")
	// ErrInvalidFeedback is returned when an operator correction would violate a registry invariant.
	ErrInvalidFeedback = errors.New("invalid feedback")
	// ErrInactivePerson is returned when an operation targets a merged or incorrect person.
	ErrInactivePerson = errors.New("inactive person")
)
