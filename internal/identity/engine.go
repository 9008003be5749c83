// Package identity resolves face embeddings of tracked profiles into durable
// person identities and applies operator corrections to them.
package identity

import (
	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/database"
)

// Engine bundles the identity components sharing one store and configuration.
type Engine struct {
	Matcher    *Matcher
	Classifier *Classifier
	Aggregator *Aggregator
	Feedback   *Feedback
	Resolver   *Resolver
	Registry   *Registry
}

// NewEngine wires every identity component over store.
func NewEngine(store database.Store, settings Settings, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	matcher := NewMatcher(store, settings, logger.Named("matcher"))
	classifier := NewClassifier(store, settings, logger.Named("classifier"))
	return &Engine{
		Matcher:    matcher,
		Classifier: classifier,
		Aggregator: NewAggregator(store, settings, logger.Named("aggregator")),
		Feedback:   NewFeedback(store, settings, logger.Named("feedback")),
		Resolver:   NewResolver(store, matcher, classifier, settings, logger.Named("resolver")),
		Registry:   NewRegistry(store),
	}
}
