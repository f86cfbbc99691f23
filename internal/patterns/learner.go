package patterns

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Extractor produces candidate patterns from a closed incident. Implemented
// by the AI analysis backend; any implementation may return zero patterns.
type Extractor interface {
	ExtractPatterns(ctx context.Context, inc IncidentForLearning) ([]LearnedPattern, error)
}

// Learner feeds closed incidents through the extractor and ingests the
// surviving candidates into the knowledge base.
type Learner struct {
	kb        *KnowledgeBase
	extractor Extractor
	logger    *zap.Logger
}

// NewLearner constructs a learner.
func NewLearner(kb *KnowledgeBase, extractor Extractor, logger *zap.Logger) *Learner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Learner{kb: kb, extractor: extractor, logger: logger}
}

// LearnFromIncident extracts patterns from one incident and stores the valid,
// non-duplicate ones. Returns the number actually stored. Candidates that
// fail validation are logged and dropped rather than aborting the batch.
func (l *Learner) LearnFromIncident(ctx context.Context, inc IncidentForLearning) (int, error) {
	candidates, err := l.extractor.ExtractPatterns(ctx, inc)
	if err != nil {
		return 0, fmt.Errorf("extract patterns for incident %s: %w", inc.IncidentID, err)
	}

	stored := 0
	for _, p := range candidates {
		if p.SourceIncidentID == "" {
			p.SourceIncidentID = inc.IncidentID
		}
		if err := Validate(p); err != nil {
			l.logger.Warn("rejected candidate pattern",
				zap.String("incident_id", inc.IncidentID),
				zap.String("name", p.Name),
				zap.Error(err),
			)
			continue
		}
		ok, err := l.kb.Store(p)
		if err != nil {
			return stored, err
		}
		if ok {
			stored++
		}
	}

	l.logger.Info("pattern learning complete",
		zap.String("incident_id", inc.IncidentID),
		zap.Int("candidates", len(candidates)),
		zap.Int("stored", stored),
	)
	return stored, nil
}
