package patterns

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// packFile is the on-disk layout of a seed pack.
type packFile struct {
	Name     string        `yaml:"name"`
	Patterns []packPattern `yaml:"patterns"`
}

type packPattern struct {
	Type               string   `yaml:"type"`
	Name               string   `yaml:"name"`
	Description        string   `yaml:"description"`
	TriggerConditions  []string `yaml:"triggerConditions"`
	RecommendedActions []string `yaml:"recommendedActions"`
	Exceptions         []string `yaml:"exceptions"`
	Confidence         float64  `yaml:"confidence"`
}

// LoadPack reads a YAML seed pack and ingests its patterns through the
// knowledge base, so dedup and validation apply the same as learned
// patterns. Returns the number stored. Individual invalid entries are
// skipped; a malformed file is an error.
func LoadPack(kb *KnowledgeBase, path string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pattern pack: %w", err)
	}

	var pack packFile
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return 0, fmt.Errorf("parse pattern pack %s: %w", path, err)
	}

	stored := 0
	for _, pp := range pack.Patterns {
		p := LearnedPattern{
			Type:               PatternType(pp.Type),
			Name:               pp.Name,
			Description:        pp.Description,
			TriggerConditions:  pp.TriggerConditions,
			RecommendedActions: pp.RecommendedActions,
			Exceptions:         pp.Exceptions,
			Confidence:         pp.Confidence,
		}
		if err := Validate(p); err != nil {
			logger.Warn("skipping pack pattern", zap.String("pack", pack.Name), zap.Error(err))
			continue
		}
		ok, err := kb.Store(p)
		if err != nil {
			return stored, err
		}
		if ok {
			stored++
		}
	}

	logger.Info("pattern pack loaded",
		zap.String("pack", pack.Name),
		zap.String("path", path),
		zap.Int("stored", stored),
	)
	return stored, nil
}
