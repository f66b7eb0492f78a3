package models

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/aspert/sampling"
	"github.com/knights-analytics/aspert/util/fileutil"
)

const (
	// NoneEntityType is the entity type index meaning "not an entity".
	NoneEntityType = 0
	// NoneEntityLabel is the label expected at NoneEntityType.
	NoneEntityLabel = "None"
	// UnsetTokenID marks a context token id still to be taken from the tokenizer.
	UnsetTokenID = -1
)

// Config fixes the architecture and label vocabulary of a model. It is read once at
// construction and never changes afterwards.
type Config struct {
	ModelType string `json:"model_type" yaml:"model_type"`
	// EntityTypes lists entity labels, NoneEntityLabel first.
	EntityTypes []string `json:"entity_types" yaml:"entity_types"`
	// RelationTypes lists relation labels. Relations are multi-label so there is no none entry.
	RelationTypes      []string `json:"relation_types" yaml:"relation_types"`
	SizeEmbedding      int      `json:"size_embedding" yaml:"size_embedding"`
	PropDrop           float64  `json:"prop_drop" yaml:"prop_drop"`
	FreezeTransformer  bool     `json:"freeze_transformer" yaml:"freeze_transformer"`
	MaxPairs           int      `json:"max_pairs" yaml:"max_pairs"`
	AttentionChunk     int      `json:"attention_chunk" yaml:"attention_chunk"`
	EntityHiddenSize   int      `json:"entity_hidden_size" yaml:"entity_hidden_size"`
	ContextTokenID     int      `json:"cls_token_id" yaml:"cls_token_id"`
	MaxSpanSize        int      `json:"max_span_size" yaml:"max_span_size"`
	RelFilterThreshold float32  `json:"rel_filter_threshold" yaml:"rel_filter_threshold"`
}

func DefaultConfig() Config {
	return Config{
		ModelType:          ASpERTName,
		SizeEmbedding:      25,
		PropDrop:           0.1,
		MaxPairs:           100,
		AttentionChunk:     50,
		EntityHiddenSize:   784,
		ContextTokenID:     UnsetTokenID,
		MaxSpanSize:        10,
		RelFilterThreshold: 0.4,
	}
}

func (c Config) EntityTypeCount() int {
	return len(c.EntityTypes)
}

func (c Config) RelationTypeCount() int {
	return len(c.RelationTypes)
}

func (c Config) Validate() error {
	var problems []string
	if len(c.EntityTypes) < 2 {
		problems = append(problems, fmt.Sprintf("need the none type and at least one entity type, got %d", len(c.EntityTypes)))
	}
	if len(c.RelationTypes) < 1 {
		problems = append(problems, "need at least one relation type")
	}
	if c.SizeEmbedding <= 0 {
		problems = append(problems, fmt.Sprintf("size_embedding must be positive, got %d", c.SizeEmbedding))
	}
	if c.PropDrop < 0 || c.PropDrop >= 1 {
		problems = append(problems, fmt.Sprintf("prop_drop must be in [0, 1), got %g", c.PropDrop))
	}
	if c.MaxPairs <= 0 {
		problems = append(problems, fmt.Sprintf("max_pairs must be positive, got %d", c.MaxPairs))
	}
	if c.AttentionChunk <= 0 {
		problems = append(problems, fmt.Sprintf("attention_chunk must be positive, got %d", c.AttentionChunk))
	}
	if c.EntityHiddenSize <= 0 {
		problems = append(problems, fmt.Sprintf("entity_hidden_size must be positive, got %d", c.EntityHiddenSize))
	}
	if c.ContextTokenID < 0 {
		problems = append(problems, "cls_token_id is not set")
	}
	if c.MaxSpanSize <= 0 || c.MaxSpanSize >= sampling.MaxSizeBucket {
		problems = append(problems, fmt.Sprintf("max_span_size must be in [1, %d), got %d", sampling.MaxSizeBucket, c.MaxSpanSize))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// LoadConfig reads a json or yaml config, chosen by file extension, on top of DefaultConfig.
func LoadConfig(ctx context.Context, path string) (Config, error) {
	config := DefaultConfig()
	raw, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return config, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &config)
	case ".json":
		err = jsoniter.Unmarshal(raw, &config)
	default:
		return config, fmt.Errorf("%w: unsupported config format %s", ErrInvalidConfig, path)
	}
	if err != nil {
		return config, fmt.Errorf("%w: parsing %s: %w", ErrInvalidConfig, path, err)
	}
	return config, nil
}

// Save writes the config as indented json.
func (c Config) Save(ctx context.Context, path string) (err error) {
	raw, err := jsoniter.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	writer, err := fileutil.NewFileWriter(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()
	_, err = writer.Write(raw)
	return err
}
