package planogram

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const yamlConfig = `
system: retail
target_accuracy: 0.8
max_iterations: 3
max_budget: 2.5
temperature: 0.2
orchestrator_model: gemini-2.5-pro
stages:
  structure:
    prompt_template: "Count the shelves of {system}"
    candidate_models: [gemini-2.5-flash]
    field_definitions:
      - name: shelf_count
        type: int
        required: true
  products:
    prompt_ref: products
    candidate_models: [gemini-2.5-flash, gemini-2.5-pro]
    fallbacks:
      gemini-2.5-flash: gemini-2.0-flash
  details:
    prompt_template: "Prices"
    candidate_models: [gemini-2.5-pro]
    visual_feedback: false
`

func TestDecodeRunConfig_PreservesStageOrder(t *testing.T) {
	cfg, err := DecodeRunConfig([]byte(yamlConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"structure", "products", "details"}, cfg.Stages.Names())
	products, ok := cfg.Stages.Lookup("products")
	require.True(t, ok)
	assert.Equal(t, "gemini-2.0-flash", products.Fallbacks["gemini-2.5-flash"])
	assert.True(t, products.feedbackEnabled())

	details, _ := cfg.Stages.Lookup("details")
	assert.False(t, details.feedbackEnabled())

	structure, _ := cfg.Stages.Lookup("structure")
	assert.Equal(t, KindInteger, structure.FieldDefinitions[0].Kind)

	t.Run("json keeps order too", func(t *testing.T) {
		b, err := json.Marshal(cfg)
		require.NoError(t, err)
		back, err := DecodeRunConfig(b)
		require.NoError(t, err)
		assert.Equal(t, cfg.Stages.Names(), back.Stages.Names())
	})

	t.Run("yaml marshal keeps order", func(t *testing.T) {
		b, err := yaml.Marshal(cfg)
		require.NoError(t, err)
		back, err := DecodeRunConfig(b)
		require.NoError(t, err)
		assert.Equal(t, cfg.Stages.Names(), back.Stages.Names())
	})

	_, ok = cfg.Stages.Lookup("nope")
	assert.False(t, ok)
}

func TestRunConfigValidate(t *testing.T) {
	base := func() *RunConfig {
		cfg, err := DecodeRunConfig([]byte(yamlConfig))
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*RunConfig)
		field  string
	}{
		{"no stages", func(c *RunConfig) { c.Stages = nil }, "stages"},
		{"target zero", func(c *RunConfig) { c.TargetAccuracy = 0 }, "target_accuracy"},
		{"target above one", func(c *RunConfig) { c.TargetAccuracy = 1.2 }, "target_accuracy"},
		{"no iterations", func(c *RunConfig) { c.MaxIterations = 0 }, "max_iterations"},
		{"no budget", func(c *RunConfig) { c.MaxBudget = 0 }, "max_budget"},
		{"hot temperature", func(c *RunConfig) { c.Temperature = 3 }, "temperature"},
		{"threshold", func(c *RunConfig) { v := 2.0; c.ConfidenceThreshold = &v }, "confidence_threshold"},
		{"low bound", func(c *RunConfig) { v := -0.1; c.RetryLowBound = &v }, "retry_low_bound"},
		{"no prompt", func(c *RunConfig) { c.Stages[0].PromptTemplate = "" }, "stages.structure"},
		{"no candidates", func(c *RunConfig) { c.Stages[1].CandidateModels = nil }, "stages.products.candidate_models"},
		{"blank candidate", func(c *RunConfig) { c.Stages[1].CandidateModels = []string{"m", " "} }, "stages.products.candidate_models[1]"},
		{"duplicate stage", func(c *RunConfig) { c.Stages[2].Name = "structure" }, "stages.structure"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			var ce *ConfigurationError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tc.field, ce.Field)
		})
	}

	t.Run("no stages wraps sentinel", func(t *testing.T) {
		cfg := base()
		cfg.Stages = Stages{}
		assert.ErrorIs(t, cfg.Validate(), ErrNoStages)
	})
}

func TestRunConfigDefaults(t *testing.T) {
	cfg, err := DecodeRunConfig([]byte(yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultConfidenceThreshold, cfg.threshold())
	assert.Equal(t, DefaultRetryLowBound, cfg.lowBound())
	assert.InDelta(t, 0.2, float64(*cfg.temperature()), 1e-6)

	products, _ := cfg.Stages.Lookup("products")
	assert.Equal(t, "gemini-2.5-pro", cfg.comparisonModel(products))
	cfg.OrchestratorModel = ""
	assert.Equal(t, "gemini-2.5-pro", cfg.comparisonModel(products), "last candidate compares when no orchestrator model")

	t.Run("explicit zero is kept", func(t *testing.T) {
		cfg, err := DecodeRunConfig([]byte(yamlConfig + "retry_low_bound: 0\nconfidence_threshold: 0\n"))
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 0.0, cfg.lowBound())
		assert.Equal(t, 0.0, cfg.threshold())
	})
}

func TestLoadRunConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o644))

	cfg, err := LoadRunConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "retail", cfg.System)

	_, err = LoadRunConfig(filepath.Join(dir, "missing.yaml"))
	var ce *ConfigurationError
	assert.True(t, errors.As(err, &ce))

	require.NoError(t, os.WriteFile(path, []byte("stages: [1, 2]"), 0o644))
	_, err = LoadRunConfig(path)
	assert.True(t, errors.As(err, &ce))
}
