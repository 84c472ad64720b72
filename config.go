package planogram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RunConfig is the immutable per-run input. Stages keep their configured order.
type RunConfig struct {
	System            string  `json:"system" yaml:"system"`
	TargetAccuracy    float64 `json:"target_accuracy" yaml:"target_accuracy"`
	MaxIterations     int     `json:"max_iterations" yaml:"max_iterations"`
	MaxBudget         float64 `json:"max_budget" yaml:"max_budget"`
	Temperature       float64 `json:"temperature" yaml:"temperature"`
	OrchestratorModel string  `json:"orchestrator_model,omitempty" yaml:"orchestrator_model,omitempty"`
	// ConfidenceThreshold and RetryLowBound fall back to the composer
	// defaults when unset; an explicit 0 is kept.
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	RetryLowBound       *float64 `json:"retry_low_bound,omitempty" yaml:"retry_low_bound,omitempty"`
	Stages              Stages   `json:"stages" yaml:"stages"`
}

// StageConfig configures one extraction stage.
type StageConfig struct {
	Name             string            `json:"-" yaml:"-"`
	PromptTemplate   string            `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`
	PromptRef        string            `json:"prompt_ref,omitempty" yaml:"prompt_ref,omitempty"`
	FieldDefinitions []FieldDefinition `json:"field_definitions,omitempty" yaml:"field_definitions,omitempty"`
	CandidateModels  []string          `json:"candidate_models" yaml:"candidate_models"`
	// Fallbacks maps a candidate model to the model substituted once when it fails.
	Fallbacks map[string]string `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	// VisualFeedback disables comparison between candidates when false.
	VisualFeedback *bool `json:"visual_feedback,omitempty" yaml:"visual_feedback,omitempty"`
}

func (s StageConfig) feedbackEnabled() bool {
	return s.VisualFeedback == nil || *s.VisualFeedback
}

// Stages is an ordered stage-name → config mapping.
type Stages []StageConfig

// Lookup returns the stage with the given name.
func (s Stages) Lookup(name string) (StageConfig, bool) {
	for _, st := range s {
		if st.Name == name {
			return st, true
		}
	}
	return StageConfig{}, false
}

// Names returns the stage names in order.
func (s Stages) Names() []string {
	names := make([]string, len(s))
	for i, st := range s {
		names[i] = st.Name
	}
	return names
}

// UnmarshalYAML reads a mapping node, preserving key order.
func (s *Stages) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("stages: expected a mapping, got %s", n.Tag)
	}
	out := make(Stages, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		var st StageConfig
		if err := n.Content[i+1].Decode(&st); err != nil {
			return fmt.Errorf("stage %q: %w", n.Content[i].Value, err)
		}
		st.Name = n.Content[i].Value
		out = append(out, st)
	}
	*s = out
	return nil
}

// MarshalYAML writes stages back as an ordered mapping.
func (s Stages) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, st := range s {
		var val yaml.Node
		if err := val.Encode(st); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: st.Name}, &val)
	}
	return node, nil
}

// UnmarshalJSON reads an object, preserving key order.
func (s *Stages) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*s = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("stages: expected an object")
	}
	var out Stages
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := keyTok.(string)
		var st StageConfig
		if err := dec.Decode(&st); err != nil {
			return fmt.Errorf("stage %q: %w", name, err)
		}
		st.Name = name
		out = append(out, st)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}

// MarshalJSON writes stages as an object in configured order.
func (s Stages) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, st := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(st.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(st)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeRunConfig parses YAML (a JSON document is valid YAML too).
func DecodeRunConfig(data []byte) (*RunConfig, error) {
	var cfg RunConfig
	trimmed := bytes.TrimSpace(data)
	var err error
	if len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, &ConfigurationError{Reason: "decode", Err: err}
	}
	return &cfg, nil
}

// LoadRunConfig reads and validates a configuration file.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Field: filepath.Base(path), Reason: "read", Err: err}
	}
	cfg, err := DecodeRunConfig(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations no run can be built from.
func (c *RunConfig) Validate() error {
	if len(c.Stages) == 0 {
		return &ConfigurationError{Field: "stages", Reason: "missing or empty", Err: ErrNoStages}
	}
	if c.TargetAccuracy <= 0 || c.TargetAccuracy > 1 {
		return &ConfigurationError{Field: "target_accuracy", Reason: fmt.Sprintf("%v is outside (0, 1]", c.TargetAccuracy)}
	}
	if c.MaxIterations < 1 {
		return &ConfigurationError{Field: "max_iterations", Reason: "must be at least 1"}
	}
	if c.MaxBudget <= 0 {
		return &ConfigurationError{Field: "max_budget", Reason: "must be positive"}
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return &ConfigurationError{Field: "temperature", Reason: fmt.Sprintf("%v is outside [0, 2]", c.Temperature)}
	}
	if outsideUnit(c.ConfidenceThreshold) {
		return &ConfigurationError{Field: "confidence_threshold", Reason: "must be within [0, 1]"}
	}
	if outsideUnit(c.RetryLowBound) {
		return &ConfigurationError{Field: "retry_low_bound", Reason: "must be within [0, 1]"}
	}

	seen := make(map[string]bool, len(c.Stages))
	for _, st := range c.Stages {
		field := "stages." + st.Name
		if strings.TrimSpace(st.Name) == "" {
			return &ConfigurationError{Field: "stages", Reason: "stage name is empty"}
		}
		if seen[st.Name] {
			return &ConfigurationError{Field: field, Reason: "duplicate stage"}
		}
		seen[st.Name] = true
		if st.PromptTemplate == "" && st.PromptRef == "" {
			return &ConfigurationError{Field: field, Reason: "no prompt_template or prompt_ref"}
		}
		if len(st.CandidateModels) == 0 {
			return &ConfigurationError{Field: field + ".candidate_models", Reason: "no candidate model available"}
		}
		for i, m := range st.CandidateModels {
			if strings.TrimSpace(m) == "" {
				return &ConfigurationError{Field: fmt.Sprintf("%s.candidate_models[%d]", field, i), Reason: "empty model id"}
			}
		}
	}
	return nil
}

func outsideUnit(v *float64) bool {
	return v != nil && (*v < 0 || *v > 1)
}

func (c *RunConfig) threshold() float64 {
	if c.ConfidenceThreshold != nil {
		return *c.ConfidenceThreshold
	}
	return DefaultConfidenceThreshold
}

func (c *RunConfig) lowBound() float64 {
	if c.RetryLowBound != nil {
		return *c.RetryLowBound
	}
	return DefaultRetryLowBound
}

func (c *RunConfig) temperature() *float32 {
	t := float32(c.Temperature)
	return &t
}

// comparisonModel is the model used for visual feedback.
func (c *RunConfig) comparisonModel(stage StageConfig) string {
	if c.OrchestratorModel != "" {
		return c.OrchestratorModel
	}
	return stage.CandidateModels[len(stage.CandidateModels)-1]
}
