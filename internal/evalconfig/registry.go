package evalconfig

import (
	"embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"proctor/internal/domain/models/exam"
)

//go:embed config/*.yaml
var configFiles embed.FS

// Registry holds the intent weight table and the per-node LLM configs.
// Both ship embedded so the binary is self-contained; the weight table can
// be overridden from a file because scoring policy evolves without code
// change.
type Registry struct {
	weights map[exam.Intent]Weights
	nodes   map[string]NodeConfig

	defaultModel       string
	defaultTemperature float64
	defaultMaxTokens   int

	mu sync.RWMutex
}

// NewRegistry creates a registry from the embedded YAML files.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		weights: make(map[exam.Intent]Weights),
		nodes:   make(map[string]NodeConfig),
	}

	if err := r.loadWeightsBytes(mustRead("config/weights.yaml")); err != nil {
		return nil, fmt.Errorf("load weight table: %w", err)
	}
	if err := r.loadNodesBytes(mustRead("config/nodes.yaml")); err != nil {
		return nil, fmt.Errorf("load node configs: %w", err)
	}

	return r, nil
}

func mustRead(name string) []byte {
	data, err := configFiles.ReadFile(name)
	if err != nil {
		// Embedded files are part of the build; absence is a programmer error.
		panic(fmt.Sprintf("embedded config %s missing: %v", name, err))
	}
	return data
}

// SetDefaults installs the fallback model settings applied to nodes that do
// not pin their own. Called once during wiring.
func (r *Registry) SetDefaults(model string, temperature float64, maxTokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultModel = model
	r.defaultTemperature = temperature
	r.defaultMaxTokens = maxTokens
}

// LoadWeightsFile replaces the weight table with the one at path.
func (r *Registry) LoadWeightsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read weight table %s: %w", path, err)
	}
	return r.loadWeightsBytes(data)
}

func (r *Registry) loadWeightsBytes(data []byte) error {
	var doc struct {
		Weights map[string]Weights `yaml:"weights"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal weight table: %w", err)
	}

	parsed := make(map[exam.Intent]Weights, len(doc.Weights))
	for name, w := range doc.Weights {
		intent := exam.Intent(name)
		if !intent.Valid() {
			return fmt.Errorf("weight table names unknown intent %q", name)
		}
		if sum := w.Sum(); sum < 0.99 || sum > 1.01 {
			return fmt.Errorf("weight row for %s sums to %.3f, want 1.0", name, sum)
		}
		parsed[intent] = w
	}
	for _, intent := range exam.AllIntents {
		if _, ok := parsed[intent]; !ok {
			return fmt.Errorf("weight table missing intent %s", intent)
		}
	}

	r.mu.Lock()
	r.weights = parsed
	r.mu.Unlock()
	return nil
}

func (r *Registry) loadNodesBytes(data []byte) error {
	var doc struct {
		Nodes map[string]NodeConfig `yaml:"nodes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal node configs: %w", err)
	}

	r.mu.Lock()
	r.nodes = doc.Nodes
	r.mu.Unlock()
	return nil
}

// WeightsFor returns the weight vector for an intent.
func (r *Registry) WeightsFor(intent exam.Intent) (Weights, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.weights[intent]
	if !ok {
		return Weights{}, fmt.Errorf("no weight vector for intent %s", intent)
	}
	return w, nil
}

// NodeFor resolves the call config for a node name, filling unset fields
// with the registry defaults. Unknown nodes get pure defaults.
func (r *Registry) NodeFor(name string) NodeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg := r.nodes[name]
	if cfg.Model == "" {
		cfg.Model = r.defaultModel
	}
	if !cfg.temperatureSet {
		cfg.Temperature = r.defaultTemperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = r.defaultMaxTokens
	}
	return cfg
}
