package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RetrievalProfile holds the tunables for one retrieval pass. Zero fields
// inherit from the base RetrievalConfig.
type RetrievalProfile struct {
	K         int       `yaml:"k"`
	FinalK    int       `yaml:"final_k"`
	Window    int       `yaml:"window"`
	Weights   []float64 `yaml:"weights"`
	MMRLambda float64   `yaml:"mmr_lambda"`
}

// RetrievalConfig is the base retrieval profile plus optional per-intent
// overrides keyed by intent name (student_info, counselling, student_affairs).
type RetrievalConfig struct {
	K              int                         `yaml:"k"`
	FinalK         int                         `yaml:"final_k"`
	Window         int                         `yaml:"window"`
	Weights        []float64                   `yaml:"weights"`
	MMRLambda      float64                     `yaml:"mmr_lambda"`
	MinRerankScore float64                     `yaml:"min_rerank_score"`
	FallbackKey    string                      `yaml:"fallback_key"`
	Intents        map[string]RetrievalProfile `yaml:"intents"`
}

// LoadOverlay merges a YAML file over the env-derived values.
func (r *RetrievalConfig) LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay RetrievalConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}
	if overlay.K > 0 {
		r.K = overlay.K
	}
	if overlay.FinalK > 0 {
		r.FinalK = overlay.FinalK
	}
	if overlay.Window > 0 {
		r.Window = overlay.Window
	}
	if len(overlay.Weights) > 0 {
		r.Weights = overlay.Weights
	}
	if overlay.MMRLambda > 0 {
		r.MMRLambda = overlay.MMRLambda
	}
	if overlay.MinRerankScore > 0 {
		r.MinRerankScore = overlay.MinRerankScore
	}
	if overlay.FallbackKey != "" {
		r.FallbackKey = overlay.FallbackKey
	}
	if len(overlay.Intents) > 0 {
		r.Intents = overlay.Intents
	}
	return nil
}

// Profile returns the effective profile for an intent name.
func (r RetrievalConfig) Profile(intentName string) RetrievalProfile {
	p := RetrievalProfile{
		K:         r.K,
		FinalK:    r.FinalK,
		Window:    r.Window,
		Weights:   r.Weights,
		MMRLambda: r.MMRLambda,
	}
	o, ok := r.Intents[intentName]
	if !ok {
		return p
	}
	if o.K > 0 {
		p.K = o.K
	}
	if o.FinalK > 0 {
		p.FinalK = o.FinalK
	}
	if o.Window > 0 {
		p.Window = o.Window
	}
	if len(o.Weights) > 0 {
		p.Weights = o.Weights
	}
	if o.MMRLambda > 0 {
		p.MMRLambda = o.MMRLambda
	}
	return p
}

func (r RetrievalConfig) Validate() error {
	if r.K <= 0 {
		return fmt.Errorf("retrieval k must be positive")
	}
	if r.FinalK <= 0 || r.FinalK > r.K {
		return fmt.Errorf("retrieval final_k must be in [1, k]")
	}
	if r.Window < 0 {
		return fmt.Errorf("retrieval window must not be negative")
	}
	if len(r.Weights) != 2 {
		return fmt.Errorf("ensemble weights need exactly two values (similarity, mmr), got %d", len(r.Weights))
	}
	if r.MMRLambda < 0 || r.MMRLambda > 1 {
		return fmt.Errorf("mmr_lambda must be in [0, 1]")
	}
	for name, p := range r.Intents {
		if len(p.Weights) != 0 && len(p.Weights) != 2 {
			return fmt.Errorf("intent %s: ensemble weights need exactly two values", name)
		}
	}
	return nil
}
