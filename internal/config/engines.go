package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

// LoadEngineProfiles reads engine profiles from a YAML file.
//
// The file has a top-level "engines" key:
//
//	engines:
//	  - name: anthropic
//	    priority: 100
//	    enabled: true
//	    avg_accuracy: 0.93
//	    avg_latency_ms: 4200
//	    cost_per_call: 0.012
func LoadEngineProfiles(path string) ([]model.EngineProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read engines file %s", path)
	}

	var wrapper struct {
		Engines []model.EngineProfile `yaml:"engines"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "config: parse engines file")
	}
	if len(wrapper.Engines) == 0 {
		return nil, eris.Errorf("config: engines file %s defines no engines", path)
	}

	seen := make(map[string]bool, len(wrapper.Engines))
	for _, p := range wrapper.Engines {
		if p.Name == "" {
			return nil, eris.New("config: engine profile missing name")
		}
		if seen[p.Name] {
			return nil, eris.Errorf("config: duplicate engine profile %q", p.Name)
		}
		seen[p.Name] = true
	}

	return wrapper.Engines, nil
}
