package agents

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File is the on-disk agents definition.
//
//	default: brd-agent
//	agents:
//	  - id: brd-agent
//	    name: BRD Specialist
//	    kind: specialized
//	    provider: custom
//	    model: brd
//	    base_url: http://localhost:8001/v1
//	    capabilities: [business-analysis, documentation]
type File struct {
	Default string       `yaml:"default"`
	Agents  []Descriptor `yaml:"agents"`
}

func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read agents file %s", path)
	}
	return ParseFile(b)
}

func ParseFile(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse agents file")
	}
	seen := map[string]struct{}{}
	for i, a := range f.Agents {
		if a.ID == "" {
			return nil, errors.Errorf("agents file: entry %d has no id", i)
		}
		if _, ok := seen[a.ID]; ok {
			return nil, errors.Errorf("agents file: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return &f, nil
}

// BuiltinAgent is the system agent standing for the configured provider and model.
func BuiltinAgent(providerName, model string) Descriptor {
	return Descriptor{
		ID:           providerName + "-default",
		Name:         fmt.Sprintf("%s (%s)", providerName, model),
		Description:  "Default assistant backed by the configured provider",
		Kind:         KindSystem,
		Provider:     providerName,
		Model:        model,
		Capabilities: []string{"chat"},
	}
}

// Populate registers the builtin agent and the file's agents, then sets the
// directory default (the file's, else the builtin).
func Populate(d *Directory, f *File, builtin Descriptor) (string, error) {
	if err := d.Register(builtin); err != nil {
		return "", err
	}
	defaultID := builtin.ID
	if f == nil {
		return defaultID, d.SetDefaultAgent(defaultID)
	}
	for _, a := range f.Agents {
		if err := d.Register(a); err != nil {
			return "", err
		}
	}
	if f.Default != "" {
		if _, err := d.GetAgent(f.Default); err != nil {
			return "", errors.Wrapf(err, "default agent %q", f.Default)
		}
		defaultID = f.Default
	}
	return defaultID, d.SetDefaultAgent(defaultID)
}
