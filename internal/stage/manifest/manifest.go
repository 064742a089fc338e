// Package manifest loads the catalog of animation clips the stage can play.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// IdleName is the clip the stage rests on.
const IdleName = "idle"

// Manifest describes the avatar's animation clips. The JSON form matches the
// renderer's animations.json; YAML is accepted with the same keys.
type Manifest struct {
	Animations []Animation `yaml:"animations" json:"animations"`
	Config     Config      `yaml:"config" json:"config"`

	// Dir is the directory clip files are resolved against.
	Dir string `yaml:"-" json:"-"`
}

type Animation struct {
	Name         string  `yaml:"name" json:"name"`
	File         string  `yaml:"file" json:"file"`
	Loop         bool    `yaml:"loop" json:"loop"`
	FadeTime     float64 `yaml:"fadeTime" json:"fadeTime"`
	ReturnToIdle bool    `yaml:"returnToIdle" json:"returnToIdle"`
	Category     string  `yaml:"category,omitempty" json:"category,omitempty"`
	Description  string  `yaml:"description,omitempty" json:"description,omitempty"`
	// Duration in seconds. Zero means unknown; Inspect fills it from the clip.
	Duration float64 `yaml:"duration,omitempty" json:"duration,omitempty"`
}

type Config struct {
	IdleVariation IdleVariation `yaml:"idleVariation" json:"idleVariation"`
}

// IdleVariation plays a random clip after the avatar has idled for a while.
// Delays are in milliseconds.
type IdleVariation struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	DelayMin   int      `yaml:"delayMin" json:"delayMin"`
	DelayMax   int      `yaml:"delayMax" json:"delayMax"`
	Animations []string `yaml:"animations" json:"animations"`
}

func defaults() Manifest {
	return Manifest{
		Config: Config{IdleVariation: IdleVariation{
			Enabled:  true,
			DelayMin: 10000,
			DelayMax: 20000,
		}},
	}
}

// Load reads a manifest from disk. Files ending in .json are decoded as
// JSON, everything else as YAML. Missing idle variation settings keep their
// defaults.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	m, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}

func Parse(data []byte, isJSON bool) (Manifest, error) {
	m := defaults()
	if isJSON {
		if err := json.Unmarshal(data, &m); err != nil {
			return Manifest{}, err
		}
		return m, nil
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate ensures the manifest is internally consistent.
func Validate(m Manifest) error {
	if len(m.Animations) == 0 {
		return fmt.Errorf("animations must declare at least one clip")
	}
	seen := make(map[string]bool, len(m.Animations))
	for i, a := range m.Animations {
		if a.Name == "" {
			return fmt.Errorf("animations[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("animation %q declared twice", a.Name)
		}
		seen[a.Name] = true
		if a.File == "" {
			return fmt.Errorf("animation %q: file is required", a.Name)
		}
		if a.FadeTime < 0 {
			return fmt.Errorf("animation %q: fadeTime must be >= 0", a.Name)
		}
		if a.Duration < 0 {
			return fmt.Errorf("animation %q: duration must be >= 0", a.Name)
		}
		if a.Loop && a.ReturnToIdle {
			return fmt.Errorf("animation %q: looping clips cannot return to idle", a.Name)
		}
	}
	iv := m.Config.IdleVariation
	if iv.DelayMin < 0 {
		return fmt.Errorf("config.idleVariation.delayMin must be >= 0")
	}
	if iv.DelayMax < iv.DelayMin {
		return fmt.Errorf("config.idleVariation.delayMax must be >= delayMin")
	}
	for _, name := range iv.Animations {
		if !seen[name] {
			return fmt.Errorf("config.idleVariation references unknown animation %q", name)
		}
	}
	return nil
}

// Lookup returns the clip called name.
func (m Manifest) Lookup(name string) (Animation, bool) {
	for _, a := range m.Animations {
		if a.Name == name {
			return a, true
		}
	}
	return Animation{}, false
}

// Path resolves a clip's file against the manifest directory.
func (m Manifest) Path(a Animation) string {
	if filepath.IsAbs(a.File) || m.Dir == "" {
		return a.File
	}
	return filepath.Join(m.Dir, a.File)
}
