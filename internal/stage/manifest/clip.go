package manifest

import (
	"fmt"

	"github.com/qmuntal/gltf"
)

// ClipInfo summarises the glTF animation data inside a clip file.
type ClipInfo struct {
	Name     string
	Path     string
	Tracks   int
	Duration float64
}

// InspectClip opens a VRMA/glTF file and measures its first animation. The
// duration is the largest keyframe time across the animation's samplers.
func InspectClip(path string) (ClipInfo, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return ClipInfo{}, fmt.Errorf("open clip %s: %w", path, err)
	}
	if len(doc.Animations) == 0 {
		return ClipInfo{}, fmt.Errorf("clip %s contains no animations", path)
	}
	anim := doc.Animations[0]
	info := ClipInfo{Name: anim.Name, Path: path, Tracks: len(anim.Channels)}
	for _, sampler := range anim.Samplers {
		if sampler == nil || sampler.Input < 0 || sampler.Input >= len(doc.Accessors) {
			continue
		}
		acc := doc.Accessors[sampler.Input]
		if acc == nil || len(acc.Max) == 0 {
			continue
		}
		if acc.Max[0] > info.Duration {
			info.Duration = acc.Max[0]
		}
	}
	return info, nil
}

// Inspect checks every clip file referenced by m and fills in durations the
// manifest leaves unset. It returns the first clip that cannot be read.
func Inspect(m Manifest) (Manifest, []ClipInfo, error) {
	out := m
	out.Animations = append([]Animation(nil), m.Animations...)
	infos := make([]ClipInfo, 0, len(out.Animations))
	for i, a := range out.Animations {
		info, err := InspectClip(m.Path(a))
		if err != nil {
			return m, infos, fmt.Errorf("animation %q: %w", a.Name, err)
		}
		if a.Duration == 0 {
			out.Animations[i].Duration = info.Duration
		}
		infos = append(infos, info)
	}
	return out, infos, nil
}
