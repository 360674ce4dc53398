package glbopt

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

var sceneExtensions = map[string]bool{".glb": true, ".gltf": true}

// FileValidator checks paths before the optimizer touches them.
type FileValidator struct {
	Config *Config
}

func NewFileValidator(cfg *Config) *FileValidator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &FileValidator{Config: cfg}
}

func (v *FileValidator) ValidateInputFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return wrapErr(ErrValidation, "input "+path, err)
	}
	if info.IsDir() {
		return errf(ErrValidation, "input "+path, "is a directory")
	}
	if !sceneExtensions[strings.ToLower(filepath.Ext(path))] {
		return errf(ErrValidation, "input "+path, "unsupported extension %q", filepath.Ext(path))
	}
	if info.Size() == 0 {
		return errf(ErrValidation, "input "+path, "file is empty")
	}
	if v.Config.MaxFileSize > 0 && info.Size() > v.Config.MaxFileSize {
		return errf(ErrValidation, "input "+path, "file size %d exceeds limit %d",
			info.Size(), v.Config.MaxFileSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return wrapErr(ErrValidation, "input "+path, err)
	}
	f.Close()
	return nil
}

func (v *FileValidator) ValidateOutputPath(path string) error {
	if path == "" {
		return errf(ErrValidation, "output", "empty path")
	}
	if !sceneExtensions[strings.ToLower(filepath.Ext(path))] {
		return errf(ErrValidation, "output "+path, "unsupported extension %q", filepath.Ext(path))
	}
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return wrapErr(ErrValidation, "output "+path, err)
	}
	if !info.IsDir() {
		return errf(ErrValidation, "output "+path, "%s is not a directory", dir)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return errf(ErrValidation, "output "+path, "is a directory")
	}
	return nil
}

// ValidateSceneContent loads the scene and checks its structural integrity:
// at least one geometry, finite vertex data, faces inside vertex range.
func (v *FileValidator) ValidateSceneContent(path string) error {
	sc, err := LoadScene(path)
	if err != nil {
		return wrapErr(ErrValidation, "content "+path, err)
	}
	var issues []error
	if sc.GeometryCount() == 0 {
		issues = append(issues, errors.New("scene has no geometry"))
	}
	for _, name := range sc.GeometryNames() {
		g, _ := sc.Geometry(name)
		if g.VertexCount() == 0 {
			issues = append(issues, fmt.Errorf("%s: no vertices", name))
			continue
		}
		nv := uint32(g.VertexCount())
		for _, f := range g.Faces {
			if f[0] >= nv || f[1] >= nv || f[2] >= nv {
				issues = append(issues, fmt.Errorf("%s: face index out of range", name))
				break
			}
		}
		for _, p := range g.Vertices {
			if !finite(p[0]) || !finite(p[1]) || !finite(p[2]) {
				issues = append(issues, fmt.Errorf("%s: non-finite vertex", name))
				break
			}
		}
	}
	if len(issues) > 0 {
		return wrapErr(ErrValidation, "content "+path, errors.Join(issues...))
	}
	return nil
}

func finite(f float32) bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ParameterValidator checks user-supplied optimization parameters.
type ParameterValidator struct{}

func (ParameterValidator) ValidateMode(s string) (Mode, error) {
	for _, m := range Modes() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", errf(ErrValidation, "mode", "unknown mode %q (valid: %v)", s, Modes())
}

func (ParameterValidator) ValidateTargetRatio(r float64) error {
	if r < 0.05 || r > 1.0 {
		return errf(ErrValidation, "target ratio", "%g outside [0.05, 1.0]", r)
	}
	return nil
}

func (ParameterValidator) ValidateQuality(q int) error {
	if q < 1 || q > 100 {
		return errf(ErrValidation, "quality", "%d outside [1, 100]", q)
	}
	return nil
}

func (ParameterValidator) ValidateResizeFactor(f float64) error {
	if f <= 0 || f > 1.0 {
		return errf(ErrValidation, "resize factor", "%g outside (0, 1.0]", f)
	}
	return nil
}
