package glbopt

import "time"

type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeAggressive Mode = "aggressive"
	ModeUltra      Mode = "ultra"
	ModeVertex     Mode = "vertex"
	ModeRepair     Mode = "repair"
)

func Modes() []Mode {
	return []Mode{ModeNormal, ModeAggressive, ModeUltra, ModeVertex, ModeRepair}
}

// Config gathers the tunables shared by the processors. Zero values are not
// meaningful, construct it with DefaultConfig and override fields as needed.
type Config struct {
	TextureQualityNormal int
	TextureQualityUltra  int
	TextureResizeFactor  float64
	MinTextureSize       int

	// Guard rails for decimation.
	MinFaceRatio  float64
	SafeFaceRatio float64
	MinFaceCount  int

	MinOutputSize     int64
	AbnormalSizeRatio float64
	MaxFileSize       int64

	MergeVertexEpsilon float64

	MaxRepairTime     time.Duration
	MaxProcessingTime time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		TextureQualityNormal: 85,
		TextureQualityUltra:  70,
		TextureResizeFactor:  0.75,
		MinTextureSize:       64,
		MinFaceRatio:         0.5,
		SafeFaceRatio:        0.8,
		MinFaceCount:         100,
		MinOutputSize:        1000,
		AbnormalSizeRatio:    0.005,
		MaxFileSize:          500 << 20,
		MergeVertexEpsilon:   1e-6,
		MaxRepairTime:        30 * time.Second,
		MaxProcessingTime:    300 * time.Second,
	}
}

// ModePreset is the per-mode tuning applied on top of Config.
// TargetRatio 1.0 means geometry is cleaned but never decimated.
type ModePreset struct {
	TargetRatio    float64
	TextureQuality int
	ResizeFactor   float64
	Textures       bool
}

func (c *Config) Preset(m Mode) ModePreset {
	switch m {
	case ModeAggressive:
		return ModePreset{TargetRatio: 0.3, TextureQuality: c.TextureQualityNormal, ResizeFactor: 1.0, Textures: true}
	case ModeUltra:
		return ModePreset{TargetRatio: 0.1, TextureQuality: c.TextureQualityUltra, ResizeFactor: c.TextureResizeFactor, Textures: true}
	case ModeVertex:
		return ModePreset{TargetRatio: 1.0}
	case ModeRepair:
		return ModePreset{TargetRatio: 1.0}
	}
	// Normal keeps textures byte for byte and never decimates.
	return ModePreset{TargetRatio: 0.7, TextureQuality: c.TextureQualityNormal, ResizeFactor: 1.0}
}

// OutputPath derives the default destination for an optimized file,
// "model.glb" becomes "model_ultra.glb".
func OutputPath(input string, m Mode) string {
	ext := ""
	stem := input
	for i := len(input) - 1; i >= 0; i-- {
		if input[i] == '.' {
			stem, ext = input[:i], input[i:]
			break
		}
		if input[i] == '/' || input[i] == '\\' {
			break
		}
	}
	return stem + "_" + string(m) + ext
}
