package glbopt

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TextureQualityNormal != 85 || cfg.TextureQualityUltra != 70 {
		t.Errorf("纹理质量 = %d/%d, 期望 85/70",
			cfg.TextureQualityNormal, cfg.TextureQualityUltra)
	}
	if cfg.MinTextureSize != 64 {
		t.Errorf("MinTextureSize = %d, 期望 64", cfg.MinTextureSize)
	}
	if cfg.MergeVertexEpsilon != 1e-6 {
		t.Errorf("MergeVertexEpsilon = %g, 期望 1e-6", cfg.MergeVertexEpsilon)
	}
	if cfg.MinFaceCount != 100 {
		t.Errorf("MinFaceCount = %d, 期望 100", cfg.MinFaceCount)
	}
}

func TestConfigPreset(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		mode     Mode
		ratio    float64
		quality  int
		resize   float64
		textures bool
	}{
		{ModeNormal, 0.7, 85, 1.0, false},
		{ModeAggressive, 0.3, 85, 1.0, true},
		{ModeUltra, 0.1, 70, 0.75, true},
		{ModeVertex, 1.0, 0, 0, false},
		{ModeRepair, 1.0, 0, 0, false},
	}
	for _, c := range cases {
		p := cfg.Preset(c.mode)
		if p.TargetRatio != c.ratio || p.TextureQuality != c.quality ||
			p.ResizeFactor != c.resize || p.Textures != c.textures {
			t.Errorf("%s预设 = %+v", c.mode, p)
		}
	}
}

func TestOutputPath(t *testing.T) {
	cases := []struct {
		in   string
		mode Mode
		want string
	}{
		{"model.glb", ModeUltra, "model_ultra.glb"},
		{"dir/scene.gltf", ModeNormal, "dir/scene_normal.gltf"},
		{"noext", ModeRepair, "noext_repair"},
	}
	for _, c := range cases {
		if got := OutputPath(c.in, c.mode); got != c.want {
			t.Errorf("OutputPath(%q, %s) = %q, 期望 %q", c.in, c.mode, got, c.want)
		}
	}
}

func TestModes(t *testing.T) {
	ms := Modes()
	if len(ms) != 5 {
		t.Fatalf("期望5种模式，实际%d种", len(ms))
	}
	if ms[0] != ModeNormal {
		t.Errorf("首个模式 = %s, 期望 normal", ms[0])
	}
}
