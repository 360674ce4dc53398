package glbopt

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// testConfig 降低输出大小门槛，测试场景远小于默认的1000字节
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.MinOutputSize = 1
	return cfg
}

func writeScene(t *testing.T, sc *Scene, path string) {
	t.Helper()
	if err := SaveScene(sc, path); err != nil {
		t.Fatalf("写入测试场景失败: %v", err)
	}
}

func baseTexture(sc *Scene) *Image {
	mats := sc.Materials()
	if len(mats) == 0 {
		return nil
	}
	return mats[0].Texture
}

func TestOptimizeNormal(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.glb")
	output := filepath.Join(dir, "out.glb")

	sc := sceneWithTexture(makeTexture(64, 64, ChannelRGBA))
	sc.Lights = []*Light{{Name: "sun", Type: "point", Color: [3]float64{1, 1, 1}, Intensity: 1, Rotation: identityQuat()}}
	sc.Camera = &Camera{Name: "eye", YFov: 1, ZNear: 0.1, Rotation: identityQuat()}
	writeScene(t, sc, input)

	loaded, err := LoadScene(input)
	if err != nil {
		t.Fatal(err)
	}
	originalTex := baseTexture(loaded).SourceData

	o := NewOptimizer(testConfig(), nil)
	res, err := o.Optimize(context.Background(), ModeNormal, input, output)
	if err != nil {
		t.Fatalf("普通模式失败: %v", err)
	}
	if res.Mode != ModeNormal || res.GeometryCount != 1 {
		t.Errorf("结果 = %s/%d几何体", res.Mode, res.GeometryCount)
	}
	out, err := LoadScene(output)
	if err != nil {
		t.Fatalf("输出无法加载: %v", err)
	}
	if len(out.Lights) != 0 || out.Camera != nil {
		t.Errorf("灯光/相机未移除: %d盏/%v", len(out.Lights), out.Camera)
	}
	if _, ok := out.Geometry("mesh_0"); !ok {
		t.Errorf("展平命名缺失: %v", out.GeometryNames())
	}
	// 普通模式绝不触碰纹理字节。
	got := baseTexture(out)
	if got == nil || !bytes.Equal(got.SourceData, originalTex) {
		t.Error("普通模式改动了纹理字节")
	}
}

func TestOptimizeVertexCleanup(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.glb")
	output := filepath.Join(dir, "out.glb")

	g := makeCube()
	// 追加一个与顶点1重合的顶点并让两个面引用它。
	g.Vertices = append(g.Vertices, g.Vertices[1])
	g.Faces[10] = [3]uint32{8, 2, 6}
	g.Faces[11] = [3]uint32{8, 6, 5}
	sc := NewScene()
	sc.AddGeometry("cube", g)
	sc.Lights = []*Light{{Name: "sun", Type: "point", Color: [3]float64{1, 1, 1}, Intensity: 1, Rotation: identityQuat()}}
	writeScene(t, sc, input)

	o := NewOptimizer(testConfig(), nil)
	res, err := o.Optimize(context.Background(), ModeVertex, input, output)
	if err != nil {
		t.Fatalf("顶点清理失败: %v", err)
	}
	if res.VerticesBefore != 9 || res.VerticesAfter != 8 {
		t.Errorf("顶点数 %d -> %d, 期望 9 -> 8", res.VerticesBefore, res.VerticesAfter)
	}
	if res.Processed != 1 {
		t.Errorf("Processed = %d, 期望 1", res.Processed)
	}
	out, err := LoadScene(output)
	if err != nil {
		t.Fatal(err)
	}
	// 顶点清理保留场景结构：灯光和几何体名称都不动。
	if len(out.Lights) != 1 {
		t.Errorf("灯光丢失: %d盏", len(out.Lights))
	}
	if _, ok := out.Geometry("cube"); !ok {
		t.Errorf("几何体名称被改: %v", out.GeometryNames())
	}
}

func TestOptimizeRepairClean(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.glb")

	sc := NewScene()
	sc.AddGeometry("cube", makeCube())
	writeScene(t, sc, input)

	o := NewOptimizer(testConfig(), nil)
	res, err := o.Optimize(context.Background(), ModeRepair, input, filepath.Join(dir, "out.glb"))
	if err != nil {
		t.Fatalf("修复模式失败: %v", err)
	}
	if res.AlreadyClean != 1 || res.Repaired != 0 || res.Failed != 0 {
		t.Errorf("健康网格统计 = clean%d/repaired%d/failed%d", res.AlreadyClean, res.Repaired, res.Failed)
	}
	if res.SuccessRate() != 100 {
		t.Errorf("成功率 = %g", res.SuccessRate())
	}
}

func TestOptimizeRepairInverted(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.glb")
	output := filepath.Join(dir, "out.glb")

	g := makeCube()
	// 整体翻面，体积为负。
	for i, f := range g.Faces {
		g.Faces[i] = [3]uint32{f[0], f[2], f[1]}
	}
	sc := NewScene()
	sc.AddGeometry("inside_out", g)
	writeScene(t, sc, input)

	o := NewOptimizer(testConfig(), nil)
	res, err := o.Optimize(context.Background(), ModeRepair, input, output)
	if err != nil {
		t.Fatalf("修复模式失败: %v", err)
	}
	if res.Repaired != 1 || res.Failed != 0 {
		t.Errorf("翻面立方体统计 = repaired%d/failed%d", res.Repaired, res.Failed)
	}
	out, err := LoadScene(output)
	if err != nil {
		t.Fatal(err)
	}
	fixed, _ := out.Geometry("inside_out")
	if fixed.FaceCount() != 12 {
		t.Fatalf("修复后面数 = %d", fixed.FaceCount())
	}
	if signedVolume(fixed) <= 0 {
		t.Error("修复后体积仍为负")
	}
}

func TestOptimizeUltraResizesTextures(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.glb")
	output := filepath.Join(dir, "out.glb")

	writeScene(t, sceneWithTexture(makeTexture(128, 128, ChannelRGBA)), input)

	o := NewOptimizer(testConfig(), nil)
	res, err := o.Optimize(context.Background(), ModeUltra, input, output)
	if err != nil {
		t.Fatalf("极限模式失败: %v", err)
	}
	if !res.Textures.Found || res.Textures.Processed != 1 || res.Textures.Failed != 0 {
		t.Errorf("纹理统计 = %+v", res.Textures)
	}
	out, err := LoadScene(output)
	if err != nil {
		t.Fatal(err)
	}
	tex := baseTexture(out)
	if tex == nil {
		t.Fatal("输出纹理丢失")
	}
	if tex.Width != 96 || tex.Height != 96 {
		t.Errorf("纹理尺寸 = %dx%d, 期望 96x96", tex.Width, tex.Height)
	}
}

func TestOptimizeAggressiveRecompresses(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.glb")
	output := filepath.Join(dir, "out.glb")

	writeScene(t, sceneWithTexture(makeTexture(64, 64, ChannelRGB)), input)

	o := NewOptimizer(testConfig(), nil)
	res, err := o.Optimize(context.Background(), ModeAggressive, input, output)
	if err != nil {
		t.Fatalf("激进模式失败: %v", err)
	}
	if !res.Textures.Found || res.Textures.Processed != 1 {
		t.Errorf("纹理统计 = %+v", res.Textures)
	}
	out, err := LoadScene(output)
	if err != nil {
		t.Fatal(err)
	}
	tex := baseTexture(out)
	// 激进模式重新压缩但不缩放。
	if tex == nil || tex.Width != 64 || tex.Height != 64 {
		t.Errorf("纹理尺寸变化: %+v", tex)
	}
}

func TestOptimizeSafeDecimates(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.glb")
	output := filepath.Join(dir, "out.glb")

	sc := NewScene()
	sc.AddGeometry("terrain", makeGrid(16))
	writeScene(t, sc, input)

	o := NewOptimizer(testConfig(), nil)
	res, err := o.OptimizeSafe(context.Background(), input, output, 0.5)
	if err != nil {
		t.Fatalf("安全简化失败: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("Processed = %d, 期望 1", res.Processed)
	}
	if res.FacesAfter >= res.FacesBefore || res.FacesAfter == 0 {
		t.Errorf("面数 %d -> %d, 期望减少", res.FacesBefore, res.FacesAfter)
	}
	out, err := LoadScene(output)
	if err != nil {
		t.Fatal(err)
	}
	if out.TotalFaces() != res.FacesAfter {
		t.Errorf("输出面数 = %d, 结果记录 %d", out.TotalFaces(), res.FacesAfter)
	}
}

func TestOptimizeTexturePreservingSkipsSmallMesh(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.glb")
	output := filepath.Join(dir, "out.glb")

	writeScene(t, sceneWithTexture(makeTexture(64, 64, ChannelRGBA)), input)
	loaded, err := LoadScene(input)
	if err != nil {
		t.Fatal(err)
	}
	originalTex := baseTexture(loaded).SourceData

	o := NewOptimizer(testConfig(), nil)
	res, err := o.OptimizeTexturePreserving(context.Background(), input, output, 0.5)
	if err != nil {
		t.Fatalf("保纹理简化失败: %v", err)
	}
	// 12个面低于MinFaceCount，网格保持原样。
	if res.Skipped != 1 || res.Processed != 0 {
		t.Errorf("统计 = skipped%d/processed%d", res.Skipped, res.Processed)
	}
	if res.FacesAfter != 12 {
		t.Errorf("面数 = %d, 期望 12", res.FacesAfter)
	}
	out, err := LoadScene(output)
	if err != nil {
		t.Fatal(err)
	}
	got := baseTexture(out)
	if got == nil || !bytes.Equal(got.SourceData, originalTex) {
		t.Error("保纹理模式改动了纹理字节")
	}
}

func TestOptimizeUnknownMode(t *testing.T) {
	o := NewOptimizer(testConfig(), nil)
	_, err := o.Optimize(context.Background(), Mode("turbo"), "in.glb", "out.glb")
	if err == nil {
		t.Fatal("期望未知模式报错")
	}
	if KindOf(err) != ErrValidation {
		t.Errorf("错误类别 = %v", KindOf(err))
	}
}

func TestOptimizeMissingInput(t *testing.T) {
	dir := t.TempDir()
	o := NewOptimizer(testConfig(), nil)
	_, err := o.Optimize(context.Background(), ModeNormal,
		filepath.Join(dir, "none.glb"), filepath.Join(dir, "out.glb"))
	if err == nil {
		t.Fatal("期望输入缺失报错")
	}
}

func TestOptimizeCancelled(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.glb")
	sc := NewScene()
	sc.AddGeometry("cube", makeCube())
	writeScene(t, sc, input)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := NewOptimizer(testConfig(), nil)
	_, err := o.Optimize(ctx, ModeVertex, input, filepath.Join(dir, "out.glb"))
	if err == nil {
		t.Fatal("期望取消后报错")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("错误未携带取消原因: %v", err)
	}
}

func TestOptimizeDefaultOutput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "model.glb")
	sc := NewScene()
	sc.AddGeometry("cube", makeCube())
	writeScene(t, sc, input)

	o := NewOptimizer(testConfig(), nil)
	res, err := o.Optimize(context.Background(), ModeNormal, input, "")
	if err != nil {
		t.Fatalf("默认输出路径失败: %v", err)
	}
	want := filepath.Join(dir, "model_normal.glb")
	if res.OutputPath != want {
		t.Errorf("输出路径 = %q, 期望 %q", res.OutputPath, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("输出文件未生成: %v", err)
	}
}

func TestOptimizeMinOutputSize(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.glb")
	sc := NewScene()
	sc.AddGeometry("cube", makeCube())
	writeScene(t, sc, input)

	cfg := testConfig()
	cfg.MinOutputSize = 1 << 30
	o := NewOptimizer(cfg, nil)
	_, err := o.Optimize(context.Background(), ModeNormal, input, filepath.Join(dir, "out.glb"))
	if err == nil {
		t.Fatal("期望输出过小报错")
	}
	if KindOf(err) != ErrFileOperation {
		t.Errorf("错误类别 = %v", KindOf(err))
	}
}

func TestOptimizeSizeWarning(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.glb")
	sc := NewScene()
	sc.AddGeometry("cube", makeCube())
	writeScene(t, sc, input)

	cfg := testConfig()
	// 阈值调到必然触发，压缩比不可能达到10倍。
	cfg.AbnormalSizeRatio = 10
	o := NewOptimizer(cfg, nil)
	res, err := o.Optimize(context.Background(), ModeNormal, input, filepath.Join(dir, "out.glb"))
	if err != nil {
		t.Fatalf("普通模式失败: %v", err)
	}
	if !res.SizeWarning {
		t.Error("期望触发体积异常警告")
	}
}

func TestNewOptimizerDefaults(t *testing.T) {
	o := NewOptimizer(nil, nil)
	if o.Config == nil || o.Services == nil || o.Mesh == nil || o.Textures == nil || o.Scenes == nil {
		t.Fatal("默认构造存在nil字段")
	}
	if o.Services.Files == nil || o.Services.Monitor == nil {
		t.Fatal("服务集合不完整")
	}
}
