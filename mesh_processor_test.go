package glbopt

import (
	"testing"

	"github.com/flywave/go3d/vec2"
	"github.com/flywave/go3d/vec3"
)

// makeCube 构建一个封闭的单位立方体，所有面朝外
func makeCube() *Geometry {
	return &Geometry{
		Vertices: []vec3.T{
			{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
			{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
		},
		Faces: [][3]uint32{
			{0, 2, 1}, {0, 3, 2}, // 底面
			{4, 5, 6}, {4, 6, 7}, // 顶面
			{0, 1, 5}, {0, 5, 4}, // 前面
			{2, 3, 7}, {2, 7, 6}, // 后面
			{0, 4, 7}, {0, 7, 3}, // 左面
			{1, 2, 6}, {1, 6, 5}, // 右面
		},
	}
}

// makeGrid 构建一个n×n的平面三角网格
func makeGrid(n int) *Geometry {
	g := &Geometry{}
	for y := 0; y <= n; y++ {
		for x := 0; x <= n; x++ {
			g.Vertices = append(g.Vertices, vec3.T{float32(x), float32(y), 0})
		}
	}
	w := uint32(n + 1)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			a := uint32(y)*w + uint32(x)
			g.Faces = append(g.Faces,
				[3]uint32{a, a + 1, a + w},
				[3]uint32{a + 1, a + w + 1, a + w})
		}
	}
	return g
}

func checkFacesInRange(t *testing.T, g *Geometry) {
	t.Helper()
	for i, f := range g.Faces {
		for _, idx := range f {
			if int(idx) >= len(g.Vertices) {
				t.Fatalf("面[%d]索引%d越界，顶点数%d", i, idx, len(g.Vertices))
			}
		}
	}
}

func TestCleanGeometry_RemoveUnusedVertices(t *testing.T) {
	g := &Geometry{
		Vertices: []vec3.T{
			{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {5, 5, 5}, {1, 1, 0},
		},
		Normals: []vec3.T{
			{0, 0, 1}, {0, 0, 1}, {0, 0, 1}, {1, 0, 0}, {0, 0, 1},
		},
		TexCoords: []vec2.T{
			{0, 0}, {1, 0}, {0, 1}, {0.5, 0.5}, {1, 1},
		},
		Faces: [][3]uint32{{0, 1, 2}, {1, 4, 2}},
	}
	p := NewMeshProcessor(nil)
	stats := p.CleanGeometry(g)

	if g.VertexCount() != 4 {
		t.Errorf("期望4个顶点，实际%d个", g.VertexCount())
	}
	if stats.UnusedRemoved != 1 {
		t.Errorf("UnusedRemoved = %d, 期望 1", stats.UnusedRemoved)
	}
	if len(g.Normals) != 4 || len(g.TexCoords) != 4 {
		t.Errorf("属性数组未同步压缩: normals=%d uvs=%d", len(g.Normals), len(g.TexCoords))
	}
	// 删除索引3后，原顶点4应重映射为3
	if g.TexCoords[3] != (vec2.T{1, 1}) {
		t.Errorf("重映射后的UV = %v, 期望 {1 1}", g.TexCoords[3])
	}
	checkFacesInRange(t, g)
	if !stats.Changed() {
		t.Error("Changed()应为true")
	}
}

func TestCleanGeometry_MergeVertices(t *testing.T) {
	// 顶点3与顶点0的距离远小于合并阈值
	g := &Geometry{
		Vertices: []vec3.T{
			{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {1e-9, 0, 0}, {0, 1, 0},
		},
		Faces: [][3]uint32{{0, 1, 2}, {3, 2, 4}},
	}
	p := NewMeshProcessor(nil)
	stats := p.CleanGeometry(g)

	if g.VertexCount() != 4 {
		t.Errorf("期望合并后4个顶点，实际%d个", g.VertexCount())
	}
	if stats.MergedVertices != 1 {
		t.Errorf("MergedVertices = %d, 期望 1", stats.MergedVertices)
	}
	if g.FaceCount() != 2 {
		t.Errorf("期望2个面，实际%d个", g.FaceCount())
	}
	checkFacesInRange(t, g)
}

func TestCleanGeometry_DegenerateAndDuplicateFaces(t *testing.T) {
	g := &Geometry{
		Vertices: []vec3.T{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0}},
		Faces: [][3]uint32{
			{0, 1, 2},
			{1, 3, 2},
			{0, 0, 1}, // 重复索引
			{1, 2, 0}, // 第一个面的旋转
		},
	}
	p := NewMeshProcessor(nil)
	stats := p.CleanGeometry(g)

	if stats.DegenerateFaces != 1 {
		t.Errorf("DegenerateFaces = %d, 期望 1", stats.DegenerateFaces)
	}
	if stats.DuplicateFaces != 1 {
		t.Errorf("DuplicateFaces = %d, 期望 1", stats.DuplicateFaces)
	}
	if g.FaceCount() != 2 {
		t.Errorf("期望2个面，实际%d个", g.FaceCount())
	}
}

func TestCleanGeometry_ReversedDuplicateKept(t *testing.T) {
	// 绕向相反的两个面不算重复
	g := &Geometry{
		Vertices: []vec3.T{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Faces:    [][3]uint32{{0, 1, 2}, {0, 2, 1}},
	}
	removed := removeDuplicateFaces(g)
	if removed != 0 {
		t.Errorf("期望不删除反向面，实际删除%d个", removed)
	}
}

func TestCleanGeometry_FixesWinding(t *testing.T) {
	g := makeCube()
	g.Faces[2] = [3]uint32{g.Faces[2][0], g.Faces[2][2], g.Faces[2][1]} // 翻转顶面一个三角形

	p := NewMeshProcessor(nil)
	stats := p.CleanGeometry(g)

	if stats.FlippedFaces == 0 && !stats.VolumeFlipped {
		t.Error("期望修复绕向")
	}
	if issues := p.DetectHoles(g); len(issues) != 0 {
		t.Errorf("修复后期望无问题，实际%v", issues)
	}
	if v := signedVolume(g); v <= 0 {
		t.Errorf("有向体积 = %f, 期望为正", v)
	}
}

func TestCleanGeometry_QuadDuplicate(t *testing.T) {
	// 四边形的第4个顶点与顶点0几乎重合
	g := &Geometry{
		Vertices: []vec3.T{
			{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 0, 1e-9},
		},
		Faces: [][3]uint32{{0, 1, 2}, {0, 2, 3}},
	}
	p := NewMeshProcessor(nil)
	stats := p.CleanGeometry(g)

	if g.VertexCount() != 3 {
		t.Errorf("期望3个顶点，实际%d个", g.VertexCount())
	}
	if stats.MergedVertices == 0 {
		t.Error("期望报告合并顶点数")
	}
	checkFacesInRange(t, g)
}

func TestCleanGeometry_Idempotent(t *testing.T) {
	g := makeCube()
	g.Vertices = append(g.Vertices, g.Vertices[1])
	g.Faces[10] = [3]uint32{8, 2, 6}
	g.Faces[11] = [3]uint32{8, 6, 5}

	p := NewMeshProcessor(nil)
	first := p.CleanGeometry(g)
	if !first.Changed() {
		t.Fatal("第一遍应有修改")
	}
	second := p.CleanGeometry(g)
	if second.Changed() {
		t.Errorf("第二遍不应再有修改: %+v", second)
	}
	if second.VerticesBefore != second.VerticesAfter || second.FacesBefore != second.FacesAfter {
		t.Errorf("第二遍计数变化: 顶点%d→%d 面%d→%d",
			second.VerticesBefore, second.VerticesAfter, second.FacesBefore, second.FacesAfter)
	}
}

func TestCleanGeometry_Empty(t *testing.T) {
	g := &Geometry{Vertices: []vec3.T{{0, 0, 0}}}
	p := NewMeshProcessor(nil)
	stats := p.CleanGeometry(g)
	if stats.Changed() {
		t.Error("无面几何体不应被修改")
	}
	if g.VertexCount() != 1 {
		t.Errorf("期望保留1个顶点，实际%d个", g.VertexCount())
	}
}

func TestDetectHoles_Watertight(t *testing.T) {
	p := NewMeshProcessor(nil)
	if issues := p.DetectHoles(makeCube()); len(issues) != 0 {
		t.Errorf("封闭立方体期望无问题，实际%v", issues)
	}
}

func TestDetectHoles_OpenBoundary(t *testing.T) {
	g := &Geometry{
		Vertices: []vec3.T{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Faces:    [][3]uint32{{0, 1, 2}},
	}
	p := NewMeshProcessor(nil)
	issues := p.DetectHoles(g)
	if len(issues) != 1 || issues[0] != IssueOpenBoundary {
		t.Errorf("期望[open_boundary]，实际%v", issues)
	}
}

func TestDetectHoles_InvertedVolume(t *testing.T) {
	g := makeCube()
	for i, f := range g.Faces {
		g.Faces[i] = [3]uint32{f[0], f[2], f[1]} // 全部翻转朝内
	}
	p := NewMeshProcessor(nil)
	issues := p.DetectHoles(g)
	if len(issues) != 1 || issues[0] != IssueInvalidVolume {
		t.Errorf("期望[invalid_volume]，实际%v", issues)
	}

	report, ok := p.FillHoles(g)
	if !ok {
		t.Fatal("FillHoles应返回成功")
	}
	if !report.NormalsFixed {
		t.Error("期望修复朝向")
	}
	if v := signedVolume(g); v <= 0 {
		t.Errorf("修复后有向体积 = %f, 期望为正", v)
	}
}

func TestFillHoles_Reports(t *testing.T) {
	g := &Geometry{
		Vertices: []vec3.T{
			{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1e-9, 0, 0},
		},
		Faces: [][3]uint32{{0, 1, 2}, {3, 1, 2}, {1, 1, 2}},
	}
	p := NewMeshProcessor(nil)
	report, ok := p.FillHoles(g)
	if !ok {
		t.Fatal("FillHoles应返回成功")
	}
	if report.MergedVertices != 1 {
		t.Errorf("MergedVertices = %d, 期望 1", report.MergedVertices)
	}
	if report.RemovedFaces != 1 {
		t.Errorf("RemovedFaces = %d, 期望 1", report.RemovedFaces)
	}
	if !report.Repaired() {
		t.Error("Repaired()应为true")
	}
	checkFacesInRange(t, g)
}

func TestFillHoles_Empty(t *testing.T) {
	p := NewMeshProcessor(nil)
	if _, ok := p.FillHoles(&Geometry{}); ok {
		t.Error("空几何体应返回失败")
	}
}

func TestValidateAndRepair_DropsOutOfRange(t *testing.T) {
	g := &Geometry{
		Vertices: []vec3.T{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Faces:    [][3]uint32{{0, 1, 2}, {0, 1, 5}},
	}
	p := NewMeshProcessor(nil)
	if !p.ValidateAndRepair(g) {
		t.Fatal("期望修复成功")
	}
	if g.FaceCount() != 1 {
		t.Errorf("期望1个面，实际%d个", g.FaceCount())
	}
	checkFacesInRange(t, g)
}

func TestValidateAndRepair_Rejects(t *testing.T) {
	p := NewMeshProcessor(nil)
	if p.ValidateAndRepair(&Geometry{}) {
		t.Error("空几何体应被拒绝")
	}
	g := &Geometry{
		Vertices: []vec3.T{{0, 0, 0}},
		Faces:    [][3]uint32{{4, 5, 6}},
	}
	if p.ValidateAndRepair(g) {
		t.Error("全部面越界时应返回失败")
	}
}

func TestSimplifySafely_SmallMeshUntouched(t *testing.T) {
	g := makeCube()
	p := NewMeshProcessor(nil)
	ok, before, after := p.SimplifySafely(g, 0.5)
	if ok || before != 0 || after != 0 {
		t.Errorf("小网格应跳过: ok=%v before=%d after=%d", ok, before, after)
	}
	if g.FaceCount() != 12 {
		t.Errorf("几何体被修改: %d个面", g.FaceCount())
	}
}

func TestSimplifySafely_Decimates(t *testing.T) {
	g := makeGrid(8) // 128个面
	g.Normals = make([]vec3.T, len(g.Vertices))
	for i := range g.Normals {
		g.Normals[i] = vec3.T{0, 0, 1}
	}
	p := NewMeshProcessor(nil)
	ok, before, after := p.SimplifySafely(g, 0.5)
	if !ok {
		t.Fatal("期望简化成功")
	}
	if before != 128 {
		t.Errorf("before = %d, 期望 128", before)
	}
	// 0.5被钳制到SafeFaceRatio=0.8
	if after >= before || after == 0 || after > 102 {
		t.Errorf("after = %d, 期望在(0, 102]内", after)
	}
	if g.FaceCount() != after {
		t.Errorf("面数 = %d, 与返回值%d不一致", g.FaceCount(), after)
	}
	if len(g.Normals) != g.VertexCount() {
		t.Errorf("法线未重算: %d个法线, %d个顶点", len(g.Normals), g.VertexCount())
	}
	checkFacesInRange(t, g)
}

func TestSimplifySafely_RatioOneKeepsMesh(t *testing.T) {
	g := makeGrid(8)
	p := NewMeshProcessor(nil)
	ok, before, after := p.SimplifySafely(g, 1.0)
	if ok {
		t.Error("比例1.0不应简化")
	}
	if before != 128 || after != 128 {
		t.Errorf("期望面数不变: before=%d after=%d", before, after)
	}
}
