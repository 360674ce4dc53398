package glbopt

import (
	"log/slog"
	"math"
	"time"

	dvec3 "github.com/flywave/go3d/float64/vec3"
	"github.com/flywave/go3d/vec2"
	"github.com/flywave/go3d/vec3"
)

// IssueTag labels one defect class found by hole detection.
type IssueTag string

const (
	IssueOpenBoundary        IssueTag = "open_boundary"
	IssueInconsistentWinding IssueTag = "inconsistent_winding"
	IssueInvalidVolume       IssueTag = "invalid_volume"
	IssueCheckSkipped        IssueTag = "check_skipped"
)

// CleanStats reports what a cleanup pass changed.
type CleanStats struct {
	VerticesBefore  int
	VerticesAfter   int
	FacesBefore     int
	FacesAfter      int
	UnusedRemoved   int
	MergedVertices  int
	DegenerateFaces int
	DuplicateFaces  int
	FlippedFaces    int
	VolumeFlipped   bool
}

func (s CleanStats) Changed() bool {
	return s.VerticesBefore != s.VerticesAfter || s.FacesBefore != s.FacesAfter ||
		s.FlippedFaces > 0 || s.VolumeFlipped
}

// RepairReport counts the repairs applied by FillHoles.
type RepairReport struct {
	MergedVertices int
	RemovedFaces   int
	NormalsFixed   bool
}

func (r RepairReport) Repaired() bool {
	return r.MergedVertices > 0 || r.RemovedFaces > 0 || r.NormalsFixed
}

// MeshProcessor runs geometry-level optimization and repair. The zero value
// is not usable, construct with NewMeshProcessor. Simplifier may be swapped
// for another decimation backend.
type MeshProcessor struct {
	Config     *Config
	Simplifier MeshSimplifier
}

func NewMeshProcessor(cfg *Config) *MeshProcessor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MeshProcessor{Config: cfg, Simplifier: NewQuadricSimplifier()}
}

// SimplifySafely decimates g towards targetRatio of its current face count,
// never below Config.SafeFaceRatio. Meshes under Config.MinFaceCount are
// left alone. Returns whether the result was adopted plus the face counts
// before and after; on any failure the geometry keeps its original data.
func (p *MeshProcessor) SimplifySafely(g *Geometry, targetRatio float64) (bool, int, int) {
	faceCount := g.FaceCount()
	if faceCount == 0 {
		return false, 0, 0
	}
	if faceCount < p.Config.MinFaceCount {
		Logger().Debug("mesh too small to simplify", slog.Int("faces", faceCount))
		return false, 0, 0
	}
	ratio := targetRatio
	if ratio < p.Config.SafeFaceRatio {
		ratio = p.Config.SafeFaceRatio
	}
	if ratio >= 1.0 {
		return false, faceCount, faceCount
	}
	target := int(float64(faceCount) * ratio)
	if target < 1 {
		target = 1
	}
	res, err := p.Simplifier.Simplify(g.Vertices, g.Faces, target)
	if err != nil {
		Logger().Warn("simplify failed", slog.Any("error", err))
		return false, faceCount, faceCount
	}
	if len(res.Faces) == 0 || len(res.Faces) >= faceCount {
		return false, faceCount, faceCount
	}
	hadNormals := len(g.Normals) > 0
	g.Vertices = res.Vertices
	g.Faces = res.Faces
	g.Normals = nil
	g.TexCoords = nil
	g.Colors = nil
	g.Tangents = nil
	if hadNormals {
		recomputeNormals(g)
	}
	Logger().Debug("simplified mesh",
		slog.Int("faces_before", faceCount), slog.Int("faces_after", len(res.Faces)))
	return true, faceCount, len(res.Faces)
}

// CleanGeometry runs the full cleanup pipeline: unused vertices, vertex
// merging, degenerate and duplicate faces, a second unused pass for the
// vertices the earlier passes orphaned, then winding and normal repair.
func (p *MeshProcessor) CleanGeometry(g *Geometry) CleanStats {
	stats := CleanStats{
		VerticesBefore: g.VertexCount(), VerticesAfter: g.VertexCount(),
		FacesBefore: g.FaceCount(), FacesAfter: g.FaceCount(),
	}
	if g.FaceCount() == 0 {
		return stats
	}
	stats.UnusedRemoved = removeUnusedVertices(g)
	stats.MergedVertices = mergeVertices(g, p.Config.MergeVertexEpsilon)
	stats.DegenerateFaces = removeDegenerateFaces(g)
	stats.DuplicateFaces = removeDuplicateFaces(g)
	stats.UnusedRemoved += removeUnusedVertices(g)
	stats.FlippedFaces, stats.VolumeFlipped = fixWinding(g)
	stats.VerticesAfter = g.VertexCount()
	stats.FacesAfter = g.FaceCount()
	return stats
}

// DetectHoles classifies mesh defects within Config.MaxRepairTime. When the
// deadline passes the tags found so far are returned with IssueCheckSkipped
// appended.
func (p *MeshProcessor) DetectHoles(g *Geometry) []IssueTag {
	if g.FaceCount() == 0 {
		return nil
	}
	var deadline time.Time
	if p.Config.MaxRepairTime > 0 {
		deadline = time.Now().Add(p.Config.MaxRepairTime)
	}
	edges, ok := buildEdgeMap(g, deadline)
	if !ok {
		return []IssueTag{IssueCheckSkipped}
	}
	watertight, consistent := edgeClassify(edges)
	var issues []IssueTag
	if !watertight {
		issues = append(issues, IssueOpenBoundary)
	}
	if !consistent {
		issues = append(issues, IssueInconsistentWinding)
	}
	if overDeadline(deadline) {
		return append(issues, IssueCheckSkipped)
	}
	if watertight && signedVolume(g) <= 0 {
		issues = append(issues, IssueInvalidVolume)
	}
	return issues
}

// FillHoles applies the bounded-cost repairs: vertex merge, winding and
// orientation fix, degenerate face removal. Open boundaries are never
// patched with new faces, that cost is unbounded. Returns the per-category
// counts and false when there was nothing to repair on.
func (p *MeshProcessor) FillHoles(g *Geometry) (RepairReport, bool) {
	var report RepairReport
	if g.VertexCount() == 0 || g.FaceCount() == 0 {
		return report, false
	}
	before := g.VertexCount()
	mergeVertices(g, p.Config.MergeVertexEpsilon)
	removeUnusedVertices(g)
	report.MergedVertices = before - g.VertexCount()

	flips, volumeFlipped := fixWinding(g)
	report.NormalsFixed = flips > 0 || volumeFlipped

	report.RemovedFaces = removeDegenerateFaces(g)
	if report.Repaired() {
		Logger().Debug("repaired geometry",
			slog.Int("merged_vertices", report.MergedVertices),
			slog.Int("removed_faces", report.RemovedFaces),
			slog.Bool("normals_fixed", report.NormalsFixed))
	}
	return report, true
}

// ValidateAndRepair is the final safety net: geometry with no vertices or
// no faces is rejected, faces indexing past the vertex buffer are dropped.
// A smaller valid mesh beats no mesh.
func (p *MeshProcessor) ValidateAndRepair(g *Geometry) bool {
	if g.VertexCount() == 0 || g.FaceCount() == 0 {
		return false
	}
	limit := uint32(len(g.Vertices))
	kept := g.Faces[:0]
	dropped := 0
	for _, f := range g.Faces {
		if f[0] >= limit || f[1] >= limit || f[2] >= limit {
			dropped++
			continue
		}
		kept = append(kept, f)
	}
	g.Faces = kept
	if dropped > 0 {
		Logger().Warn("dropped out-of-range faces", slog.Int("count", dropped))
	}
	return len(g.Faces) > 0
}

// removeUnusedVertices drops vertices no face references, remapping the
// survivors in ascending order so relative vertex order is preserved.
// Runs in O(V + F).
func removeUnusedVertices(g *Geometry) int {
	if len(g.Faces) == 0 {
		return 0
	}
	used := make([]bool, len(g.Vertices))
	for _, f := range g.Faces {
		for _, idx := range f {
			if int(idx) < len(used) {
				used[idx] = true
			}
		}
	}
	remap := make([]uint32, len(g.Vertices))
	kept := 0
	for i, u := range used {
		if u {
			remap[i] = uint32(kept)
			kept++
		}
	}
	removed := len(g.Vertices) - kept
	if removed == 0 {
		return 0
	}
	selectVertices(g, used, remap, kept)
	for i, f := range g.Faces {
		g.Faces[i] = [3]uint32{remap[f[0]], remap[f[1]], remap[f[2]]}
	}
	return removed
}

// selectVertices compacts every per-vertex attribute in lockstep.
func selectVertices(g *Geometry, keep []bool, remap []uint32, kept int) {
	verts := make([]vec3.T, kept)
	for i, k := range keep {
		if k {
			verts[remap[i]] = g.Vertices[i]
		}
	}
	g.Vertices = verts
	if len(g.Normals) == len(keep) {
		normals := make([]vec3.T, kept)
		for i, k := range keep {
			if k {
				normals[remap[i]] = g.Normals[i]
			}
		}
		g.Normals = normals
	}
	if len(g.TexCoords) == len(keep) {
		uv := make([]vec2.T, kept)
		for i, k := range keep {
			if k {
				uv[remap[i]] = g.TexCoords[i]
			}
		}
		g.TexCoords = uv
	}
	if len(g.Colors) == len(keep) {
		colors := make([][4]float32, kept)
		for i, k := range keep {
			if k {
				colors[remap[i]] = g.Colors[i]
			}
		}
		g.Colors = colors
	}
	if len(g.Tangents) == len(keep) {
		tangents := make([][4]float32, kept)
		for i, k := range keep {
			if k {
				tangents[remap[i]] = g.Tangents[i]
			}
		}
		g.Tangents = tangents
	}
}

// mergeVertices redirects faces from vertices that quantize to the same
// epsilon grid cell onto the first vertex seen in that cell. The orphaned
// duplicates are left for the next unused-vertex pass.
func mergeVertices(g *Geometry, eps float64) int {
	if eps <= 0 || len(g.Vertices) == 0 {
		return 0
	}
	cells := make(map[[3]int64]uint32, len(g.Vertices))
	remap := make([]uint32, len(g.Vertices))
	merged := 0
	for i, v := range g.Vertices {
		key := [3]int64{
			int64(math.Round(float64(v[0]) / eps)),
			int64(math.Round(float64(v[1]) / eps)),
			int64(math.Round(float64(v[2]) / eps)),
		}
		if first, ok := cells[key]; ok {
			remap[i] = first
			merged++
		} else {
			cells[key] = uint32(i)
			remap[i] = uint32(i)
		}
	}
	if merged == 0 {
		return 0
	}
	for i, f := range g.Faces {
		g.Faces[i] = [3]uint32{remap[f[0]], remap[f[1]], remap[f[2]]}
	}
	return merged
}

const degenerateAreaEps = 1e-12

func faceDegenerate(g *Geometry, f [3]uint32) bool {
	if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
		return true
	}
	a := dvec3FromVertex(g.Vertices[f[0]])
	b := dvec3FromVertex(g.Vertices[f[1]])
	c := dvec3FromVertex(g.Vertices[f[2]])
	ab := dvec3.Sub(&b, &a)
	ac := dvec3.Sub(&c, &a)
	cross := dvec3.Cross(&ab, &ac)
	return cross.Length() < degenerateAreaEps
}

func removeDegenerateFaces(g *Geometry) int {
	kept := g.Faces[:0]
	for _, f := range g.Faces {
		if !faceDegenerate(g, f) {
			kept = append(kept, f)
		}
	}
	removed := len(g.Faces) - len(kept)
	g.Faces = kept
	return removed
}

// canonicalFace picks the lexicographically smallest rotation, so faces
// that differ only by starting vertex dedupe while reversed windings stay
// distinct.
func canonicalFace(f [3]uint32) [3]uint32 {
	r1 := [3]uint32{f[1], f[2], f[0]}
	r2 := [3]uint32{f[2], f[0], f[1]}
	min := f
	if faceLess(r1, min) {
		min = r1
	}
	if faceLess(r2, min) {
		min = r2
	}
	return min
}

func faceLess(a, b [3]uint32) bool {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func removeDuplicateFaces(g *Geometry) int {
	seen := make(map[[3]uint32]bool, len(g.Faces))
	kept := g.Faces[:0]
	for _, f := range g.Faces {
		key := canonicalFace(f)
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, f)
	}
	removed := len(g.Faces) - len(kept)
	g.Faces = kept
	return removed
}

type edgeUse struct {
	fwd, bwd int
	faces    []int
	forward  []bool
}

func edgeKey(a, b uint32) ([2]uint32, bool) {
	if a < b {
		return [2]uint32{a, b}, true
	}
	return [2]uint32{b, a}, false
}

// buildEdgeMap indexes every face edge by its undirected key. Returns
// ok=false when the deadline expires mid-build.
func buildEdgeMap(g *Geometry, deadline time.Time) (map[[2]uint32]*edgeUse, bool) {
	edges := make(map[[2]uint32]*edgeUse, len(g.Faces)*2)
	for fi, f := range g.Faces {
		if fi%65536 == 0 && overDeadline(deadline) {
			return nil, false
		}
		for e := 0; e < 3; e++ {
			a, b := f[e], f[(e+1)%3]
			if a == b {
				continue
			}
			key, forward := edgeKey(a, b)
			use := edges[key]
			if use == nil {
				use = &edgeUse{}
				edges[key] = use
			}
			if forward {
				use.fwd++
			} else {
				use.bwd++
			}
			use.faces = append(use.faces, fi)
			use.forward = append(use.forward, forward)
		}
	}
	return edges, true
}

// edgeClassify reports watertightness (every edge on exactly two faces) and
// winding consistency (no directed edge repeated).
func edgeClassify(edges map[[2]uint32]*edgeUse) (watertight, consistent bool) {
	watertight, consistent = true, true
	for _, use := range edges {
		if use.fwd+use.bwd != 2 {
			watertight = false
		}
		if use.fwd > 1 || use.bwd > 1 {
			consistent = false
		}
	}
	return watertight, consistent
}

func overDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

// fixWinding orients adjacent faces consistently by flood fill over shared
// edges, then flips the whole mesh when its signed volume comes out
// negative. Normals are recomputed when any face changed.
func fixWinding(g *Geometry) (int, bool) {
	if len(g.Faces) == 0 {
		return 0, false
	}
	edges, _ := buildEdgeMap(g, time.Time{})
	flipped := make([]bool, len(g.Faces))
	visited := make([]bool, len(g.Faces))

	adj := make(map[int][]int)
	for _, use := range edges {
		if len(use.faces) != 2 {
			continue
		}
		adj[use.faces[0]] = append(adj[use.faces[0]], use.faces[1])
		adj[use.faces[1]] = append(adj[use.faces[1]], use.faces[0])
	}
	dirIn := func(use *edgeUse, face int) bool {
		for i, fi := range use.faces {
			if fi == face {
				return use.forward[i]
			}
		}
		return false
	}
	for seed := range g.Faces {
		if visited[seed] {
			continue
		}
		visited[seed] = true
		queue := []int{seed}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, use := range faceEdges(g.Faces[cur], edges) {
				if len(use.faces) != 2 {
					continue
				}
				other := use.faces[0]
				if other == cur {
					other = use.faces[1]
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				// Shared edge must run in opposite directions once
				// both faces are oriented.
				curDir := dirIn(use, cur) != flipped[cur]
				otherDir := dirIn(use, other)
				flipped[other] = curDir == otherDir
				queue = append(queue, other)
			}
		}
	}
	flips := 0
	for i, flip := range flipped {
		if flip {
			f := g.Faces[i]
			g.Faces[i] = [3]uint32{f[0], f[2], f[1]}
			flips++
		}
	}
	// Volume only says anything about orientation on a closed surface.
	volumeFlipped := false
	if watertight, _ := edgeClassify(edges); watertight && signedVolume(g) < 0 {
		for i, f := range g.Faces {
			g.Faces[i] = [3]uint32{f[0], f[2], f[1]}
		}
		volumeFlipped = true
	}
	if (flips > 0 || volumeFlipped) && len(g.Normals) > 0 {
		recomputeNormals(g)
	}
	return flips, volumeFlipped
}

func faceEdges(f [3]uint32, edges map[[2]uint32]*edgeUse) []*edgeUse {
	out := make([]*edgeUse, 0, 3)
	for e := 0; e < 3; e++ {
		a, b := f[e], f[(e+1)%3]
		if a == b {
			continue
		}
		key, _ := edgeKey(a, b)
		if use := edges[key]; use != nil {
			out = append(out, use)
		}
	}
	return out
}

func dvec3FromVertex(v vec3.T) dvec3.T {
	return dvec3.T{float64(v[0]), float64(v[1]), float64(v[2])}
}

// signedVolume integrates the divergence theorem over the faces. Positive
// means the winding points outward.
func signedVolume(g *Geometry) float64 {
	total := 0.0
	for _, f := range g.Faces {
		a := dvec3FromVertex(g.Vertices[f[0]])
		b := dvec3FromVertex(g.Vertices[f[1]])
		c := dvec3FromVertex(g.Vertices[f[2]])
		cross := dvec3.Cross(&b, &c)
		total += dvec3.Dot(&a, &cross)
	}
	return total / 6
}

// recomputeNormals rebuilds area-weighted vertex normals.
func recomputeNormals(g *Geometry) {
	acc := make([]dvec3.T, len(g.Vertices))
	for _, f := range g.Faces {
		a := dvec3FromVertex(g.Vertices[f[0]])
		b := dvec3FromVertex(g.Vertices[f[1]])
		c := dvec3FromVertex(g.Vertices[f[2]])
		ab := dvec3.Sub(&b, &a)
		ac := dvec3.Sub(&c, &a)
		cross := dvec3.Cross(&ab, &ac)
		for _, idx := range f {
			acc[idx] = dvec3.Add(&acc[idx], &cross)
		}
	}
	normals := make([]vec3.T, len(g.Vertices))
	for i := range acc {
		length := acc[i].Length()
		if length < 1e-20 {
			normals[i] = vec3.T{0, 0, 1}
			continue
		}
		normals[i] = vec3.T{
			float32(acc[i][0] / length),
			float32(acc[i][1] / length),
			float32(acc[i][2] / length),
		}
	}
	g.Normals = normals
}
