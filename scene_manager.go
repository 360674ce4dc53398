package glbopt

import (
	"fmt"
	"log/slog"
	"math"

	dmat "github.com/flywave/go3d/float64/mat4"
	"github.com/flywave/go3d/vec3"
)

// SceneManager prunes non-geometric elements and flattens hierarchies.
type SceneManager struct{}

func NewSceneManager() *SceneManager { return &SceneManager{} }

// RemoveSceneElements strips lights and the camera, then flattens the node
// hierarchy. The input scene is modified; the returned scene is the
// flattened replacement.
func (m *SceneManager) RemoveSceneElements(sc *Scene) *Scene {
	if sc == nil {
		return nil
	}
	removed := 0
	if n := len(sc.Lights); n > 0 {
		sc.Lights = nil
		removed += n
	}
	if sc.Camera != nil {
		sc.Camera = nil
		removed++
	}
	nodesBefore := sc.NodeCount()
	flat := m.FlattenScene(sc)
	Logger().Info("removed scene elements",
		slog.Int("elements", removed),
		slog.Int("nodes_before", nodesBefore),
		slog.Int("nodes_after", flat.NodeCount()))
	return flat
}

// FlattenScene rebuilds the scene as a flat list of geometries named
// mesh_0..mesh_n in insertion order. Node transforms are baked into vertex
// data first; a geometry instanced by several nodes is duplicated once per
// instance, and one referenced by none keeps identity placement. Geometries
// with neither vertices nor faces are dropped.
func (m *SceneManager) FlattenScene(sc *Scene) *Scene {
	if sc == nil {
		return nil
	}
	out := NewScene()
	out.Lights = sc.Lights
	out.Camera = sc.Camera
	instances := collectWorldTransforms(sc)
	idx := 0
	for _, name := range sc.GeometryNames() {
		g, _ := sc.Geometry(name)
		if g == nil || g.Empty() {
			continue
		}
		worlds := instances[name]
		if len(worlds) == 0 {
			out.AddGeometry(fmt.Sprintf("mesh_%d", idx), g.Copy())
			idx++
			continue
		}
		for i := range worlds {
			out.AddGeometry(fmt.Sprintf("mesh_%d", idx), transformGeometry(g, &worlds[i]))
			idx++
		}
	}
	return out
}

// collectWorldTransforms walks the node graph accumulating the world matrix
// of every geometry instance.
func collectWorldTransforms(sc *Scene) map[string][]dmat.T {
	out := make(map[string][]dmat.T)
	var walk func(n *Node, parent *dmat.T)
	walk = func(n *Node, parent *dmat.T) {
		local := n.LocalMatrix()
		var world dmat.T
		world.AssignMul(parent, &local)
		for _, name := range n.Geometries {
			if _, ok := sc.Geometry(name); !ok {
				Logger().Warn("node references missing geometry",
					slog.String("node", n.Name), slog.String("geometry", name))
				continue
			}
			out[name] = append(out[name], world)
		}
		for _, c := range n.Children {
			walk(c, &world)
		}
	}
	ident := dmat.Ident
	for _, root := range sc.Nodes {
		walk(root, &ident)
	}
	return out
}

// transformGeometry returns a copy of g with world baked into positions,
// normals and tangents. A mirroring transform (negative determinant) flips
// the face winding so orientation survives.
func transformGeometry(g *Geometry, world *dmat.T) *Geometry {
	out := g.Copy()
	if *world == dmat.Ident {
		return out
	}
	for i := range out.Vertices {
		p := dvec3FromVertex(out.Vertices[i])
		q := world.MulVec3(&p)
		out.Vertices[i] = vec3.T{float32(q[0]), float32(q[1]), float32(q[2])}
	}
	det, normalMat, invertible := normalMatrix(world)
	if len(out.Normals) > 0 {
		if invertible {
			for i := range out.Normals {
				out.Normals[i] = mulDir3(&normalMat, out.Normals[i])
			}
		} else {
			recomputeNormals(out)
		}
	}
	if len(out.Tangents) > 0 {
		for i := range out.Tangents {
			t := out.Tangents[i]
			rot := mulLinear3(world, vec3.T{t[0], t[1], t[2]})
			out.Tangents[i] = [4]float32{rot[0], rot[1], rot[2], t[3]}
		}
	}
	if det < 0 {
		for i, f := range out.Faces {
			out.Faces[i] = [3]uint32{f[0], f[2], f[1]}
		}
	}
	return out
}

// normalMatrix is the inverse transpose of the upper 3x3 of world, the
// matrix that keeps normals perpendicular under non-uniform scale. Computed
// as cofactors over the determinant.
func normalMatrix(world *dmat.T) (det float64, n [3][3]float64, ok bool) {
	var a [3][3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a[r][c] = world[c][r]
		}
	}
	cof := [3][3]float64{
		{a[1][1]*a[2][2] - a[1][2]*a[2][1], a[1][2]*a[2][0] - a[1][0]*a[2][2], a[1][0]*a[2][1] - a[1][1]*a[2][0]},
		{a[0][2]*a[2][1] - a[0][1]*a[2][2], a[0][0]*a[2][2] - a[0][2]*a[2][0], a[0][1]*a[2][0] - a[0][0]*a[2][1]},
		{a[0][1]*a[1][2] - a[0][2]*a[1][1], a[0][2]*a[1][0] - a[0][0]*a[1][2], a[0][0]*a[1][1] - a[0][1]*a[1][0]},
	}
	det = a[0][0]*cof[0][0] + a[0][1]*cof[0][1] + a[0][2]*cof[0][2]
	if det == 0 {
		return det, n, false
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			n[r][c] = cof[r][c] / det
		}
	}
	return det, n, true
}

func mulDir3(m *[3][3]float64, v vec3.T) vec3.T {
	x := m[0][0]*float64(v[0]) + m[0][1]*float64(v[1]) + m[0][2]*float64(v[2])
	y := m[1][0]*float64(v[0]) + m[1][1]*float64(v[1]) + m[1][2]*float64(v[2])
	z := m[2][0]*float64(v[0]) + m[2][1]*float64(v[1]) + m[2][2]*float64(v[2])
	length := x*x + y*y + z*z
	if length > 0 {
		inv := 1 / math.Sqrt(length)
		x, y, z = x*inv, y*inv, z*inv
	}
	return vec3.T{float32(x), float32(y), float32(z)}
}

// mulLinear3 applies the rotation/scale part of world to a direction.
func mulLinear3(world *dmat.T, v vec3.T) vec3.T {
	x := world[0][0]*float64(v[0]) + world[1][0]*float64(v[1]) + world[2][0]*float64(v[2])
	y := world[0][1]*float64(v[0]) + world[1][1]*float64(v[1]) + world[2][1]*float64(v[2])
	z := world[0][2]*float64(v[0]) + world[1][2]*float64(v[1]) + world[2][2]*float64(v[2])
	length := x*x + y*y + z*z
	if length > 0 {
		inv := 1 / math.Sqrt(length)
		x, y, z = x*inv, y*inv, z*inv
	}
	return vec3.T{float32(x), float32(y), float32(z)}
}
