package glbopt

import (
	"errors"
	"fmt"

	"github.com/flywave/go3d/vec3"
	"github.com/fogleman/simplify"
)

// SimplifiedMesh is the positional result of a decimation pass. Vertex
// attributes beyond position do not survive decimation.
type SimplifiedMesh struct {
	Vertices []vec3.T
	Faces    [][3]uint32
}

// MeshSimplifier reduces a triangle mesh towards targetFaces faces.
// Implementations return an error instead of a partial result when the
// input cannot be decimated.
type MeshSimplifier interface {
	Simplify(vertices []vec3.T, faces [][3]uint32, targetFaces int) (*SimplifiedMesh, error)
}

// QuadricSimplifier collapses edges by quadric error. The backend works on
// triangle soup, so the result is re-indexed by welding exact positions.
type QuadricSimplifier struct{}

func NewQuadricSimplifier() *QuadricSimplifier { return &QuadricSimplifier{} }

func (s *QuadricSimplifier) Simplify(vertices []vec3.T, faces [][3]uint32, targetFaces int) (*SimplifiedMesh, error) {
	if targetFaces <= 0 {
		return nil, fmt.Errorf("target face count %d", targetFaces)
	}
	if len(faces) == 0 {
		return nil, errors.New("no faces")
	}
	nv := uint32(len(vertices))
	tris := make([]*simplify.Triangle, 0, len(faces))
	for _, f := range faces {
		if f[0] >= nv || f[1] >= nv || f[2] >= nv {
			return nil, fmt.Errorf("face index out of range (%d vertices)", nv)
		}
		a, b, c := vertices[f[0]], vertices[f[1]], vertices[f[2]]
		tris = append(tris, simplify.NewTriangle(
			simplify.Vector{X: float64(a[0]), Y: float64(a[1]), Z: float64(a[2])},
			simplify.Vector{X: float64(b[0]), Y: float64(b[1]), Z: float64(b[2])},
			simplify.Vector{X: float64(c[0]), Y: float64(c[1]), Z: float64(c[2])}))
	}
	factor := float64(targetFaces) / float64(len(faces))
	if factor > 1 {
		factor = 1
	}
	out := simplify.NewMesh(tris).Simplify(factor)
	if out == nil || len(out.Triangles) == 0 {
		return nil, errors.New("decimation removed every face")
	}

	index := make(map[simplify.Vector]uint32)
	res := &SimplifiedMesh{}
	weld := func(v simplify.Vector) uint32 {
		if i, ok := index[v]; ok {
			return i
		}
		i := uint32(len(res.Vertices))
		index[v] = i
		res.Vertices = append(res.Vertices, vec3.T{float32(v.X), float32(v.Y), float32(v.Z)})
		return i
	}
	for _, t := range out.Triangles {
		ia, ib, ic := weld(t.V1), weld(t.V2), weld(t.V3)
		if ia == ib || ib == ic || ia == ic {
			continue
		}
		res.Faces = append(res.Faces, [3]uint32{ia, ib, ic})
	}
	if len(res.Faces) == 0 {
		return nil, errors.New("decimation left only degenerate faces")
	}
	return res, nil
}
