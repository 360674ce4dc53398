package glbopt

import (
	"fmt"

	dmat "github.com/flywave/go3d/float64/mat4"
	dquat "github.com/flywave/go3d/float64/quaternion"
	dvec3 "github.com/flywave/go3d/float64/vec3"
	"github.com/flywave/go3d/vec2"
	"github.com/flywave/go3d/vec3"
)

// ChannelMode is the pixel layout of a decoded raster.
type ChannelMode int

const (
	ChannelL ChannelMode = iota
	ChannelRGB
	ChannelRGBA
)

func (m ChannelMode) Channels() int {
	switch m {
	case ChannelRGB:
		return 3
	case ChannelRGBA:
		return 4
	}
	return 1
}

func (m ChannelMode) String() string {
	switch m {
	case ChannelRGB:
		return "RGB"
	case ChannelRGBA:
		return "RGBA"
	}
	return "L"
}

// Image is a decoded texture raster. Pix holds Width*Height*Channels
// float32 samples in [0,1], row major. SourceData keeps the original
// encoded bytes so an untouched texture can be written back byte for byte.
type Image struct {
	Name       string
	Width      int
	Height     int
	Mode       ChannelMode
	Pix        []float32
	SourceData []byte
	SourceMIME string
}

func (im *Image) Clone() *Image {
	if im == nil {
		return nil
	}
	out := *im
	out.Pix = append([]float32(nil), im.Pix...)
	out.SourceData = append([]byte(nil), im.SourceData...)
	return &out
}

type Material struct {
	Name        string
	BaseColor   [4]float32
	Metallic    float32
	Roughness   float32
	Emissive    [3]float32
	AlphaMode   string
	AlphaCutoff float32
	DoubleSided bool

	Texture                  *Image
	NormalTexture            *Image
	MetallicRoughnessTexture *Image
	EmissiveTexture          *Image
}

func NewMaterial() *Material {
	return &Material{
		BaseColor: [4]float32{1, 1, 1, 1},
		Metallic:  1,
		Roughness: 1,
	}
}

type SpotCone struct {
	InnerConeAngle float64
	OuterConeAngle float64
}

// Light is a punctual light lifted out of the node graph. Translation and
// Rotation are the world placement of the node that carried it.
type Light struct {
	Name        string
	Type        string
	Color       [3]float64
	Intensity   float64
	Range       float64
	Spot        *SpotCone
	Translation dvec3.T
	Rotation    dquat.T
}

type Camera struct {
	Name         string
	Orthographic bool
	YFov         float64
	AspectRatio  float64
	XMag         float64
	YMag         float64
	ZNear        float64
	ZFar         float64
	Translation  dvec3.T
	Rotation     dquat.T
}

// Geometry is one drawable mesh: triangle faces over indexed vertices with
// optional per-vertex attributes. Attribute slices are either empty or hold
// exactly one entry per vertex.
type Geometry struct {
	Vertices  []vec3.T
	Faces     [][3]uint32
	Normals   []vec3.T
	TexCoords []vec2.T
	Colors    [][4]float32
	Tangents  [][4]float32
	Material  *Material
}

func (g *Geometry) VertexCount() int { return len(g.Vertices) }

func (g *Geometry) FaceCount() int { return len(g.Faces) }

// Empty reports a geometry carrying neither vertex nor face data.
func (g *Geometry) Empty() bool { return len(g.Vertices) == 0 && len(g.Faces) == 0 }

func (g *Geometry) Copy() *Geometry {
	out := &Geometry{Material: g.Material}
	out.Vertices = append([]vec3.T(nil), g.Vertices...)
	out.Faces = append([][3]uint32(nil), g.Faces...)
	out.Normals = append([]vec3.T(nil), g.Normals...)
	out.TexCoords = append([]vec2.T(nil), g.TexCoords...)
	out.Colors = append([][4]float32(nil), g.Colors...)
	out.Tangents = append([][4]float32(nil), g.Tangents...)
	return out
}

func (g *Geometry) Bounds() dvec3.Box {
	box := dvec3.MinBox
	for i := range g.Vertices {
		p := dvec3.T{float64(g.Vertices[i][0]), float64(g.Vertices[i][1]), float64(g.Vertices[i][2])}
		box.Extend(&p)
	}
	return box
}

// Node is one transform in the hierarchy. Either Matrix is set or the
// TRS fields are; NewNode fills identity TRS so zero scale cannot slip in.
type Node struct {
	Name        string
	Geometries  []string
	Translation dvec3.T
	Rotation    dquat.T
	Scale       dvec3.T
	Matrix      *dmat.T
	Children    []*Node
}

func NewNode(name string) *Node {
	return &Node{
		Name:     name,
		Rotation: dquat.T{0, 0, 0, 1},
		Scale:    dvec3.T{1, 1, 1},
	}
}

func (n *Node) LocalMatrix() dmat.T {
	if n.Matrix != nil {
		return *n.Matrix
	}
	tra, rot, sc := n.Translation, n.Rotation, n.Scale
	return *dmat.Compose(&tra, &rot, &sc)
}

// Scene is the in-memory model a GLB decodes to: named geometries in
// insertion order plus the node hierarchy and non-mesh elements.
type Scene struct {
	geometries map[string]*Geometry
	names      []string

	Nodes  []*Node
	Lights []*Light
	Camera *Camera
}

func NewScene() *Scene {
	return &Scene{geometries: make(map[string]*Geometry)}
}

// AddGeometry registers g under name, replacing any geometry already held
// under it. An empty name is assigned automatically. Returns the name used.
func (sc *Scene) AddGeometry(name string, g *Geometry) string {
	if name == "" {
		name = fmt.Sprintf("geometry_%d", len(sc.names))
	}
	if _, ok := sc.geometries[name]; !ok {
		sc.names = append(sc.names, name)
	}
	sc.geometries[name] = g
	return name
}

func (sc *Scene) Geometry(name string) (*Geometry, bool) {
	g, ok := sc.geometries[name]
	return g, ok
}

func (sc *Scene) RemoveGeometry(name string) bool {
	if _, ok := sc.geometries[name]; !ok {
		return false
	}
	delete(sc.geometries, name)
	for i, n := range sc.names {
		if n == name {
			sc.names = append(sc.names[:i], sc.names[i+1:]...)
			break
		}
	}
	return true
}

// GeometryNames returns the geometry names in insertion order.
func (sc *Scene) GeometryNames() []string {
	return append([]string(nil), sc.names...)
}

func (sc *Scene) GeometryCount() int { return len(sc.names) }

// uniqueName derives an unused geometry name from base.
func (sc *Scene) uniqueName(base string) string {
	if base == "" {
		base = "geometry"
	}
	if _, ok := sc.geometries[base]; !ok {
		return base
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s_%d", base, i)
		if _, ok := sc.geometries[name]; !ok {
			return name
		}
	}
}

func (sc *Scene) TotalVertices() int {
	total := 0
	for _, name := range sc.names {
		total += sc.geometries[name].VertexCount()
	}
	return total
}

func (sc *Scene) TotalFaces() int {
	total := 0
	for _, name := range sc.names {
		total += sc.geometries[name].FaceCount()
	}
	return total
}

// Materials returns the distinct materials referenced by the scene's
// geometries, in geometry order.
func (sc *Scene) Materials() []*Material {
	seen := make(map[*Material]bool)
	var out []*Material
	for _, name := range sc.names {
		m := sc.geometries[name].Material
		if m == nil || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func countNodes(nodes []*Node) int {
	total := 0
	for _, n := range nodes {
		total += 1 + countNodes(n.Children)
	}
	return total
}

func (sc *Scene) NodeCount() int { return countNodes(sc.Nodes) }
