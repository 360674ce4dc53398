package glbopt

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	dmat "github.com/flywave/go3d/float64/mat4"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// SaveScene writes the scene as GLB when the path ends in .glb and as
// embedded-buffer glTF JSON otherwise.
func SaveScene(sc *Scene, path string) error {
	doc, err := EncodeDocument(sc)
	if err != nil {
		return err
	}
	binary := strings.EqualFold(filepath.Ext(path), ".glb")
	if !binary {
		// JSON output cannot carry a bare binary chunk.
		for _, buf := range doc.Buffers {
			if buf.URI == "" && len(buf.Data) > 0 {
				buf.EmbeddedResource()
			}
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return wrapErr(ErrFileOperation, "create "+path, err)
	}
	enc := gltf.NewEncoder(f)
	enc.AsBinary = binary
	if err := enc.Encode(doc); err != nil {
		f.Close()
		return wrapErr(ErrFileOperation, "encode "+path, err)
	}
	return wrapErr(ErrFileOperation, "close "+path, f.Close())
}

// EncodeDocument rebuilds a glTF document from the scene: geometry buffers
// are packed fresh, untouched textures keep their original bytes, lights
// and camera are re-attached through root nodes.
func EncodeDocument(sc *Scene) (*gltf.Document, error) {
	if sc == nil {
		return nil, errf(ErrFileOperation, "encode", "nil scene")
	}
	e := &sceneEncoder{
		doc:      gltf.NewDocument(),
		sc:       sc,
		meshIdx:  make(map[string]uint32),
		matIdx:   make(map[*Material]uint32),
		texIdx:   make(map[*Image]uint32),
		attached: make(map[string]bool),
	}
	e.doc.Asset.Generator = "go-glbopt"
	for _, name := range sc.GeometryNames() {
		g, _ := sc.Geometry(name)
		if g == nil || g.Empty() {
			continue
		}
		if err := e.addMesh(name, g); err != nil {
			return nil, wrapErr(ErrFileOperation, "pack geometry "+name, err)
		}
	}
	var roots []uint32
	if len(sc.Nodes) > 0 {
		for _, n := range sc.Nodes {
			roots = append(roots, e.addNode(n))
		}
		// Meshes no node points at still need to be reachable.
		for _, name := range sc.GeometryNames() {
			if _, ok := e.meshIdx[name]; ok && !e.attached[name] {
				roots = append(roots, e.addMeshNode(name))
			}
		}
	} else {
		for _, name := range sc.GeometryNames() {
			if _, ok := e.meshIdx[name]; ok {
				roots = append(roots, e.addMeshNode(name))
			}
		}
	}
	if sc.Camera != nil {
		roots = append(roots, e.addCamera(sc.Camera))
	}
	if len(sc.Lights) > 0 {
		roots = append(roots, e.addLights(sc.Lights)...)
	}
	e.doc.Scenes[0].Nodes = roots
	return e.doc, nil
}

type sceneEncoder struct {
	doc      *gltf.Document
	sc       *Scene
	meshIdx  map[string]uint32
	matIdx   map[*Material]uint32
	texIdx   map[*Image]uint32
	attached map[string]bool
}

func (e *sceneEncoder) addMesh(name string, g *Geometry) error {
	pos := make([][3]float32, len(g.Vertices))
	for i, v := range g.Vertices {
		pos[i] = [3]float32(v)
	}
	prim := &gltf.Primitive{
		Attributes: map[string]uint32{"POSITION": modeler.WritePosition(e.doc, pos)},
	}
	if len(g.Faces) > 0 {
		if len(g.Vertices) <= 0xffff {
			flat := make([]uint16, 0, len(g.Faces)*3)
			for _, f := range g.Faces {
				flat = append(flat, uint16(f[0]), uint16(f[1]), uint16(f[2]))
			}
			prim.Indices = gltf.Index(modeler.WriteIndices(e.doc, flat))
		} else {
			flat := make([]uint32, 0, len(g.Faces)*3)
			for _, f := range g.Faces {
				flat = append(flat, f[0], f[1], f[2])
			}
			prim.Indices = gltf.Index(modeler.WriteIndices(e.doc, flat))
		}
	} else {
		prim.Mode = gltf.PrimitivePoints
	}
	if len(g.Normals) == len(g.Vertices) && len(g.Normals) > 0 {
		normals := make([][3]float32, len(g.Normals))
		for i, n := range g.Normals {
			normals[i] = [3]float32(n)
		}
		prim.Attributes["NORMAL"] = modeler.WriteNormal(e.doc, normals)
	}
	if len(g.TexCoords) == len(g.Vertices) && len(g.TexCoords) > 0 {
		uv := make([][2]float32, len(g.TexCoords))
		for i, t := range g.TexCoords {
			uv[i] = [2]float32(t)
		}
		prim.Attributes["TEXCOORD_0"] = modeler.WriteTextureCoord(e.doc, uv)
	}
	if len(g.Colors) == len(g.Vertices) && len(g.Colors) > 0 {
		prim.Attributes["COLOR_0"] = modeler.WriteColor(e.doc, g.Colors)
	}
	if len(g.Tangents) == len(g.Vertices) && len(g.Tangents) > 0 {
		prim.Attributes["TANGENT"] = modeler.WriteTangent(e.doc, g.Tangents)
	}
	if g.Material != nil {
		mi, err := e.materialIndex(g.Material)
		if err != nil {
			return err
		}
		prim.Material = gltf.Index(mi)
	}
	e.meshIdx[name] = uint32(len(e.doc.Meshes))
	e.doc.Meshes = append(e.doc.Meshes, &gltf.Mesh{
		Name: name, Primitives: []*gltf.Primitive{prim},
	})
	return nil
}

func (e *sceneEncoder) materialIndex(m *Material) (uint32, error) {
	if idx, ok := e.matIdx[m]; ok {
		return idx, nil
	}
	out := &gltf.Material{
		Name: m.Name,
		PBRMetallicRoughness: &gltf.PBRMetallicRoughness{
			BaseColorFactor: &[4]float64{
				float64(m.BaseColor[0]), float64(m.BaseColor[1]),
				float64(m.BaseColor[2]), float64(m.BaseColor[3]),
			},
			MetallicFactor:  gltf.Float(float64(m.Metallic)),
			RoughnessFactor: gltf.Float(float64(m.Roughness)),
		},
		EmissiveFactor: [3]float64{
			float64(m.Emissive[0]), float64(m.Emissive[1]), float64(m.Emissive[2]),
		},
		DoubleSided: m.DoubleSided,
	}
	switch m.AlphaMode {
	case "MASK":
		out.AlphaMode = gltf.AlphaMask
		if m.AlphaCutoff > 0 {
			out.AlphaCutoff = gltf.Float(float64(m.AlphaCutoff))
		}
	case "BLEND":
		out.AlphaMode = gltf.AlphaBlend
	}
	if m.Texture != nil {
		ti, err := e.textureIndex(m.Texture)
		if err != nil {
			return 0, err
		}
		out.PBRMetallicRoughness.BaseColorTexture = &gltf.TextureInfo{Index: ti}
	}
	if m.MetallicRoughnessTexture != nil {
		ti, err := e.textureIndex(m.MetallicRoughnessTexture)
		if err != nil {
			return 0, err
		}
		out.PBRMetallicRoughness.MetallicRoughnessTexture = &gltf.TextureInfo{Index: ti}
	}
	if m.NormalTexture != nil {
		ti, err := e.textureIndex(m.NormalTexture)
		if err != nil {
			return 0, err
		}
		out.NormalTexture = &gltf.NormalTexture{Index: gltf.Index(ti)}
	}
	if m.EmissiveTexture != nil {
		ti, err := e.textureIndex(m.EmissiveTexture)
		if err != nil {
			return 0, err
		}
		out.EmissiveTexture = &gltf.TextureInfo{Index: ti}
	}
	idx := uint32(len(e.doc.Materials))
	e.doc.Materials = append(e.doc.Materials, out)
	e.matIdx[m] = idx
	return idx, nil
}

// textureIndex embeds the image once. Original bytes pass through when they
// are still valid and in a container-legal format, everything else is
// re-encoded as PNG.
func (e *sceneEncoder) textureIndex(im *Image) (uint32, error) {
	if idx, ok := e.texIdx[im]; ok {
		return idx, nil
	}
	data, mime := im.SourceData, im.SourceMIME
	if len(data) == 0 || (mime != "image/png" && mime != "image/jpeg") {
		var err error
		data, err = encodePNG(im)
		if err != nil {
			return 0, err
		}
		mime = "image/png"
		Logger().Debug("re-encoding texture", slog.String("texture", im.Name))
	}
	imgIdx, err := modeler.WriteImage(e.doc, im.Name, mime, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	idx := uint32(len(e.doc.Textures))
	e.doc.Textures = append(e.doc.Textures, &gltf.Texture{Source: gltf.Index(imgIdx)})
	e.texIdx[im] = idx
	return idx, nil
}

func defaultNode(name string) *gltf.Node {
	return &gltf.Node{
		Name:     name,
		Matrix:   identityMatrix,
		Rotation: [4]float64{0, 0, 0, 1},
		Scale:    [3]float64{1, 1, 1},
	}
}

func (e *sceneEncoder) addMeshNode(name string) uint32 {
	out := defaultNode(name)
	out.Mesh = gltf.Index(e.meshIdx[name])
	e.attached[name] = true
	idx := uint32(len(e.doc.Nodes))
	e.doc.Nodes = append(e.doc.Nodes, out)
	return idx
}

func (e *sceneEncoder) addNode(n *Node) uint32 {
	out := defaultNode(n.Name)
	if n.Matrix != nil {
		out.Matrix = matToArray(n.Matrix)
	} else {
		out.Translation = [3]float64(n.Translation)
		out.Rotation = [4]float64(n.Rotation)
		out.Scale = [3]float64(n.Scale)
	}
	var attach []string
	for _, name := range n.Geometries {
		if _, ok := e.meshIdx[name]; !ok {
			Logger().Warn("node references unpacked geometry",
				slog.String("node", n.Name), slog.String("geometry", name))
			continue
		}
		attach = append(attach, name)
	}
	if len(attach) > 0 {
		out.Mesh = gltf.Index(e.meshIdx[attach[0]])
		e.attached[attach[0]] = true
	}
	idx := uint32(len(e.doc.Nodes))
	e.doc.Nodes = append(e.doc.Nodes, out)
	// A node holds one mesh, extra references become identity children.
	for _, name := range attach[1:] {
		out.Children = append(out.Children, e.addMeshNode(name))
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, e.addNode(c))
	}
	return idx
}

func (e *sceneEncoder) addCamera(cam *Camera) uint32 {
	out := &gltf.Camera{Name: cam.Name}
	if cam.Orthographic {
		out.Orthographic = &gltf.Orthographic{
			Xmag: cam.XMag, Ymag: cam.YMag,
			Zfar: cam.ZFar, Znear: cam.ZNear,
		}
	} else {
		persp := &gltf.Perspective{Yfov: cam.YFov, Znear: cam.ZNear}
		if cam.AspectRatio > 0 {
			persp.AspectRatio = gltf.Float(cam.AspectRatio)
		}
		if cam.ZFar > 0 {
			persp.Zfar = gltf.Float(cam.ZFar)
		}
		out.Perspective = persp
	}
	ci := uint32(len(e.doc.Cameras))
	e.doc.Cameras = append(e.doc.Cameras, out)

	node := defaultNode(cam.Name)
	node.Camera = gltf.Index(ci)
	node.Translation = [3]float64(cam.Translation)
	node.Rotation = [4]float64(cam.Rotation)
	idx := uint32(len(e.doc.Nodes))
	e.doc.Nodes = append(e.doc.Nodes, node)
	return idx
}

func (e *sceneEncoder) addLights(lights []*Light) []uint32 {
	ext := punctualLights{}
	var roots []uint32
	for i, l := range lights {
		pl := punctualLight{
			Name:      l.Name,
			Type:      l.Type,
			Color:     &l.Color,
			Intensity: &l.Intensity,
			Range:     l.Range,
		}
		if l.Spot != nil {
			outer := l.Spot.OuterConeAngle
			pl.Spot = &punctualSpot{
				InnerConeAngle: l.Spot.InnerConeAngle,
				OuterConeAngle: &outer,
			}
		}
		ext.Lights = append(ext.Lights, pl)

		node := defaultNode(l.Name)
		node.Translation = [3]float64(l.Translation)
		node.Rotation = [4]float64(l.Rotation)
		node.Extensions = gltf.Extensions{
			"KHR_lights_punctual": map[string]interface{}{"light": i},
		}
		idx := uint32(len(e.doc.Nodes))
		e.doc.Nodes = append(e.doc.Nodes, node)
		roots = append(roots, idx)
	}
	if e.doc.Extensions == nil {
		e.doc.Extensions = gltf.Extensions{}
	}
	e.doc.Extensions["KHR_lights_punctual"] = ext
	e.doc.ExtensionsUsed = append(e.doc.ExtensionsUsed, "KHR_lights_punctual")
	return roots
}

func matToArray(m *dmat.T) [16]float64 {
	return [16]float64{
		m[0][0], m[0][1], m[0][2], m[0][3],
		m[1][0], m[1][1], m[1][2], m[1][3],
		m[2][0], m[2][1], m[2][2], m[2][3],
		m[3][0], m[3][1], m[3][2], m[3][3],
	}
}
