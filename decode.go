package glbopt

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	dmat "github.com/flywave/go3d/float64/mat4"
	dquat "github.com/flywave/go3d/float64/quaternion"
	dvec3 "github.com/flywave/go3d/float64/vec3"
	dvec4 "github.com/flywave/go3d/float64/vec4"
	"github.com/flywave/go3d/vec2"
	"github.com/flywave/go3d/vec3"

	"github.com/qmuntal/gltf"
)

var identityMatrix = [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}

// LoadScene reads a glTF or GLB file into a Scene. Relative image URIs are
// resolved against the file's directory. Broken primitives, materials and
// images are skipped with a warning; only an unreadable container fails.
func LoadScene(path string) (*Scene, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, wrapErr(ErrFileOperation, "open "+path, err)
	}
	return decodeDocument(doc, filepath.Dir(path))
}

// DecodeDocument converts an already parsed document. External image URIs
// cannot be resolved through this entry point.
func DecodeDocument(doc *gltf.Document) (*Scene, error) {
	return decodeDocument(doc, "")
}

type sceneDecoder struct {
	doc       *gltf.Document
	baseDir   string
	images    []*Image
	materials []*Material
	lights    []*Light
	meshGeoms map[uint32][]string
}

func decodeDocument(doc *gltf.Document, baseDir string) (*Scene, error) {
	if doc == nil {
		return nil, errf(ErrFileOperation, "decode", "nil document")
	}
	d := &sceneDecoder{doc: doc, baseDir: baseDir, meshGeoms: make(map[uint32][]string)}
	sc := NewScene()
	d.decodeImages()
	d.decodeMaterials()
	d.decodeLights()
	d.decodeMeshes(sc)
	d.decodeNodes(sc)
	return sc, nil
}

func nameOr(name, format string, idx int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf(format, idx)
}

func (d *sceneDecoder) decodeImages() {
	d.images = make([]*Image, len(d.doc.Images))
	for i, img := range d.doc.Images {
		name := nameOr(img.Name, "image_%d", i)
		data, mime := d.imageBytes(img)
		if len(data) == 0 {
			Logger().Warn("image has no resolvable data", slog.String("image", name))
			continue
		}
		if mime == "" {
			mime = sniffMIME(data)
		}
		decoded, err := decodeEmbedded(mime, data)
		if err != nil {
			Logger().Warn("image decode failed",
				slog.String("image", name), slog.Any("error", err))
			continue
		}
		raster := rasterFromImage(name, decoded)
		raster.SourceData = data
		raster.SourceMIME = mime
		d.images[i] = raster
	}
}

func (d *sceneDecoder) imageBytes(img *gltf.Image) ([]byte, string) {
	if img.BufferView != nil {
		if int(*img.BufferView) >= len(d.doc.BufferViews) {
			return nil, ""
		}
		view := d.doc.BufferViews[*img.BufferView]
		buffer := d.doc.Buffers[view.Buffer]
		if int(view.ByteOffset+view.ByteLength) > len(buffer.Data) {
			return nil, ""
		}
		return buffer.Data[view.ByteOffset : view.ByteOffset+view.ByteLength], img.MimeType
	}
	if strings.HasPrefix(img.URI, "data:") {
		mime, data, ok := parseDataURI(img.URI)
		if !ok {
			return nil, ""
		}
		if img.MimeType != "" {
			mime = img.MimeType
		}
		return data, mime
	}
	if img.URI != "" && d.baseDir != "" {
		data, err := os.ReadFile(filepath.Join(d.baseDir, filepath.FromSlash(img.URI)))
		if err != nil {
			return nil, ""
		}
		return data, img.MimeType
	}
	return nil, ""
}

func parseDataURI(uri string) (mime string, data []byte, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", nil, false
	}
	head, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", nil, false
	}
	mime, _, _ = strings.Cut(head, ";")
	if !strings.HasSuffix(head, ";base64") {
		return "", nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, false
	}
	return mime, raw, true
}

func (d *sceneDecoder) textureImage(texIdx uint32) *Image {
	if int(texIdx) >= len(d.doc.Textures) {
		return nil
	}
	src := d.doc.Textures[texIdx].Source
	if src == nil || int(*src) >= len(d.images) {
		return nil
	}
	return d.images[*src]
}

func alphaModeString(m gltf.AlphaMode) string {
	switch m {
	case gltf.AlphaMask:
		return "MASK"
	case gltf.AlphaBlend:
		return "BLEND"
	}
	return ""
}

func (d *sceneDecoder) decodeMaterials() {
	d.materials = make([]*Material, len(d.doc.Materials))
	for i, mt := range d.doc.Materials {
		m := NewMaterial()
		m.Name = nameOr(mt.Name, "material_%d", i)
		if pbr := mt.PBRMetallicRoughness; pbr != nil {
			if pbr.BaseColorFactor != nil {
				for c := 0; c < 4; c++ {
					m.BaseColor[c] = float32(pbr.BaseColorFactor[c])
				}
			}
			if pbr.MetallicFactor != nil {
				m.Metallic = float32(*pbr.MetallicFactor)
			}
			if pbr.RoughnessFactor != nil {
				m.Roughness = float32(*pbr.RoughnessFactor)
			}
			if pbr.BaseColorTexture != nil {
				m.Texture = d.textureImage(pbr.BaseColorTexture.Index)
			}
			if pbr.MetallicRoughnessTexture != nil {
				m.MetallicRoughnessTexture = d.textureImage(pbr.MetallicRoughnessTexture.Index)
			}
		}
		if mt.NormalTexture != nil && mt.NormalTexture.Index != nil {
			m.NormalTexture = d.textureImage(*mt.NormalTexture.Index)
		}
		if mt.EmissiveTexture != nil {
			m.EmissiveTexture = d.textureImage(mt.EmissiveTexture.Index)
		}
		for c := 0; c < 3; c++ {
			m.Emissive[c] = float32(mt.EmissiveFactor[c])
		}
		m.AlphaMode = alphaModeString(mt.AlphaMode)
		if mt.AlphaCutoff != nil {
			m.AlphaCutoff = float32(*mt.AlphaCutoff)
		}
		m.DoubleSided = mt.DoubleSided
		d.materials[i] = m
	}
}

type punctualSpot struct {
	InnerConeAngle float64  `json:"innerConeAngle,omitempty"`
	OuterConeAngle *float64 `json:"outerConeAngle,omitempty"`
}

type punctualLight struct {
	Name      string        `json:"name,omitempty"`
	Type      string        `json:"type"`
	Color     *[3]float64   `json:"color,omitempty"`
	Intensity *float64      `json:"intensity,omitempty"`
	Range     float64       `json:"range,omitempty"`
	Spot      *punctualSpot `json:"spot,omitempty"`
}

type punctualLights struct {
	Lights []punctualLight `json:"lights"`
}

// extAs unmarshals an extension payload that may still be raw JSON or an
// already-decoded generic map.
func extAs(v interface{}, out interface{}) bool {
	switch data := v.(type) {
	case json.RawMessage:
		return json.Unmarshal(data, out) == nil
	case []byte:
		return json.Unmarshal(data, out) == nil
	default:
		dt, err := json.Marshal(v)
		if err != nil {
			return false
		}
		return json.Unmarshal(dt, out) == nil
	}
}

func (d *sceneDecoder) decodeLights() {
	ext, ok := d.doc.Extensions["KHR_lights_punctual"]
	if !ok {
		return
	}
	var parsed punctualLights
	if !extAs(ext, &parsed) {
		Logger().Warn("unreadable KHR_lights_punctual extension")
		return
	}
	for i, pl := range parsed.Lights {
		light := &Light{
			Name:      nameOr(pl.Name, "light_%d", i),
			Type:      pl.Type,
			Color:     [3]float64{1, 1, 1},
			Intensity: 1,
			Range:     pl.Range,
			Rotation:  dquat.T{0, 0, 0, 1},
		}
		if pl.Color != nil {
			light.Color = *pl.Color
		}
		if pl.Intensity != nil {
			light.Intensity = *pl.Intensity
		}
		if pl.Spot != nil {
			cone := &SpotCone{
				InnerConeAngle: pl.Spot.InnerConeAngle,
				OuterConeAngle: math.Pi / 4,
			}
			if pl.Spot.OuterConeAngle != nil {
				cone.OuterConeAngle = *pl.Spot.OuterConeAngle
			}
			light.Spot = cone
		}
		d.lights = append(d.lights, light)
	}
}

func (d *sceneDecoder) decodeMeshes(sc *Scene) {
	for mi, mesh := range d.doc.Meshes {
		base := nameOr(mesh.Name, "geometry_%d", mi)
		for pi, prim := range mesh.Primitives {
			g, err := d.decodePrimitive(prim)
			if err != nil {
				Logger().Warn("skipping primitive",
					slog.String("mesh", base), slog.Int("primitive", pi),
					slog.Any("error", err))
				continue
			}
			if g == nil {
				continue
			}
			name := base
			if pi > 0 {
				name = fmt.Sprintf("%s_%d", base, pi)
			}
			name = sc.uniqueName(name)
			sc.AddGeometry(name, g)
			d.meshGeoms[uint32(mi)] = append(d.meshGeoms[uint32(mi)], name)
		}
	}
}

func (d *sceneDecoder) decodePrimitive(prim *gltf.Primitive) (*Geometry, error) {
	if prim.Mode != gltf.PrimitiveTriangles && prim.Mode != gltf.PrimitivePoints {
		Logger().Debug("unsupported primitive mode", slog.Int("mode", int(prim.Mode)))
		return nil, nil
	}
	posIdx, ok := prim.Attributes["POSITION"]
	if !ok {
		return nil, fmt.Errorf("primitive without POSITION")
	}
	g := &Geometry{}
	verts, err := d.readVec3Attr(posIdx)
	if err != nil {
		return nil, fmt.Errorf("POSITION: %w", err)
	}
	g.Vertices = verts

	if prim.Mode == gltf.PrimitiveTriangles {
		var flat []uint32
		if prim.Indices != nil {
			flat, err = d.readIndices(*prim.Indices)
			if err != nil {
				return nil, fmt.Errorf("indices: %w", err)
			}
		} else {
			flat = make([]uint32, len(verts))
			for i := range flat {
				flat[i] = uint32(i)
			}
		}
		nv := uint32(len(verts))
		for i := 0; i+2 < len(flat); i += 3 {
			f := [3]uint32{flat[i], flat[i+1], flat[i+2]}
			if f[0] >= nv || f[1] >= nv || f[2] >= nv {
				return nil, fmt.Errorf("face index out of range")
			}
			g.Faces = append(g.Faces, f)
		}
	}

	if idx, ok := prim.Attributes["NORMAL"]; ok {
		if normals, err := d.readVec3Attr(idx); err == nil && len(normals) == len(verts) {
			g.Normals = normals
		} else {
			Logger().Debug("dropping NORMAL attribute", slog.Any("error", err))
		}
	}
	if idx, ok := prim.Attributes["TEXCOORD_0"]; ok {
		if uv, err := d.readVec2Attr(idx); err == nil && len(uv) == len(verts) {
			g.TexCoords = uv
		} else {
			Logger().Debug("dropping TEXCOORD_0 attribute", slog.Any("error", err))
		}
	}
	if idx, ok := prim.Attributes["COLOR_0"]; ok {
		if colors, err := d.readColorAttr(idx); err == nil && len(colors) == len(verts) {
			g.Colors = colors
		} else {
			Logger().Debug("dropping COLOR_0 attribute", slog.Any("error", err))
		}
	}
	if idx, ok := prim.Attributes["TANGENT"]; ok {
		if tangents, err := d.readVec4Attr(idx); err == nil && len(tangents) == len(verts) {
			g.Tangents = tangents
		} else {
			Logger().Debug("dropping TANGENT attribute", slog.Any("error", err))
		}
	}
	if prim.Material != nil && int(*prim.Material) < len(d.materials) {
		g.Material = d.materials[*prim.Material]
	}
	return g, nil
}

func componentSize(c gltf.ComponentType) int {
	switch c {
	case gltf.ComponentByte, gltf.ComponentUbyte:
		return 1
	case gltf.ComponentShort, gltf.ComponentUshort:
		return 2
	}
	return 4
}

func typeComponents(t gltf.AccessorType) int {
	switch t {
	case gltf.AccessorVec2:
		return 2
	case gltf.AccessorVec3:
		return 3
	case gltf.AccessorVec4:
		return 4
	case gltf.AccessorMat2:
		return 4
	case gltf.AccessorMat3:
		return 9
	case gltf.AccessorMat4:
		return 16
	}
	return 1
}

// accSlice resolves an accessor to its backing bytes plus element stride,
// bounds-checked against the buffer.
func (d *sceneDecoder) accSlice(accIdx uint32) (acc *gltf.Accessor, data []byte, stride int, err error) {
	if int(accIdx) >= len(d.doc.Accessors) {
		return nil, nil, 0, fmt.Errorf("accessor %d out of range", accIdx)
	}
	acc = d.doc.Accessors[accIdx]
	if acc.BufferView == nil {
		return nil, nil, 0, fmt.Errorf("accessor %d without buffer view", accIdx)
	}
	if int(*acc.BufferView) >= len(d.doc.BufferViews) {
		return nil, nil, 0, fmt.Errorf("buffer view %d out of range", *acc.BufferView)
	}
	bv := d.doc.BufferViews[*acc.BufferView]
	if int(bv.Buffer) >= len(d.doc.Buffers) {
		return nil, nil, 0, fmt.Errorf("buffer %d out of range", bv.Buffer)
	}
	buffer := d.doc.Buffers[bv.Buffer]
	elem := componentSize(acc.ComponentType) * typeComponents(acc.Type)
	stride = int(bv.ByteStride)
	if stride == 0 {
		stride = elem
	}
	base := int(bv.ByteOffset) + int(acc.ByteOffset)
	if acc.Count == 0 {
		return acc, nil, stride, nil
	}
	end := base + stride*(int(acc.Count)-1) + elem
	if base < 0 || end > len(buffer.Data) {
		return nil, nil, 0, fmt.Errorf("accessor %d overruns buffer (%d > %d)", accIdx, end, len(buffer.Data))
	}
	return acc, buffer.Data[base:], stride, nil
}

func f32at(data []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
}

func (d *sceneDecoder) readIndices(accIdx uint32) ([]uint32, error) {
	acc, data, stride, err := d.accSlice(accIdx)
	if err != nil {
		return nil, err
	}
	if acc.Type != gltf.AccessorScalar {
		return nil, fmt.Errorf("index accessor must be scalar")
	}
	out := make([]uint32, acc.Count)
	for i := 0; i < int(acc.Count); i++ {
		off := i * stride
		switch acc.ComponentType {
		case gltf.ComponentUbyte:
			out[i] = uint32(data[off])
		case gltf.ComponentUshort:
			out[i] = uint32(binary.LittleEndian.Uint16(data[off:]))
		case gltf.ComponentUint:
			out[i] = binary.LittleEndian.Uint32(data[off:])
		default:
			return nil, fmt.Errorf("unsupported index component type %v", acc.ComponentType)
		}
	}
	return out, nil
}

func (d *sceneDecoder) readVec3Attr(accIdx uint32) ([]vec3.T, error) {
	acc, data, stride, err := d.accSlice(accIdx)
	if err != nil {
		return nil, err
	}
	if acc.Type != gltf.AccessorVec3 || acc.ComponentType != gltf.ComponentFloat {
		return nil, fmt.Errorf("expected float vec3 accessor")
	}
	out := make([]vec3.T, acc.Count)
	for i := 0; i < int(acc.Count); i++ {
		off := i * stride
		out[i] = vec3.T{f32at(data, off), f32at(data, off+4), f32at(data, off+8)}
	}
	return out, nil
}

func (d *sceneDecoder) readVec2Attr(accIdx uint32) ([]vec2.T, error) {
	acc, data, stride, err := d.accSlice(accIdx)
	if err != nil {
		return nil, err
	}
	if acc.Type != gltf.AccessorVec2 || acc.ComponentType != gltf.ComponentFloat {
		return nil, fmt.Errorf("expected float vec2 accessor")
	}
	out := make([]vec2.T, acc.Count)
	for i := 0; i < int(acc.Count); i++ {
		off := i * stride
		out[i] = vec2.T{f32at(data, off), f32at(data, off+4)}
	}
	return out, nil
}

func (d *sceneDecoder) readVec4Attr(accIdx uint32) ([][4]float32, error) {
	acc, data, stride, err := d.accSlice(accIdx)
	if err != nil {
		return nil, err
	}
	if acc.Type != gltf.AccessorVec4 || acc.ComponentType != gltf.ComponentFloat {
		return nil, fmt.Errorf("expected float vec4 accessor")
	}
	out := make([][4]float32, acc.Count)
	for i := 0; i < int(acc.Count); i++ {
		off := i * stride
		out[i] = [4]float32{f32at(data, off), f32at(data, off+4), f32at(data, off+8), f32at(data, off+12)}
	}
	return out, nil
}

// readColorAttr accepts the vec3/vec4 float/ubyte/ushort layouts COLOR_0
// allows, widening everything to RGBA float.
func (d *sceneDecoder) readColorAttr(accIdx uint32) ([][4]float32, error) {
	acc, data, stride, err := d.accSlice(accIdx)
	if err != nil {
		return nil, err
	}
	comps := typeComponents(acc.Type)
	if comps != 3 && comps != 4 {
		return nil, fmt.Errorf("color accessor must be vec3 or vec4")
	}
	read := func(off int, c int) (float32, error) {
		switch acc.ComponentType {
		case gltf.ComponentFloat:
			return f32at(data, off+c*4), nil
		case gltf.ComponentUbyte:
			return float32(data[off+c]) / 255, nil
		case gltf.ComponentUshort:
			return float32(binary.LittleEndian.Uint16(data[off+c*2:])) / 65535, nil
		}
		return 0, fmt.Errorf("unsupported color component type %v", acc.ComponentType)
	}
	out := make([][4]float32, acc.Count)
	for i := 0; i < int(acc.Count); i++ {
		off := i * stride
		col := [4]float32{0, 0, 0, 1}
		for c := 0; c < comps; c++ {
			v, err := read(off, c)
			if err != nil {
				return nil, err
			}
			col[c] = v
		}
		out[i] = col
	}
	return out, nil
}

func (d *sceneDecoder) decodeNodes(sc *Scene) {
	var roots []uint32
	if len(d.doc.Scenes) > 0 {
		si := 0
		if d.doc.Scene != nil && int(*d.doc.Scene) < len(d.doc.Scenes) {
			si = int(*d.doc.Scene)
		}
		roots = d.doc.Scenes[si].Nodes
	}
	ident := dmat.Ident
	for _, ni := range roots {
		if n := d.decodeNode(ni, &ident, sc, make(map[uint32]bool)); n != nil {
			sc.Nodes = append(sc.Nodes, n)
		}
	}
}

func (d *sceneDecoder) decodeNode(ni uint32, parent *dmat.T, sc *Scene, visiting map[uint32]bool) *Node {
	if int(ni) >= len(d.doc.Nodes) || visiting[ni] {
		return nil
	}
	visiting[ni] = true
	defer delete(visiting, ni)

	src := d.doc.Nodes[ni]
	n := NewNode(nameOr(src.Name, "node_%d", int(ni)))
	if src.Matrix != identityMatrix {
		m := arrayToMat(src.Matrix)
		n.Matrix = &m
	} else {
		n.Translation = dvec3.T{src.Translation[0], src.Translation[1], src.Translation[2]}
		n.Rotation = dquat.T{src.Rotation[0], src.Rotation[1], src.Rotation[2], src.Rotation[3]}
		n.Scale = dvec3.T{src.Scale[0], src.Scale[1], src.Scale[2]}
	}
	local := n.LocalMatrix()
	var world dmat.T
	world.AssignMul(parent, &local)

	if src.Mesh != nil {
		n.Geometries = append(n.Geometries, d.meshGeoms[*src.Mesh]...)
	}
	if src.Camera != nil && sc.Camera == nil {
		if cam := d.decodeCamera(*src.Camera); cam != nil {
			cam.Translation = worldTranslation(&world)
			cam.Rotation = quatFromMat(&world)
			sc.Camera = cam
		}
	}
	if ext, ok := src.Extensions["KHR_lights_punctual"]; ok {
		var ref struct {
			Light *int `json:"light"`
		}
		if extAs(ext, &ref) && ref.Light != nil && *ref.Light < len(d.lights) {
			light := *d.lights[*ref.Light]
			if light.Spot != nil {
				cone := *light.Spot
				light.Spot = &cone
			}
			light.Translation = worldTranslation(&world)
			light.Rotation = quatFromMat(&world)
			sc.Lights = append(sc.Lights, &light)
		}
	}
	for _, ci := range src.Children {
		if c := d.decodeNode(ci, &world, sc, visiting); c != nil {
			n.Children = append(n.Children, c)
		}
	}
	return n
}

func (d *sceneDecoder) decodeCamera(ci uint32) *Camera {
	if int(ci) >= len(d.doc.Cameras) {
		return nil
	}
	src := d.doc.Cameras[ci]
	cam := &Camera{Name: nameOr(src.Name, "camera_%d", int(ci)), Rotation: dquat.T{0, 0, 0, 1}}
	switch {
	case src.Perspective != nil:
		cam.YFov = src.Perspective.Yfov
		cam.ZNear = src.Perspective.Znear
		if src.Perspective.AspectRatio != nil {
			cam.AspectRatio = *src.Perspective.AspectRatio
		}
		if src.Perspective.Zfar != nil {
			cam.ZFar = *src.Perspective.Zfar
		}
	case src.Orthographic != nil:
		cam.Orthographic = true
		cam.XMag = src.Orthographic.Xmag
		cam.YMag = src.Orthographic.Ymag
		cam.ZNear = src.Orthographic.Znear
		cam.ZFar = src.Orthographic.Zfar
	default:
		return nil
	}
	return cam
}

func arrayToMat(mat [16]float64) dmat.T {
	m := dmat.T{}
	m[0] = dvec4.T{mat[0], mat[1], mat[2], mat[3]}
	m[1] = dvec4.T{mat[4], mat[5], mat[6], mat[7]}
	m[2] = dvec4.T{mat[8], mat[9], mat[10], mat[11]}
	m[3] = dvec4.T{mat[12], mat[13], mat[14], mat[15]}
	return m
}

func worldTranslation(world *dmat.T) dvec3.T {
	return dvec3.T{world[3][0], world[3][1], world[3][2]}
}

// quatFromMat extracts the rotation of an affine matrix, stripping scale
// from the basis columns first.
func quatFromMat(world *dmat.T) dquat.T {
	var c [3]dvec3.T
	for i := 0; i < 3; i++ {
		c[i] = dvec3.T{world[i][0], world[i][1], world[i][2]}
		if l := c[i].Length(); l > 0 {
			c[i].Scale(1 / l)
		}
	}
	m00, m01, m02 := c[0][0], c[1][0], c[2][0]
	m10, m11, m12 := c[0][1], c[1][1], c[2][1]
	m20, m21, m22 := c[0][2], c[1][2], c[2][2]
	trace := m00 + m11 + m22
	var q dquat.T
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = dquat.T{(m21 - m12) / s, (m02 - m20) / s, (m10 - m01) / s, s / 4}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1+m00-m11-m22) * 2
		q = dquat.T{s / 4, (m01 + m10) / s, (m02 + m20) / s, (m21 - m12) / s}
	case m11 > m22:
		s := math.Sqrt(1+m11-m00-m22) * 2
		q = dquat.T{(m01 + m10) / s, s / 4, (m12 + m21) / s, (m02 - m20) / s}
	default:
		s := math.Sqrt(1+m22-m00-m11) * 2
		q = dquat.T{(m02 + m20) / s, (m12 + m21) / s, s / 4, (m10 - m01) / s}
	}
	return q
}
