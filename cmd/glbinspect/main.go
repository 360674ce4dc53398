package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	glbopt "github.com/flywave/go-glbopt"
)

func main() {
	os.Exit(run())
}

func run() int {
	texDir := flag.String("textures", "", "extract embedded textures as WebP files into this directory")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: glbinspect [flags] <input.glb|input.gltf> ...\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		return 1
	}
	status := 0
	for _, input := range flag.Args() {
		if err := inspect(input, *texDir); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", input, err)
			status = 1
		}
	}
	return status
}

func inspect(path, texDir string) error {
	sc, err := glbopt.LoadScene(path)
	if err != nil {
		return err
	}
	fmt.Printf("=== %s ===\n", path)
	if info, err := os.Stat(path); err == nil {
		fmt.Printf("File size: %d bytes\n", info.Size())
	}
	fmt.Printf("Geometries: %d, vertices: %d, faces: %d\n",
		sc.GeometryCount(), sc.TotalVertices(), sc.TotalFaces())
	fmt.Printf("Nodes: %d, lights: %d, materials: %d\n",
		sc.NodeCount(), len(sc.Lights), len(sc.Materials()))
	if sc.Camera != nil {
		fmt.Printf("Camera: %s\n", sc.Camera.Name)
	}

	mesh := glbopt.NewMeshProcessor(nil)
	for _, name := range sc.GeometryNames() {
		g, _ := sc.Geometry(name)
		fmt.Printf("  %s: %d vertices, %d faces [%s] %s\n",
			name, g.VertexCount(), g.FaceCount(), attrSummary(g), diagnose(mesh, g))
	}

	if texDir != "" {
		return extractTextures(sc, texDir)
	}
	return nil
}

func attrSummary(g *glbopt.Geometry) string {
	var attrs []string
	if len(g.Normals) > 0 {
		attrs = append(attrs, "normals")
	}
	if len(g.TexCoords) > 0 {
		attrs = append(attrs, "uvs")
	}
	if len(g.Colors) > 0 {
		attrs = append(attrs, "colors")
	}
	if len(g.Tangents) > 0 {
		attrs = append(attrs, "tangents")
	}
	if len(attrs) == 0 {
		return "positions only"
	}
	return strings.Join(attrs, " ")
}

func diagnose(mesh *glbopt.MeshProcessor, g *glbopt.Geometry) string {
	if g.FaceCount() == 0 {
		return "no faces"
	}
	issues := mesh.DetectHoles(g)
	if len(issues) == 0 {
		return "watertight"
	}
	tags := make([]string, len(issues))
	for i, t := range issues {
		tags[i] = string(t)
	}
	return strings.Join(tags, ", ")
}

func extractTextures(sc *glbopt.Scene, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	seen := make(map[*glbopt.Image]bool)
	names := make(map[string]int)
	written := 0
	for _, mat := range sc.Materials() {
		for _, im := range []*glbopt.Image{
			mat.Texture, mat.NormalTexture, mat.MetallicRoughnessTexture, mat.EmissiveTexture,
		} {
			if im == nil || seen[im] || len(im.Pix) == 0 {
				continue
			}
			seen[im] = true
			out := filepath.Join(dir, texFileName(im.Name, names))
			if err := writeWebP(out, im); err != nil {
				fmt.Fprintf(os.Stderr, "Error: texture %s: %v\n", im.Name, err)
				continue
			}
			fmt.Printf("Extracted %s (%dx%d)\n", out, im.Width, im.Height)
			written++
		}
	}
	fmt.Printf("Textures extracted: %d\n", written)
	return nil
}

func texFileName(name string, names map[string]int) string {
	stem := strings.TrimSuffix(filepath.Base(strings.ReplaceAll(name, "\\", "/")), filepath.Ext(name))
	if stem == "" || stem == "." {
		stem = "texture"
	}
	n := names[stem]
	names[stem] = n + 1
	if n > 0 {
		return fmt.Sprintf("%s_%d.webp", stem, n)
	}
	return stem + ".webp"
}

func writeWebP(path string, im *glbopt.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return nativewebp.Encode(f, im.ToImage(), nil)
}
