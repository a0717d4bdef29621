// Package mesh reads and writes triangle meshes in the stl, obj and 3mf
// formats.
package mesh

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrEmptyMesh         = errors.New("mesh has no triangles")
	ErrUnsupportedFormat = errors.New("unsupported mesh format")
)

type Vec3 [3]float32

// Mesh is an indexed triangle list.
type Mesh struct {
	Vertices  []Vec3
	Triangles [][3]uint32
}

// Formats lists the mesh formats this package handles.
var Formats = []string{"stl", "obj", "3mf"}

func Supported(format string) bool {
	for _, f := range Formats {
		if f == strings.ToLower(format) {
			return true
		}
	}
	return false
}

// validate checks that every triangle references an existing vertex.
func (m *Mesh) validate() error {
	if len(m.Triangles) == 0 {
		return ErrEmptyMesh
	}
	n := uint32(len(m.Vertices))
	for i, t := range m.Triangles {
		if t[0] >= n || t[1] >= n || t[2] >= n {
			return fmt.Errorf("triangle %d references a missing vertex", i)
		}
	}
	return nil
}

// builder deduplicates vertices while triangles are appended.
type builder struct {
	mesh  Mesh
	index map[Vec3]uint32
}

func newBuilder() *builder {
	return &builder{index: make(map[Vec3]uint32)}
}

func (b *builder) vertex(v Vec3) uint32 {
	if i, ok := b.index[v]; ok {
		return i
	}
	i := uint32(len(b.mesh.Vertices))
	b.mesh.Vertices = append(b.mesh.Vertices, v)
	b.index[v] = i
	return i
}

func (b *builder) triangle(a, c, d Vec3) {
	b.mesh.Triangles = append(b.mesh.Triangles, [3]uint32{b.vertex(a), b.vertex(c), b.vertex(d)})
}

// Read decodes the file at path as the given format.
func Read(path, format string) (*Mesh, error) {
	var (
		m   *Mesh
		err error
	)
	switch strings.ToLower(format) {
	case "stl":
		m, err = readSTLFile(path)
	case "obj":
		m, err = readOBJFile(path)
	case "3mf":
		m, err = read3MF(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", format, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", format, err)
	}
	return m, nil
}

// Write encodes m to path in the given format, replacing any existing file.
func Write(path, format string, m *Mesh) error {
	if err := m.validate(); err != nil {
		return err
	}

	var write func(string, *Mesh) error
	switch strings.ToLower(format) {
	case "stl":
		write = writeSTLFile
	case "obj":
		write = writeOBJFile
	case "3mf":
		write = write3MF
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	if err := write(path, m); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", format, err)
	}
	return nil
}
