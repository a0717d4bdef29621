package mesh

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tetrahedron returns a closed four-face mesh.
func tetrahedron() *Mesh {
	return &Mesh{
		Vertices: []Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Triangles: [][3]uint32{
			{0, 2, 1},
			{0, 1, 3},
			{0, 3, 2},
			{1, 2, 3},
		},
	}
}

const asciiTetra = `solid tetra
facet normal 0 0 -1
  outer loop
    vertex 0 0 0
    vertex 0 1 0
    vertex 1 0 0
  endloop
endfacet
facet normal 0 -1 0
  outer loop
    vertex 0 0 0
    vertex 1 0 0
    vertex 0 0 1
  endloop
endfacet
endsolid tetra
`

func TestReadASCIISTL(t *testing.T) {
	m, err := readSTL([]byte(asciiTetra))
	require.NoError(t, err)
	assert.Len(t, m.Triangles, 2)
	assert.Len(t, m.Vertices, 4, "shared corners are deduplicated")
}

func TestBinarySTLStartingWithSolid(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeBinarySTL(&buf, tetrahedron()))
	data := buf.Bytes()
	copy(data, "solid but actually binary")

	m, err := readSTL(data)
	require.NoError(t, err)
	assert.Len(t, m.Triangles, 4)
}

func TestReadSTLRejectsGarbage(t *testing.T) {
	_, err := readSTL([]byte("this is not a mesh"))
	assert.Error(t, err)
}

func TestReadOBJ(t *testing.T) {
	src := `# quad and triangle
v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
v 0 0 1
f 1/1/1 2/2/2 3/3/3 4/4/4
f -5 -4 -1
`
	m, err := readOBJ(strings.NewReader(src))
	require.NoError(t, err)
	assert.Len(t, m.Triangles, 3, "quad is split into two triangles")
	assert.Equal(t, Vec3{0, 0, 1}, m.Vertices[m.Triangles[2][2]])
}

func TestReadOBJIndexOutOfRange(t *testing.T) {
	_, err := readOBJ(strings.NewReader("v 0 0 0\nv 1 0 0\nf 1 2 3\n"))
	assert.ErrorContains(t, err, "out of range")
}

func TestRoundTripFormats(t *testing.T) {
	for _, format := range Formats {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tetra."+format)
			require.NoError(t, Write(path, format, tetrahedron()))

			got, err := Read(path, format)
			require.NoError(t, err)
			assert.Len(t, got.Triangles, 4)
			assert.Len(t, got.Vertices, 4)
			assert.ElementsMatch(t, tetrahedron().Vertices, got.Vertices)
		})
	}
}

func TestWriteRejectsEmptyMesh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.stl")
	err := Write(path, "stl", &Mesh{})
	assert.ErrorIs(t, err, ErrEmptyMesh)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := Read("x.ply", "ply")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.ErrorIs(t, Write("x.ply", "ply", tetrahedron()), ErrUnsupportedFormat)
	assert.True(t, Supported("STL"))
	assert.False(t, Supported("step"))
}
