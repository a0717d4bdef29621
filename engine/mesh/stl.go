package mesh

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

const (
	stlHeaderSize   = 80
	stlTriangleSize = 50
)

func readSTLFile(path string) (*Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return readSTL(data)
}

// readSTL accepts binary and ASCII STL. Binary files are recognized by their
// exact size, since some exporters start binary headers with "solid".
func readSTL(data []byte) (*Mesh, error) {
	if len(data) >= stlHeaderSize+4 {
		count := binary.LittleEndian.Uint32(data[stlHeaderSize:])
		if uint64(len(data)) == uint64(stlHeaderSize+4)+uint64(count)*stlTriangleSize {
			return readBinarySTL(data[stlHeaderSize+4:], count), nil
		}
	}
	if bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("solid")) {
		return readASCIISTL(bytes.NewReader(data))
	}
	return nil, fmt.Errorf("not an stl file")
}

func readBinarySTL(body []byte, count uint32) *Mesh {
	b := newBuilder()
	for i := uint32(0); i < count; i++ {
		rec := body[i*stlTriangleSize:]
		// skip the 12-byte facet normal, it is recomputed on write
		var v [3]Vec3
		for j := 0; j < 3; j++ {
			off := 12 + j*12
			v[j] = Vec3{
				math.Float32frombits(binary.LittleEndian.Uint32(rec[off:])),
				math.Float32frombits(binary.LittleEndian.Uint32(rec[off+4:])),
				math.Float32frombits(binary.LittleEndian.Uint32(rec[off+8:])),
			}
		}
		b.triangle(v[0], v[1], v[2])
	}
	return &b.mesh
}

func readASCIISTL(r io.Reader) (*Mesh, error) {
	b := newBuilder()
	var facet []Vec3

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "facet":
			facet = facet[:0]
		case "vertex":
			if len(fields) != 4 {
				return nil, fmt.Errorf("line %d: malformed vertex", line)
			}
			v, err := parseVec3(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			facet = append(facet, v)
		case "endfacet":
			if len(facet) != 3 {
				return nil, fmt.Errorf("line %d: facet has %d vertices", line, len(facet))
			}
			b.triangle(facet[0], facet[1], facet[2])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return &b.mesh, nil
}

func writeSTLFile(path string, m *Mesh) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeBinarySTL(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeBinarySTL(w io.Writer, m *Mesh) error {
	bw := bufio.NewWriter(w)

	header := make([]byte, stlHeaderSize)
	copy(header, "binary stl written by c3d")
	if _, err := bw.Write(header); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(m.Triangles))); err != nil {
		return err
	}

	rec := make([]byte, stlTriangleSize)
	for _, t := range m.Triangles {
		a, b, c := m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]
		putVec3(rec[0:], normal(a, b, c))
		putVec3(rec[12:], a)
		putVec3(rec[24:], b)
		putVec3(rec[36:], c)
		rec[48], rec[49] = 0, 0
		if _, err := bw.Write(rec); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func putVec3(dst []byte, v Vec3) {
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v[i]))
	}
}

func normal(a, b, c Vec3) Vec3 {
	u := Vec3{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
	v := Vec3{c[0] - a[0], c[1] - a[1], c[2] - a[2]}
	n := Vec3{
		u[1]*v[2] - u[2]*v[1],
		u[2]*v[0] - u[0]*v[2],
		u[0]*v[1] - u[1]*v[0],
	}
	l := float32(math.Sqrt(float64(n[0]*n[0] + n[1]*n[1] + n[2]*n[2])))
	if l == 0 {
		return Vec3{}
	}
	return Vec3{n[0] / l, n[1] / l, n[2] / l}
}

func parseVec3(fields []string) (Vec3, error) {
	var v Vec3
	for i := 0; i < 3; i++ {
		f, err := strconv.ParseFloat(fields[i], 32)
		if err != nil {
			return v, fmt.Errorf("bad coordinate %q", fields[i])
		}
		v[i] = float32(f)
	}
	return v, nil
}
