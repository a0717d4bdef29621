package mesh

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	modelPath      = "3D/3dmodel.model"
	modelNamespace = "http://schemas.microsoft.com/3dmanufacturing/core/2015/02"
	modelRelType   = "http://schemas.microsoft.com/3dmanufacturing/2013/01/3dmodel"
)

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
  <Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
  <Default Extension="model" ContentType="application/vnd.ms-package.3dmanufacturing-3dmodel+xml"/>
</Types>`

const relsXML = `<?xml version="1.0" encoding="UTF-8"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Target="/` + modelPath + `" Id="rel0" Type="` + modelRelType + `"/>
</Relationships>`

type xmlModel struct {
	XMLName   xml.Name    `xml:"model"`
	Unit      string      `xml:"unit,attr,omitempty"`
	Xmlns     string      `xml:"xmlns,attr,omitempty"`
	Objects   []xmlObject `xml:"resources>object"`
	BuildItem []xmlItem   `xml:"build>item"`
}

type xmlObject struct {
	ID       int         `xml:"id,attr"`
	Type     string      `xml:"type,attr,omitempty"`
	Vertices []xmlVertex `xml:"mesh>vertices>vertex"`
	Tris     []xmlTri    `xml:"mesh>triangles>triangle"`
}

type xmlVertex struct {
	X float32 `xml:"x,attr"`
	Y float32 `xml:"y,attr"`
	Z float32 `xml:"z,attr"`
}

type xmlTri struct {
	V1 uint32 `xml:"v1,attr"`
	V2 uint32 `xml:"v2,attr"`
	V3 uint32 `xml:"v3,attr"`
}

type xmlItem struct {
	ObjectID int `xml:"objectid,attr"`
}

type xmlRels struct {
	Relationships []struct {
		Target string `xml:"Target,attr"`
		Type   string `xml:"Type,attr"`
	} `xml:"Relationship"`
}

// read3MF merges every mesh object of the package model into one mesh.
func read3MF(path string) (*Mesh, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("not a 3mf package: %w", err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[strings.TrimPrefix(f.Name, "/")] = f
	}

	target := modelPath
	if rels, ok := files["_rels/.rels"]; ok {
		var r xmlRels
		if err := decodeZipXML(rels, &r); err == nil {
			for _, rel := range r.Relationships {
				if rel.Type == modelRelType {
					target = strings.TrimPrefix(rel.Target, "/")
					break
				}
			}
		}
	}

	mf, ok := files[target]
	if !ok {
		return nil, fmt.Errorf("3mf package has no model part %s", target)
	}
	var model xmlModel
	if err := decodeZipXML(mf, &model); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}

	m := &Mesh{}
	for _, obj := range model.Objects {
		base := uint32(len(m.Vertices))
		for _, v := range obj.Vertices {
			m.Vertices = append(m.Vertices, Vec3{v.X, v.Y, v.Z})
		}
		n := uint32(len(obj.Vertices))
		for _, t := range obj.Tris {
			if t.V1 >= n || t.V2 >= n || t.V3 >= n {
				return nil, fmt.Errorf("object %d: triangle references a missing vertex", obj.ID)
			}
			m.Triangles = append(m.Triangles, [3]uint32{base + t.V1, base + t.V2, base + t.V3})
		}
	}
	return m, nil
}

func decodeZipXML(f *zip.File, v interface{}) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return xml.NewDecoder(rc).Decode(v)
}

func write3MF(path string, m *Mesh) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(f)
	err = writeZipParts(zw, m)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func writeZipParts(zw *zip.Writer, m *Mesh) error {
	for _, part := range []struct{ name, body string }{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", relsXML},
	} {
		w, err := zw.Create(part.name)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, part.body); err != nil {
			return err
		}
	}

	obj := xmlObject{ID: 1, Type: "model"}
	obj.Vertices = make([]xmlVertex, len(m.Vertices))
	for i, v := range m.Vertices {
		obj.Vertices[i] = xmlVertex{X: v[0], Y: v[1], Z: v[2]}
	}
	obj.Tris = make([]xmlTri, len(m.Triangles))
	for i, t := range m.Triangles {
		obj.Tris[i] = xmlTri{V1: t[0], V2: t[1], V3: t[2]}
	}

	w, err := zw.Create(modelPath)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", " ")
	return enc.Encode(xmlModel{
		Unit:      "millimeter",
		Xmlns:     modelNamespace,
		Objects:   []xmlObject{obj},
		BuildItem: []xmlItem{{ObjectID: 1}},
	})
}
