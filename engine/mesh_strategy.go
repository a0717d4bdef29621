package engine

import (
	"context"
	"errors"

	"c3d/engine/mesh"
	"c3d/models"
)

var _ Strategy = (*MeshStrategy)(nil)

// MeshStrategy converts between mesh formats in process.
type MeshStrategy struct{}

func NewMeshStrategy() *MeshStrategy {
	return &MeshStrategy{}
}

func (m *MeshStrategy) Name() string { return "mesh" }

func (m *MeshStrategy) CanImport(format string) bool {
	return mesh.Supported(models.NormalizeFormat(format))
}

func (m *MeshStrategy) CanExport(format string) bool {
	return mesh.Supported(models.NormalizeFormat(format))
}

func (m *MeshStrategy) Convert(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parsed, err := mesh.Read(req.SourcePath, req.SourceFormat)
	if err != nil {
		return models.WithDetail(err, "unreadable "+req.SourceFormat+" mesh")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := mesh.Write(req.OutputPath, req.TargetFormat, parsed); err != nil {
		if errors.Is(err, mesh.ErrEmptyMesh) {
			return models.WithDetail(err, mesh.ErrEmptyMesh.Error())
		}
		return err
	}
	return nil
}
