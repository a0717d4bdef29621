// Package blob holds uploaded sources and conversion results and issues
// time-limited grants for direct client transfer.
package blob

import (
	"context"
	"errors"
	"time"

	"c3d/models"
)

// ErrObjectNotFound is returned when a key has no object behind it.
var ErrObjectNotFound = errors.New("object not found")

// Store is the object storage used by the services and the trigger handler.
// Upload grants cover the uploads bucket; download grants and Upload cover
// the conversions bucket.
type Store interface {
	PresignUpload(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, localPath, key, contentType string) error
}

var contentTypes = map[string]string{
	"stl":  "model/stl",
	"obj":  "model/obj",
	"3mf":  "model/3mf",
	"step": "model/step",
	"stp":  "model/step",
	"iges": "model/iges",
	"igs":  "model/iges",
}

// ContentType maps a format name to the media type stored with a result.
func ContentType(format string) string {
	if ct, ok := contentTypes[models.NormalizeFormat(format)]; ok {
		return ct
	}
	return "application/octet-stream"
}
