package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"c3d/models"
)

var _ Strategy = (*CADService)(nil)

var (
	cadImports = formatSet("step", "stp", "iges", "igs")
	cadExports = formatSet("stl", "step", "stp", "3mf")
)

// CADService converts B-rep sources through the CAD kernel sidecar.
type CADService struct {
	baseURL string
	client  *http.Client
}

func NewCADService(baseURL string) *CADService {
	return &CADService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

func (c *CADService) Name() string { return "cad" }

func (c *CADService) CanImport(format string) bool {
	return cadImports[models.NormalizeFormat(format)]
}

func (c *CADService) CanExport(format string) bool {
	return cadExports[models.NormalizeFormat(format)]
}

func (c *CADService) Convert(ctx context.Context, req Request) error {
	file, err := os.Open(req.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(req.SourcePath))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	for _, field := range []struct{ name, value string }{
		{"source_format", req.SourceFormat},
		{"target_format", req.TargetFormat},
		{"linear_deflection", strconv.FormatFloat(req.Tolerances.Linear, 'g', -1, 64)},
		{"angular_deflection", strconv.FormatFloat(req.Tolerances.Angular, 'g', -1, 64)},
	} {
		if err := writer.WriteField(field.name, field.value); err != nil {
			return fmt.Errorf("failed to write field %s: %w", field.name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/convert", body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cad engine request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		detail := readDetail(resp.Body)
		return models.WithDetail(fmt.Errorf("%w: cad engine rejected %s to %s: %s",
			models.ErrUnsupportedConversion, req.SourceFormat, req.TargetFormat, detail), detail)
	default:
		detail := readDetail(resp.Body)
		err := fmt.Errorf("cad engine returned status %d: %s", resp.StatusCode, detail)
		if resp.StatusCode >= http.StatusInternalServerError {
			return models.WithDetail(err, fmt.Sprintf("cad engine error (status %d)", resp.StatusCode))
		}
		return models.WithDetail(err, detail)
	}

	outFile, err := os.Create(req.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	n, err := io.Copy(outFile, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to save converted file: %w", err)
	}
	if n == 0 {
		return models.WithDetail(
			fmt.Errorf("cad engine returned an empty %s file", req.TargetFormat),
			"empty "+req.TargetFormat+" output")
	}

	return nil
}

// readDetail returns the kernel's message from an error response.
func readDetail(body io.Reader) string {
	detail, _ := io.ReadAll(io.LimitReader(body, 1024))
	return strings.TrimSpace(string(detail))
}
