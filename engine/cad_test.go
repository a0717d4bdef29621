package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"c3d/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func readMultipartFields(t *testing.T, r *http.Request, expectedPath string) map[string]string {
	t.Helper()

	if r.URL.Path != expectedPath {
		t.Fatalf("unexpected path: %s", r.URL.Path)
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("expected multipart/form-data, got %q (err=%v)", mediaType, err)
	}

	reader := multipart.NewReader(r.Body, params["boundary"])
	defer func() { _ = r.Body.Close() }()

	fields := map[string]string{}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read multipart part: %v", err)
		}

		b, _ := io.ReadAll(part)
		if part.FileName() != "" {
			fields["file:"+part.FileName()] = string(b)
		} else {
			fields[part.FormName()] = string(b)
		}
		_ = part.Close()
	}
	return fields
}

func writeInput(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write temp input: %v", err)
	}
	return path
}

func TestCADService_Convert_SendsTolerances(t *testing.T) {
	t.Parallel()

	svc := NewCADService("http://example.invalid/")
	var fields map[string]string
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		fields = readMultipartFields(t, r, "/convert")
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader([]byte("solid part\nendsolid part\n"))),
			Header:     make(http.Header),
		}, nil
	})

	inputPath := writeInput(t, "part.step", "ISO-10303-21;")
	outputPath := filepath.Join(filepath.Dir(inputPath), "out.stl")

	err := svc.Convert(context.Background(), Request{
		SourcePath:   inputPath,
		OutputPath:   outputPath,
		SourceFormat: "step",
		TargetFormat: "stl",
		Tolerances:   DefaultTolerances,
	})
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	want := map[string]string{
		"file:part.step":     "ISO-10303-21;",
		"source_format":      "step",
		"target_format":      "stl",
		"linear_deflection":  "0.001",
		"angular_deflection": "0.1",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Fatalf("field %s: expected %q, got %q", k, v, fields[k])
		}
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty output")
	}
}

func TestCADService_Convert_StatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		status      int
		unsupported bool
		detail      string
	}{
		{"rejected pair", http.StatusUnprocessableEntity, true, "no shape found"},
		{"bad input", http.StatusBadRequest, false, "no shape found"},
		{"kernel crash", http.StatusInternalServerError, false, "cad engine error (status 500)"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			svc := NewCADService("http://example.invalid")
			svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
				return &http.Response{
					StatusCode: tc.status,
					Body:       io.NopCloser(bytes.NewReader([]byte("no shape found"))),
					Header:     make(http.Header),
				}, nil
			})

			inputPath := writeInput(t, "part.igs", "IGES")
			err := svc.Convert(context.Background(), Request{
				SourcePath:   inputPath,
				OutputPath:   filepath.Join(filepath.Dir(inputPath), "out.3mf"),
				SourceFormat: "igs",
				TargetFormat: "3mf",
			})
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, models.ErrUnsupportedConversion); got != tc.unsupported {
				t.Fatalf("unsupported=%v, want %v (err=%v)", got, tc.unsupported, err)
			}
			want := "conversion failed: " + tc.detail
			if got := models.FailureMessage(models.CodeConversionFailed, err); got != want {
				t.Fatalf("failure message = %q, want %q", got, want)
			}
		})
	}
}

func TestCADService_Convert_TransportErrorHasNoDetail(t *testing.T) {
	svc := NewCADService("http://cad-engine:8000")
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp 10.0.0.7:8000: connect: connection refused")
	})

	inputPath := writeInput(t, "part.step", "ISO-10303-21;")
	err := svc.Convert(context.Background(), Request{
		SourcePath:   inputPath,
		OutputPath:   filepath.Join(filepath.Dir(inputPath), "out.stl"),
		SourceFormat: "step",
		TargetFormat: "stl",
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := models.FailureMessage(models.CodeConversionFailed, err); got != "conversion failed" {
		t.Fatalf("failure message leaks transport detail: %q", got)
	}
}

func TestCADService_Capabilities(t *testing.T) {
	svc := NewCADService("http://example.invalid")
	for _, f := range []string{"step", "STP", ".iges", "igs"} {
		if !svc.CanImport(f) {
			t.Fatalf("expected import support for %s", f)
		}
	}
	for _, f := range []string{"stl", "step", "stp", "3mf"} {
		if !svc.CanExport(f) {
			t.Fatalf("expected export support for %s", f)
		}
	}
	if svc.CanImport("stl") || svc.CanExport("obj") {
		t.Fatal("mesh formats belong to the mesh strategy")
	}
}
