package reporter

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// ansiEscape matches SGR sequences written by the color styles.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// RunPackage represents the metadata for an exported analysis run.
type RunPackage struct {
	Version     string        `json:"version"`
	RunID       string        `json:"run_id"`
	Source      string        `json:"source"`
	CreatedAt   time.Time     `json:"created_at"`
	ToolVersion string        `json:"tool_version"`
	Files       []PackageFile `json:"files"`
}

// PackageFile records a file included in the package.
type PackageFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// ExportRun writes <outputDir>/<run_id>.zip holding the analyzed log, the
// report as JSON, the plain-text rendering and a package_info.json with a
// sha256 for each file, so a finding can be handed off with its evidence.
// Returns the path to the created ZIP file.
func ExportRun(outputDir string, data ReportData, logText []byte, toolVersion string) (string, error) {
	if data.Report == nil {
		return "", fmt.Errorf("export run: no report")
	}
	if data.RunID == "" {
		return "", fmt.Errorf("export run: run ID is required")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	reportJSON, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	rep, err := New()
	if err != nil {
		return "", err
	}
	var text bytes.Buffer
	if err := rep.Render(&text, data); err != nil {
		return "", err
	}

	entries := []struct {
		name    string
		content []byte
	}{
		{"input.log", logText},
		{"report.json", reportJSON},
		{"report.txt", ansiEscape.ReplaceAll(text.Bytes(), nil)},
	}

	zipPath := filepath.Join(outputDir, data.RunID+".zip")
	zipFile, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("create zip: %w", err)
	}
	defer zipFile.Close()

	w := zip.NewWriter(zipFile)
	defer w.Close()

	var files []PackageFile
	for _, e := range entries {
		zf, err := w.Create(data.RunID + "/" + e.name)
		if err != nil {
			return "", fmt.Errorf("zip create %s: %w", e.name, err)
		}
		if _, err := zf.Write(e.content); err != nil {
			return "", fmt.Errorf("zip write %s: %w", e.name, err)
		}

		h := sha256.Sum256(e.content)
		files = append(files, PackageFile{
			Name:   e.name,
			SHA256: hex.EncodeToString(h[:]),
			Size:   int64(len(e.content)),
		})
	}

	pkg := RunPackage{
		Version:     "1.0",
		RunID:       data.RunID,
		Source:      data.Source,
		CreatedAt:   time.Now().UTC(),
		ToolVersion: toolVersion,
		Files:       files,
	}
	pkgJSON, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal package info: %w", err)
	}

	zf, err := w.Create(data.RunID + "/package_info.json")
	if err != nil {
		return "", fmt.Errorf("zip create package_info: %w", err)
	}
	if _, err := zf.Write(pkgJSON); err != nil {
		return "", fmt.Errorf("zip write package_info: %w", err)
	}

	// Flush the writer before the deferred closes
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close zip writer: %w", err)
	}
	if err := zipFile.Close(); err != nil {
		return "", fmt.Errorf("close zip file: %w", err)
	}

	return zipPath, nil
}
