// Package report assembles the final artefacts of a test run: the overall
// verdict, report.json and report.html in the runtime directory, the copy
// into the device's reports folder, the results.zip archive, and the
// per-device retention quota.
package report

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"testrun/internal/models"
)

// Assembler writes run artefacts and enforces retention.
type Assembler struct {
	logger zerolog.Logger
}

// NewAssembler creates a report assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		logger: log.With().Str("component", "report").Logger(),
	}
}

// Verdict computes the overall run status: Compliant iff every test case
// declared Required reports Compliant. Informational and Roadmap cases never
// demote the verdict.
func (a *Assembler) Verdict(results []*models.TestCase) string {
	for _, tc := range results {
		if tc.RequiredResult != models.RequiredResultRequired {
			continue
		}
		if tc.Result != models.ResultCompliant {
			return models.ResultNonCompliant
		}
	}
	return models.ResultCompliant
}

// WriteArtifacts writes report.json and report.html into the runtime test
// directory.
func (a *Assembler) WriteArtifacts(report *models.Report, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write report.json: %w", err)
	}

	html, err := renderHTML(report)
	if err != nil {
		return fmt.Errorf("failed to render report.html: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.html"), html, 0644); err != nil {
		return fmt.Errorf("failed to write report.html: %w", err)
	}

	a.logger.Info().Str("dir", dir).Str("status", report.Status).Msg("Report artefacts written")
	return nil
}

// Save copies the runtime test directory into the device's reports folder
// under the run's start timestamp and archives the copy as results.zip.
// Returns the destination directory.
func (a *Assembler) Save(runtimeDir, reportsDir string, started models.Timestamp) (string, error) {
	dest := filepath.Join(reportsDir, started.Folder())
	if err := copyTree(runtimeDir, dest); err != nil {
		return "", fmt.Errorf("failed to copy run artefacts: %w", err)
	}
	if err := zipTree(dest, filepath.Join(dest, "results.zip")); err != nil {
		return "", fmt.Errorf("failed to archive run artefacts: %w", err)
	}
	a.logger.Info().Str("dest", dest).Msg("Report saved")
	return dest, nil
}

// EnforceRetention deletes the oldest saved reports until the device is
// within its quota. A quota of zero means unbounded.
func (a *Assembler) EnforceRetention(reportsDir string, maxReports int) error {
	if maxReports <= 0 {
		return nil
	}

	entries, err := os.ReadDir(reportsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read reports directory: %w", err)
	}

	type folder struct {
		name string
		ts   models.Timestamp
	}
	var folders []folder
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ts, err := models.ParseFolderTimestamp(entry.Name())
		if err != nil {
			continue
		}
		folders = append(folders, folder{entry.Name(), ts})
	}
	sort.Slice(folders, func(i, j int) bool {
		return folders[i].ts.Before(folders[j].ts.Time)
	})

	for len(folders) > maxReports {
		oldest := folders[0]
		if err := os.RemoveAll(filepath.Join(reportsDir, oldest.name)); err != nil {
			return fmt.Errorf("failed to delete report %s: %w", oldest.name, err)
		}
		a.logger.Info().Str("report", oldest.name).Msg("Old report deleted for retention")
		folders = folders[1:]
	}
	return nil
}

// copyTree copies a directory tree, preserving layout.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// zipTree archives a directory into a zip file placed inside it. The archive
// itself is excluded from its own contents.
func zipTree(dir, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	writer := zip.NewWriter(out)
	defer writer.Close()

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || path == zipPath {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entry, err := writer.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(entry, in)
		return err
	})
}

var htmlTemplate = template.Must(template.New("report").Parse(strings.TrimSpace(`
<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Testrun Report - {{.Device.Manufacturer}} {{.Device.Model}}</title>
  <style>
    body { font-family: sans-serif; margin: 2em; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #ccc; padding: 6px 10px; text-align: left; }
    .Compliant { color: #0a7d28; }
    .Non-Compliant, .Error { color: #b3261e; }
  </style>
</head>
<body>
  <h1>Testrun Report</h1>
  <p>
    Device: {{.Device.Manufacturer}} {{.Device.Model}} ({{.Device.MACAddr}})<br>
    {{if .Device.Firmware}}Firmware: {{.Device.Firmware}}<br>{{end}}
    Status: <strong class="{{.Status}}">{{.Status}}</strong><br>
    Started: {{.Started}}<br>
    Finished: {{.Finished}}
  </p>
  <h2>Results ({{.Tests.Total}} tests)</h2>
  <table>
    <tr><th>Test</th><th>Result</th><th>Required</th><th>Description</th></tr>
    {{range .Tests.Results}}
    <tr>
      <td>{{.Name}}</td>
      <td class="{{.Result}}">{{.Result}}</td>
      <td>{{.RequiredResult}}</td>
      <td>{{.Description}}</td>
    </tr>
    {{end}}
  </table>
</body>
</html>
`)))

func renderHTML(report *models.Report) ([]byte, error) {
	var buf strings.Builder
	if err := htmlTemplate.Execute(&buf, report); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}
