// Package artifacts persists the files produced by an extraction run.
package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spherical/latex-ocr/internal/domain"
)

// Keys used in ResultRecord.OutputFiles
const (
	FileLatex  = "latex"
	FileResult = "result"
	FileRender = "render"
)

// Writer stores run artifacts under Dir
type Writer struct {
	Dir string
}

// NewWriter creates a Writer, creating dir if needed
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, domain.IOError(fmt.Sprintf("create output directory %s", dir), err)
	}
	return &Writer{Dir: dir}, nil
}

// BaseName returns the artifact prefix for an image: ocr_<stem>
func BaseName(imagePath string) string {
	stem := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	return "ocr_" + stem
}

// Save writes the transcription, the result record and a copy of the retained
// render. A run with no markup still gets its result record.
func (w *Writer) Save(run *domain.ExtractionRun) (*domain.ResultRecord, error) {
	base := filepath.Join(w.Dir, BaseName(run.ImagePath))
	files := map[string]string{}

	if run.MarkupText != "" {
		texPath := base + "_latex.tex"
		if err := os.WriteFile(texPath, []byte(run.MarkupText), 0644); err != nil {
			return nil, domain.IOError("write latex file", err)
		}
		files[FileLatex] = texPath
	}

	if run.RetainedImage != "" {
		renderPath := base + "_render" + filepath.Ext(run.RetainedImage)
		if err := copyFile(run.RetainedImage, renderPath); err != nil {
			return nil, domain.IOError("copy rendered image", err)
		}
		files[FileRender] = renderPath
	}

	resultPath := base + "_result.json"
	files[FileResult] = resultPath

	record := run.Record()
	record.OutputFiles = files
	if err := writeJSON(resultPath, record); err != nil {
		return nil, err
	}

	return &record, nil
}

// WriteJSON writes v as indented JSON to name inside Dir and returns the path
func (w *Writer) WriteJSON(name string, v any) (string, error) {
	path := filepath.Join(w.Dir, name)
	if err := writeJSON(path, v); err != nil {
		return "", err
	}
	return path, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.IOError("encode json", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return domain.IOError(fmt.Sprintf("write %s", path), err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
