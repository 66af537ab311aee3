// Package upload validates incoming dataset files before they reach the
// execution core. The core treats uploads as a pre-validated boundary: this
// package produces the {is_valid, file_type, warnings} record the rest of the
// system relies on. Supported inputs are tabular CSV files and single-cell
// H5AD (HDF5) files.
package upload

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/seqlab/helix/internal/task"
)

// MaxFileSize is the upload size cap.
const MaxFileSize = 500 << 20 // 500 MB

// Size thresholds for advisory warnings.
const (
	tinyFileSize  = 1 << 10   // below this, the file likely holds no real data
	largeFileSize = 100 << 20 // above this, processing will be slow
)

// sniffRows bounds how many CSV records are read during validation.
const sniffRows = 5

// hdf5Magic is the signature at the start of every HDF5 (and therefore H5AD)
// file.
var hdf5Magic = []byte("\x89HDF")

// ErrInvalidFile wraps every validation rejection.
var ErrInvalidFile = errors.New("invalid upload")

// Validation is the record produced for an accepted file.
type Validation struct {
	IsValid  bool           `json:"is_valid"`
	FileType string         `json:"file_type"`
	FileSize int64          `json:"file_size"`
	Warnings []string       `json:"warnings,omitempty"`
	Details  map[string]any `json:"validation_details"`
}

// ValidateFile checks an on-disk file against the upload rules. It returns an
// error wrapping ErrInvalidFile for rejections and a populated Validation
// record for accepted files.
func ValidateFile(path string) (*Validation, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: file does not exist: %s", ErrInvalidFile, path)
	}
	size := info.Size()

	if size == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidFile)
	}
	if size > MaxFileSize {
		return nil, fmt.Errorf("%w: file too large, maximum is %d MB, got %d MB",
			ErrInvalidFile, MaxFileSize>>20, size>>20)
	}

	ext := strings.ToLower(filepath.Ext(path))
	v := &Validation{
		IsValid:  true,
		FileType: ext,
		FileSize: size,
	}

	switch ext {
	case ".csv":
		v.Details, err = validateCSV(path)
	case ".h5ad":
		v.Details, err = validateH5AD(path)
	default:
		return nil, fmt.Errorf("%w: unsupported file format %q, supported formats: .csv, .h5ad", ErrInvalidFile, ext)
	}
	if err != nil {
		return nil, err
	}

	if size < tinyFileSize {
		v.Warnings = append(v.Warnings, "file is very small and may not contain meaningful data")
	} else if size > largeFileSize {
		v.Warnings = append(v.Warnings, "large file may take longer to process")
	}

	return v, nil
}

// validateCSV reads the first few records to confirm the file parses and has
// at least two columns.
func validateCSV(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: CSV parsing error: %v", ErrInvalidFile, err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("%w: CSV file must have at least 2 columns", ErrInvalidFile)
	}

	rows := 0
	for rows < sniffRows {
		if _, err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: CSV parsing error: %v", ErrInvalidFile, err)
		}
		rows++
	}

	columns := header
	if len(columns) > 10 {
		columns = columns[:10]
	}

	return map[string]any{
		"format":       "csv",
		"columns":      len(header),
		"sample_rows":  rows,
		"column_names": columns,
		"status":       "valid",
	}, nil
}

// validateH5AD checks the HDF5 signature. Full structural validation would
// require loading the data, which is the plugin's job, not the boundary's.
func validateH5AD(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	defer f.Close()

	header := make([]byte, len(hdf5Magic))
	if _, err := io.ReadFull(f, header); err != nil || !bytes.Equal(header, hdf5Magic) {
		return nil, fmt.Errorf("%w: invalid H5AD file format", ErrInvalidFile)
	}

	return map[string]any{
		"format": "h5ad",
		"status": "valid",
		"note":   "basic format validation passed, full validation happens at load time",
	}, nil
}

// Save streams an uploaded part into dir and validates the written file,
// removing it again when validation rejects it. The stored name is prefixed
// with a fresh ULID so concurrent uploads of the same file name never clobber
// each other.
func Save(dir, name string, src io.Reader) (string, *Validation, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create uploads dir: %w", err)
	}

	// The client-supplied name is reduced to its base to keep writes inside dir.
	dst := filepath.Join(dir, task.NewID()+"_"+filepath.Base(name))
	f, err := os.Create(dst)
	if err != nil {
		return "", nil, fmt.Errorf("create upload file: %w", err)
	}

	_, copyErr := io.Copy(f, io.LimitReader(src, MaxFileSize+1))
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(dst)
		return "", nil, fmt.Errorf("write upload: %w", errors.Join(copyErr, closeErr))
	}

	v, err := ValidateFile(dst)
	if err != nil {
		os.Remove(dst)
		return "", nil, err
	}
	return dst, v, nil
}
