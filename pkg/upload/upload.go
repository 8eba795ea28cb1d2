// Package upload collects CV documents for multipart submission.
//
// Patterns use doublestar semantics (e.g. "cvs/**/*.pdf"). A pattern without
// glob metacharacters is treated as a literal path and must exist.
package upload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultMaxFileSize is the per-file ceiling accepted by the backend.
const DefaultMaxFileSize int64 = 10 << 20

// ErrUnsupportedType indicates a file extension the backend cannot analyze.
var ErrUnsupportedType = errors.New("unsupported file type")

// ErrTooLarge indicates a file above the configured size ceiling.
var ErrTooLarge = errors.New("file too large")

// ErrNoFiles indicates that no pattern matched any file.
var ErrNoFiles = errors.New("no files matched")

var supportedExtensions = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// File is a local document selected for upload.
type File struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Options controls collection.
type Options struct {
	// MaxFileSize rejects larger files. Zero uses DefaultMaxFileSize.
	MaxFileSize int64
}

// FileError reports a rejected file.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// ContentType returns the MIME type for a supported file name, or "".
func ContentType(name string) string {
	return supportedExtensions[strings.ToLower(filepath.Ext(name))]
}

// Collect expands patterns into a deduplicated, sorted list of files.
func Collect(patterns []string, opts Options) ([]File, error) {
	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	seen := make(map[string]struct{})
	out := make([]File, 0, len(patterns))

	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}

		paths, err := expand(pattern)
		if err != nil {
			return nil, err
		}

		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", p, err)
			}
			if _, ok := seen[abs]; ok {
				continue
			}

			info, err := os.Stat(abs)
			if err != nil {
				return nil, &FileError{Path: p, Err: err}
			}
			if info.IsDir() {
				continue
			}

			ct := ContentType(abs)
			if ct == "" {
				return nil, &FileError{Path: p, Err: ErrUnsupportedType}
			}
			if info.Size() > maxSize {
				return nil, &FileError{Path: p, Err: fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, info.Size(), maxSize)}
			}

			seen[abs] = struct{}{}
			out = append(out, File{
				Path:        abs,
				Name:        filepath.Base(abs),
				Size:        info.Size(),
				ContentType: ct,
			})
		}
	}

	if len(out) == 0 {
		return nil, ErrNoFiles
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func expand(pattern string) ([]string, error) {
	if !hasMeta(pattern) {
		return []string{pattern}, nil
	}
	if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
		return nil, fmt.Errorf("invalid pattern: %s", pattern)
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", pattern, err)
	}
	return matches, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
