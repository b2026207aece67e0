// Package sink writes materialized files and returns the payload used to
// deliver them.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"import-desk/delivery"
)

// Sink stores one file under a slash-separated path relative to its root.
type Sink interface {
	Write(ctx context.Context, relPath string, data []byte) (delivery.Payload, error)
}

// Local writes below a directory on disk.
type Local struct {
	Root string
}

// NewLocal returns a sink rooted at dir.
func NewLocal(dir string) Local {
	return Local{Root: dir}
}

// Write implements Sink. The file is written next to its final name and
// renamed into place.
func (l Local) Write(ctx context.Context, relPath string, data []byte) (delivery.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := l.resolve(relPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to move %s into place: %w", relPath, err)
	}
	return delivery.FilePayload(path), nil
}

func (l Local) resolve(relPath string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(relPath))
	if cleaned == "." || filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid relative path %q", relPath)
	}
	return filepath.Join(l.Root, cleaned), nil
}

// Tee writes to a primary sink and then to every mirror. The primary's
// payload is returned; a mirror failure fails the write.
type Tee struct {
	Primary Sink
	Mirrors []Sink
}

// Write implements Sink.
func (t Tee) Write(ctx context.Context, relPath string, data []byte) (delivery.Payload, error) {
	payload, err := t.Primary.Write(ctx, relPath, data)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, m := range t.Mirrors {
		if m == nil {
			continue
		}
		if _, err := m.Write(ctx, relPath, data); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("mirror write failed: %w", errors.Join(errs...))
	}
	return payload, nil
}
