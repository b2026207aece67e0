package pipeline

import (
	"fmt"
	"path"
	"time"

	"import-desk/source"
)

// Placed pairs a remote asset with the name and directory it will be stored
// under. Dir is slash-separated and relative to the destination; empty means
// the destination root.
type Placed struct {
	Asset source.Asset
	Name  string
	Dir   string
}

// RelPath returns the destination-relative path for name inside the placement dir.
func (p Placed) RelPath(name string) string {
	if p.Dir == "" {
		return name
	}
	return path.Join(p.Dir, name)
}

// Place computes the display name and placement directory of an asset.
// Assets without a filename get a synthetic photo_{unix_ms} name; assets
// with a creation time are placed under {YYYY}/{MM}.
func Place(asset source.Asset, now time.Time) Placed {
	name := asset.Filename()
	if name == "" {
		name = SyntheticName(now)
	}
	p := Placed{Asset: asset, Name: name}
	if created, ok := asset.Created(); ok {
		p.Dir = fmt.Sprintf("%04d/%02d", created.Year(), int(created.Month()))
	}
	return p
}

// SyntheticName returns the fallback filename for an asset without one.
func SyntheticName(now time.Time) string {
	return fmt.Sprintf("photo_%d", now.UnixMilli())
}
