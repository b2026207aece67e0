package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"path/filepath"
	"strings"

	"github.com/gen2brain/heic"

	// Decoders registered with image.Decode.
	_ "image/gif"
	_ "image/png"
)

// FormatJPEG is the standard output format of conversions.
const FormatJPEG = "jpeg"

// TargetExtension is the extension given to converted files.
const TargetExtension = ".jpg"

// Transcoder decodes raw image bytes and encodes images to a target format.
type Transcoder interface {
	Decode(raw []byte) (image.Image, error)
	Encode(img image.Image, format string) ([]byte, error)
}

// heifBrands are the ISO-BMFF major brands of HEIF still images.
var heifBrands = map[string]struct{}{
	"heic": {}, "heix": {}, "heim": {}, "heis": {},
	"hevc": {}, "hevx": {}, "mif1": {}, "msf1": {},
}

// IsHEIF reports whether raw starts with an ftyp box of a HEIF brand.
func IsHEIF(raw []byte) bool {
	if len(raw) < 12 || string(raw[4:8]) != "ftyp" {
		return false
	}
	_, ok := heifBrands[string(raw[8:12])]
	return ok
}

// Standard uses the image decoders linked into the binary, including the
// pure Go HEIC decoder, and encodes JPEG.
type Standard struct {
	Quality int
}

// Decode implements Transcoder.
func (s Standard) Decode(raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if errors.Is(err, image.ErrFormat) && IsHEIF(raw) {
		// brands such as mif1 are not in the registered signatures
		img, err = heic.Decode(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Encode implements Transcoder.
func (s Standard) Encode(img image.Image, format string) ([]byte, error) {
	if format != FormatJPEG {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	quality := s.Quality
	if quality <= 0 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Convert decodes raw and re-encodes it as JPEG.
func Convert(t Transcoder, raw []byte) ([]byte, error) {
	img, err := t.Decode(raw)
	if err != nil {
		return nil, err
	}
	return t.Encode(img, FormatJPEG)
}

// Policy decides which source extensions are converted.
type Policy struct {
	extensions map[string]struct{}
}

// NewPolicy returns a policy converting the given extensions (case-insensitive,
// leading dot optional).
func NewPolicy(extensions ...string) Policy {
	p := Policy{extensions: make(map[string]struct{}, len(extensions))}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		p.extensions[ext] = struct{}{}
	}
	return p
}

// DefaultPolicy converts HEIC images.
func DefaultPolicy() Policy {
	return NewPolicy(".heic")
}

// Convertible reports whether name has a converted extension.
func (p Policy) Convertible(name string) bool {
	_, ok := p.extensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// TargetName returns name with its extension replaced by TargetExtension
// when it is convertible, and an empty string otherwise.
func (p Policy) TargetName(name string) string {
	if !p.Convertible(name) {
		return ""
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + TargetExtension
}

// Empty reports whether the policy converts nothing.
func (p Policy) Empty() bool {
	return len(p.extensions) == 0
}
