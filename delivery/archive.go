package delivery

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
)

// WriteArchive streams a zip of every catalogue entry of the session to w.
// Entries are opened one at a time and copied in fixed-size chunks, so
// memory use does not grow with the archive. Expired or evicted entries are
// left out.
func (s *Store) WriteArchive(ctx context.Context, sessionID string, w io.Writer) error {
	if err := s.CheckArchive(sessionID); err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	buf := make([]byte, chunkSize)
	for _, entry := range s.Catalogue(sessionID) {
		if err := ctx.Err(); err != nil {
			return err
		}
		token, err := s.Fetch(sessionID, entry.Token)
		if err != nil {
			continue
		}
		if err := writeEntry(ctx, zw, entry.RelativePath, token, buf); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

func writeEntry(ctx context.Context, zw *zip.Writer, name string, token *Token, buf []byte) error {
	src, err := token.Payload.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer src.Close()

	dst, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", name, err)
	}
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write %s to archive: %w", name, err)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read %s: %w", name, readErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
