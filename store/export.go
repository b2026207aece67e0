package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type historyParquetRow struct {
	SessionID    string `parquet:"name=session_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Destination  string `parquet:"name=destination, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	RelativePath string `parquet:"name=relative_path, type=BYTE_ARRAY, convertedtype=UTF8"`
	SourceName   string `parquet:"name=source_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Filename     string `parquet:"name=filename, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size         int64  `parquet:"name=size, type=INT64"`
	Converted    bool   `parquet:"name=converted, type=BOOLEAN"`
	ImportedAt   int64  `parquet:"name=imported_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// ExportHistoryParquet writes the matching import history to a Parquet file
// and returns the number of rows written.
func ExportHistoryParquet(ctx context.Context, db *sql.DB, filter HistoryFilter, path string) (int, error) {
	records, err := FetchHistory(ctx, db, filter)
	if err != nil {
		return 0, err
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, fmt.Errorf("create parquet: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(historyParquetRow), 4)
	if err != nil {
		fw.Close()
		return 0, fmt.Errorf("init writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i, r := range records {
		row := historyParquetRow{
			SessionID:    r.SessionID,
			Destination:  r.Destination,
			RelativePath: r.RelativePath,
			SourceName:   r.SourceName,
			Filename:     r.Filename,
			Size:         r.Size,
			Converted:    r.Converted,
			ImportedAt:   r.ImportedAt.UnixNano() / int64(time.Millisecond),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			fw.Close()
			return i, fmt.Errorf("write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return len(records), fmt.Errorf("finish parquet: %w", err)
	}
	if err := fw.Close(); err != nil {
		return len(records), fmt.Errorf("close parquet: %w", err)
	}
	return len(records), nil
}
