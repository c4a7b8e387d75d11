package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var csvHeader = []string{"sequence", "event_id", "escrow_id", "type", "attributes", "created_at"}

// WriteCSV renders records with a header row.
func WriteCSV(w io.Writer, records []Record) error {
	out := csv.NewWriter(w)
	if err := out.Write(csvHeader); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, record := range records {
		row := []string{
			fmt.Sprintf("%d", record.Sequence),
			record.EventID.String(),
			record.EscrowID,
			record.Type,
			record.Attributes,
			record.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := out.Write(row); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	EventID    string `parquet:"name=event_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowID   string `parquet:"name=escrow_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteParquet renders records as a snappy-compressed parquet file.
func WriteParquet(w io.Writer, records []Record) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, record := range records {
		row := &parquetRow{
			Sequence:   int64(record.Sequence),
			EventID:    record.EventID.String(),
			EscrowID:   record.EscrowID,
			Type:       record.Type,
			Attributes: record.Attributes,
			CreatedAt:  record.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	return nil
}
