package tables

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// ParquetConfig configures parquet output generation.
type ParquetConfig struct {
	Compression string // "snappy" | "zstd" | "none"
}

// DefaultParquetConfig returns sensible defaults.
func DefaultParquetConfig() ParquetConfig {
	return ParquetConfig{Compression: "snappy"}
}

func (c ParquetConfig) codec() parquet.WriterOption {
	switch c.Compression {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

// ParquetOutput is an encoded partition payload with its integrity metadata.
type ParquetOutput struct {
	Data     []byte
	Checksum string
	RowCount int64
}

// EncodeSilver encodes silver rows as parquet.
func EncodeSilver(rows []SilverBirthRow, cfg ParquetConfig) (*ParquetOutput, error) {
	return encode(rows, cfg)
}

// DecodeSilver decodes a silver parquet payload.
func DecodeSilver(data []byte) ([]SilverBirthRow, error) {
	return decode[SilverBirthRow](data)
}

// EncodeGold encodes gold summary rows as parquet.
func EncodeGold(rows []GoldBirthSummaryRow, cfg ParquetConfig) (*ParquetOutput, error) {
	return encode(rows, cfg)
}

// DecodeGold decodes a gold parquet payload.
func DecodeGold(data []byte) ([]GoldBirthSummaryRow, error) {
	return decode[GoldBirthSummaryRow](data)
}

func encode[T any](rows []T, cfg ParquetConfig) (*ParquetOutput, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf, cfg.codec())
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	data := buf.Bytes()
	return &ParquetOutput{
		Data:     data,
		Checksum: ComputeChecksum(data),
		RowCount: int64(len(rows)),
	}, nil
}

func decode[T any](data []byte) ([]T, error) {
	rows, err := parquet.Read[T](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	return rows, nil
}
