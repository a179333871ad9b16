package writer

import (
	"fmt"
	"io"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"quantfeed/models"
)

// tickRecord is one parquet row of the tick archive.
type tickRecord struct {
	InstrumentKey string  `parquet:"name=instrument_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Segment       string  `parquet:"name=segment, type=BYTE_ARRAY, convertedtype=UTF8"`
	Mode          string  `parquet:"name=mode, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind          string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	LTP           float64 `parquet:"name=ltp, type=DOUBLE"`
	LTT           int64   `parquet:"name=ltt, type=INT64"`
	LTQ           int64   `parquet:"name=ltq, type=INT64"`
	Close         float64 `parquet:"name=close, type=DOUBLE"`
	ATP           float64 `parquet:"name=atp, type=DOUBLE"`
	VTT           int64   `parquet:"name=vtt, type=INT64"`
	OI            float64 `parquet:"name=oi, type=DOUBLE"`
	IV            float64 `parquet:"name=iv, type=DOUBLE"`
	TBQ           float64 `parquet:"name=tbq, type=DOUBLE"`
	TSQ           float64 `parquet:"name=tsq, type=DOUBLE"`
	BidPrice      float64 `parquet:"name=bid_price, type=DOUBLE"`
	BidQty        int64   `parquet:"name=bid_qty, type=INT64"`
	AskPrice      float64 `parquet:"name=ask_price, type=DOUBLE"`
	AskQty        int64   `parquet:"name=ask_qty, type=INT64"`
	DepthLevels   int32   `parquet:"name=depth_levels, type=INT32"`
	Open          float64 `parquet:"name=open, type=DOUBLE"`
	High          float64 `parquet:"name=high, type=DOUBLE"`
	Low           float64 `parquet:"name=low, type=DOUBLE"`
	Delta         float64 `parquet:"name=delta, type=DOUBLE"`
	Theta         float64 `parquet:"name=theta, type=DOUBLE"`
	Gamma         float64 `parquet:"name=gamma, type=DOUBLE"`
	Vega          float64 `parquet:"name=vega, type=DOUBLE"`
	Rho           float64 `parquet:"name=rho, type=DOUBLE"`
	FrameTS       int64   `parquet:"name=frame_ts, type=INT64"`
	ReceivedTime  int64   `parquet:"name=received_time, type=INT64"`
}

func toRecord(t models.Tick) tickRecord {
	return tickRecord{
		InstrumentKey: t.InstrumentKey,
		Segment:       t.Segment,
		Mode:          t.Mode,
		Kind:          t.Kind,
		LTP:           t.LTP.InexactFloat64(),
		LTT:           t.LTT,
		LTQ:           t.LTQ,
		Close:         t.Close.InexactFloat64(),
		ATP:           t.ATP.InexactFloat64(),
		VTT:           t.VTT,
		OI:            t.OI,
		IV:            t.IV,
		TBQ:           t.TBQ,
		TSQ:           t.TSQ,
		BidPrice:      t.BidPrice.InexactFloat64(),
		BidQty:        t.BidQty,
		AskPrice:      t.AskPrice.InexactFloat64(),
		AskQty:        t.AskQty,
		DepthLevels:   int32(t.DepthLevels),
		Open:          t.Open.InexactFloat64(),
		High:          t.High.InexactFloat64(),
		Low:           t.Low.InexactFloat64(),
		Delta:         t.Delta,
		Theta:         t.Theta,
		Gamma:         t.Gamma,
		Vega:          t.Vega,
		Rho:           t.Rho,
		FrameTS:       t.FrameTS,
		ReceivedTime:  t.ReceivedTime,
	}
}

// memFile is an in-memory source.ParquetFile. Handles returned by Open
// share the buffer but keep their own offset.
type memFile struct {
	data *[]byte
	off  int64
}

func newMemFile() *memFile {
	return &memFile{data: new([]byte)}
}

func memFileOf(b []byte) *memFile {
	return &memFile{data: &b}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }

func (m *memFile) Open(string) (source.ParquetFile, error) {
	return &memFile{data: m.data}, nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.off + offset
	case io.SeekEnd:
		abs = int64(len(*m.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative offset %d", abs)
	}
	m.off = abs
	return abs, nil
}

func (m *memFile) Read(b []byte) (int, error) {
	if m.off >= int64(len(*m.data)) {
		return 0, io.EOF
	}
	n := copy(b, (*m.data)[m.off:])
	m.off += int64(n)
	return n, nil
}

func (m *memFile) Write(b []byte) (int, error) {
	*m.data = append(*m.data, b...)
	m.off = int64(len(*m.data))
	return len(b), nil
}

func (m *memFile) Close() error { return nil }

func (m *memFile) Bytes() []byte { return *m.data }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy", "":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// encodeTicks renders ticks as one parquet file.
func encodeTicks(ticks []models.Tick, compression string) ([]byte, error) {
	fw := newMemFile()
	pw, err := writer.NewParquetWriter(fw, new(tickRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, t := range ticks {
		if err := pw.Write(toRecord(t)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
