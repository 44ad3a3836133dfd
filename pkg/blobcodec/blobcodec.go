// Package blobcodec implements the one-way mapping from (schema, row) to
// canonical bytes and back (§4.A). Each value is paired with its column's
// position in a schema.Legend rather than with its ordinal in the live
// schema, so a column added or dropped after the blob was written decodes
// as null / is ignored rather than corrupting neighbouring values.
package blobcodec

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/koordinates/kart/pkg/schema"
)

// Row maps column name to value. Recognised Go value types per
// schema.TypeKind: bool, int64, float64, decimal.Decimal, string, []byte,
// time.Time (date, time and timestamp), Interval, Geometry. A missing key
// or an explicit nil means SQL NULL.
type Row map[string]any

// Interval is a calendar interval value (years/months/days/duration),
// the logical `interval` column type.
type Interval struct {
	Months  int32
	Days    int32
	Nanos   int64
}

// Geometry is GeoPackage-binary-encoded geometry bytes, already
// normalised (§4.A: little-endian header, CRS-ID zero, no envelope,
// little-endian WKB). Callers get normalised bytes from NormalizeGeometry.
type Geometry []byte

// ErrCorruptBlob is returned by DecodeFeature when framing is malformed,
// the legend references unknown IDs, or a value violates its column's
// type (§4.A failure mode).
var ErrCorruptBlob = errors.New("blobcodec: corrupt blob")

const (
	tagNull    byte = 0
	tagPresent byte = 1
)

// EncodeFeature canonically encodes row against sch, pairing each value
// with its column's position in legend. Column order in sch is not part
// of the encoded form; only legend position and value matter, so two
// rows with the same values always encode identically regardless of
// subsequent schema reorders. Each present value is length-prefixed so a
// reader can skip a value whose column it no longer has.
func EncodeFeature(sch schema.Schema, legend schema.Legend, row Row) ([]byte, error) {
	var buf bytes.Buffer

	type entry struct {
		idx int
		col schema.Column
	}
	var entries []entry
	for _, col := range sch.Columns {
		idx := legend.IndexOf(col.ID)
		if idx < 0 {
			return nil, errors.Errorf("blobcodec: column %s not present in legend", col.Name)
		}
		entries = append(entries, entry{idx: idx, col: col})
	}

	writeUvarint(&buf, uint64(len(entries)))
	for _, e := range entries {
		writeUvarint(&buf, uint64(e.idx))
		val, present := row[e.col.Name]
		if !present || val == nil {
			buf.WriteByte(tagNull)
			continue
		}
		buf.WriteByte(tagPresent)
		var valBuf bytes.Buffer
		if err := encodeValue(&valBuf, e.col.Type, val); err != nil {
			return nil, errors.Wrapf(err, "blobcodec: encoding column %s", e.col.Name)
		}
		writeBytes(&buf, valBuf.Bytes())
	}
	return buf.Bytes(), nil
}

// DecodeFeature decodes data against sch/legend. A legend entry whose
// column ID no longer exists in sch is skipped (dropped column); a
// column present in sch but absent from the blob's legend positions
// decodes as null (added column), per §4.A.
func DecodeFeature(sch schema.Schema, legend schema.Legend, data []byte) (Row, error) {
	r := bytes.NewReader(data)

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptBlob, err.Error())
	}

	row := make(Row, len(sch.Columns))
	for i := uint64(0); i < count; i++ {
		idx, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptBlob, err.Error())
		}
		tag, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(ErrCorruptBlob, err.Error())
		}

		if int(idx) >= len(legend.ColumnIDs) {
			return nil, errors.Wrapf(ErrCorruptBlob, "legend index %d out of range", idx)
		}
		colID := legend.ColumnIDs[idx]
		col, ok := sch.ByID(colID)
		if !ok {
			// column was dropped since this blob was written; still have
			// to consume its payload to stay aligned.
			if tag == tagPresent {
				if err := skipValue(r); err != nil {
					return nil, errors.Wrap(ErrCorruptBlob, err.Error())
				}
			}
			continue
		}

		if tag == tagNull {
			row[col.Name] = nil
			continue
		}
		payload, err := readBytes(r)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptBlob, err.Error())
		}
		val, err := decodeValue(bytes.NewReader(payload), col.Type)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptBlob, "column %s: %s", col.Name, err)
		}
		row[col.Name] = val
	}

	// columns added after this blob was written: explicit null (§4.A).
	for _, col := range sch.Columns {
		if _, present := row[col.Name]; !present {
			row[col.Name] = nil
		}
	}
	return row, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func skipValue(r *bytes.Reader) error {
	_, err := readBytes(r)
	return err
}

func encodeValue(buf *bytes.Buffer, t schema.Type, val any) error {
	switch t.Kind {
	case schema.KindBoolean:
		b, ok := val.(bool)
		if !ok {
			return errors.Errorf("want bool, got %T", val)
		}
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case schema.KindInteger:
		v, ok := asInt64(val)
		if !ok {
			return errors.Errorf("want integer, got %T", val)
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v))
		buf.Write(tmp[:])
	case schema.KindFloat:
		v, ok := asFloat64(val)
		if !ok {
			return errors.Errorf("want float, got %T", val)
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
		buf.Write(tmp[:])
	case schema.KindNumeric:
		d, ok := val.(decimal.Decimal)
		if !ok {
			return errors.Errorf("want decimal.Decimal, got %T", val)
		}
		writeBytes(buf, []byte(d.String()))
	case schema.KindText:
		s, ok := val.(string)
		if !ok {
			return errors.Errorf("want string, got %T", val)
		}
		writeBytes(buf, []byte(s))
	case schema.KindBlob:
		b, ok := val.([]byte)
		if !ok {
			return errors.Errorf("want []byte, got %T", val)
		}
		writeBytes(buf, b)
	case schema.KindDate, schema.KindTime, schema.KindTimestamp:
		tm, ok := val.(time.Time)
		if !ok {
			return errors.Errorf("want time.Time, got %T", val)
		}
		writeBytes(buf, []byte(tm.UTC().Format(time.RFC3339Nano)))
	case schema.KindInterval:
		iv, ok := val.(Interval)
		if !ok {
			return errors.Errorf("want Interval, got %T", val)
		}
		var tmp [16]byte
		binary.BigEndian.PutUint32(tmp[0:4], uint32(iv.Months))
		binary.BigEndian.PutUint32(tmp[4:8], uint32(iv.Days))
		binary.BigEndian.PutUint64(tmp[8:16], uint64(iv.Nanos))
		buf.Write(tmp[:])
	case schema.KindGeometry:
		g, ok := val.(Geometry)
		if !ok {
			b, ok2 := val.([]byte)
			if !ok2 {
				return errors.Errorf("want Geometry, got %T", val)
			}
			g = Geometry(b)
		}
		norm, err := NormalizeGeometry(g)
		if err != nil {
			return err
		}
		writeBytes(buf, norm)
	default:
		return errors.Errorf("unsupported type kind %v", t.Kind)
	}
	return nil
}

func decodeValue(r *bytes.Reader, t schema.Type) (any, error) {
	switch t.Kind {
	case schema.KindBoolean:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case schema.KindInteger:
		var tmp [8]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(tmp[:])), nil
	case schema.KindFloat:
		var tmp [8]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(tmp[:])), nil
	case schema.KindNumeric:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return decimal.NewFromString(string(b))
	case schema.KindText:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case schema.KindBlob:
		return readBytes(r)
	case schema.KindDate, schema.KindTime, schema.KindTimestamp:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, string(b))
	case schema.KindInterval:
		var tmp [16]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return nil, err
		}
		return Interval{
			Months: int32(binary.BigEndian.Uint32(tmp[0:4])),
			Days:   int32(binary.BigEndian.Uint32(tmp[4:8])),
			Nanos:  int64(binary.BigEndian.Uint64(tmp[8:16])),
		}, nil
	case schema.KindGeometry:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return Geometry(b), nil
	default:
		return nil, errors.Errorf("unsupported type kind %v", t.Kind)
	}
}

func asInt64(val any) (int64, bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint64:
		return int64(v), true
	default:
		return 0, false
	}
}

func asFloat64(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	default:
		return 0, false
	}
}
