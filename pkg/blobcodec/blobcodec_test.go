package blobcodec

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/schema"
)

func testSchema(t *testing.T) (schema.Schema, schema.Legend) {
	t.Helper()
	const salt = "blobcodec-test"
	cols := []schema.Column{
		{ID: schema.EncodeColumnID("fid", schema.Type{Kind: schema.KindInteger, Size: 64}, salt),
			Name: "fid", Type: schema.Type{Kind: schema.KindInteger, Size: 64}, PKIndex: 0},
		{ID: schema.EncodeColumnID("name", schema.Type{Kind: schema.KindText}, salt),
			Name: "name", Type: schema.Type{Kind: schema.KindText}, PKIndex: -1},
		{ID: schema.EncodeColumnID("elevation", schema.Type{Kind: schema.KindFloat, Size: 64}, salt),
			Name: "elevation", Type: schema.Type{Kind: schema.KindFloat, Size: 64}, PKIndex: -1},
		{ID: schema.EncodeColumnID("amount", schema.Type{Kind: schema.KindNumeric, Precision: 10, Scale: 2}, salt),
			Name: "amount", Type: schema.Type{Kind: schema.KindNumeric, Precision: 10, Scale: 2}, PKIndex: -1},
		{ID: schema.EncodeColumnID("surveyed_at", schema.Type{Kind: schema.KindTimestamp, TZ: schema.TZUTC}, salt),
			Name: "surveyed_at", Type: schema.Type{Kind: schema.KindTimestamp, TZ: schema.TZUTC}, PKIndex: -1},
	}
	sch, err := schema.New(cols)
	require.NoError(t, err)
	return sch, schema.LegendOf(sch)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sch, legend := testSchema(t)
	row := Row{
		"fid":         int64(42),
		"name":        "Trig Station",
		"elevation":   412.5,
		"amount":      decimal.RequireFromString("1234.56"),
		"surveyed_at": time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC),
	}

	encoded, err := EncodeFeature(sch, legend, row)
	require.NoError(t, err)

	decoded, err := DecodeFeature(sch, legend, encoded)
	require.NoError(t, err)

	assert.Equal(t, row["fid"], decoded["fid"])
	assert.Equal(t, row["name"], decoded["name"])
	assert.Equal(t, row["elevation"], decoded["elevation"])
	assert.True(t, row["amount"].(decimal.Decimal).Equal(decoded["amount"].(decimal.Decimal)))
	assert.True(t, row["surveyed_at"].(time.Time).Equal(decoded["surveyed_at"].(time.Time)))
}

func TestEncodeDecodeRoundTripIsInjective(t *testing.T) {
	sch, legend := testSchema(t)
	rows := []Row{
		{"fid": int64(1), "name": "a"},
		{"fid": int64(2), "name": "b"},
		{"fid": int64(1), "name": "b"},
	}

	encodings := make(map[string]Row)
	for _, row := range rows {
		b, err := EncodeFeature(sch, legend, row)
		require.NoError(t, err)
		decoded, err := DecodeFeature(sch, legend, b)
		require.NoError(t, err)
		assert.Equal(t, row["fid"], decoded["fid"])
		assert.Equal(t, row["name"], decoded["name"])
		encodings[string(b)] = row
	}
	assert.Len(t, encodings, len(rows), "distinct rows must not collide onto the same encoding")
}

func TestEncodeIsDeterministic(t *testing.T) {
	sch, legend := testSchema(t)
	row := Row{"fid": int64(7), "name": "repeatable"}

	b1, err := EncodeFeature(sch, legend, row)
	require.NoError(t, err)
	b2, err := EncodeFeature(sch, legend, row)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestDecodeNullForMissingColumn(t *testing.T) {
	sch, legend := testSchema(t)
	row := Row{"fid": int64(7)}

	b, err := EncodeFeature(sch, legend, row)
	require.NoError(t, err)

	decoded, err := DecodeFeature(sch, legend, b)
	require.NoError(t, err)
	assert.Nil(t, decoded["name"])
	assert.Nil(t, decoded["elevation"])
}

func TestDecodeToleratesAddedColumn(t *testing.T) {
	sch, legend := testSchema(t)
	row := Row{"fid": int64(7), "name": "x"}
	b, err := EncodeFeature(sch, legend, row)
	require.NoError(t, err)

	widerSchema, err := schema.New(append(append([]schema.Column(nil), sch.Columns...), schema.Column{
		ID: uuid.New(), Name: "new_col", Type: schema.Type{Kind: schema.KindText}, PKIndex: -1,
	}))
	require.NoError(t, err)

	decoded, err := DecodeFeature(widerSchema, legend, b)
	require.NoError(t, err)
	assert.Nil(t, decoded["new_col"])
	assert.Equal(t, "x", decoded["name"])
}

func TestDecodeToleratesDroppedColumn(t *testing.T) {
	sch, legend := testSchema(t)
	row := Row{"fid": int64(7), "name": "x", "elevation": 1.5}
	b, err := EncodeFeature(sch, legend, row)
	require.NoError(t, err)

	narrower, err := schema.New([]schema.Column{sch.Columns[0], sch.Columns[1]})
	require.NoError(t, err)

	decoded, err := DecodeFeature(narrower, legend, b)
	require.NoError(t, err)
	assert.Equal(t, "x", decoded["name"])
	_, present := decoded["elevation"]
	assert.False(t, present)
}

func TestDecodeRejectsTruncatedBlob(t *testing.T) {
	sch, legend := testSchema(t)
	row := Row{"fid": int64(1), "name": "x"}
	b, err := EncodeFeature(sch, legend, row)
	require.NoError(t, err)

	_, err = DecodeFeature(sch, legend, b[:len(b)-3])
	assert.Error(t, err)
}

func TestEncodeRejectsColumnNotInLegend(t *testing.T) {
	sch, _ := testSchema(t)
	emptyLegend := schema.Legend{}
	_, err := EncodeFeature(sch, emptyLegend, Row{"fid": int64(1)})
	assert.Error(t, err)
}
