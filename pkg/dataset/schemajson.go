package dataset

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/koordinates/kart/pkg/schema"
)

func parseColumnID(s string) (schema.ID, error) {
	if s == "" {
		return schema.ID{}, errors.New("missing column id")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return schema.ID{}, errors.Wrap(err, "invalid column id")
	}
	return id, nil
}

func parseTypeKind(s string) (schema.Type, error) {
	switch s {
	case "boolean":
		return schema.Type{Kind: schema.KindBoolean}, nil
	case "integer":
		return schema.Type{Kind: schema.KindInteger, Size: 64}, nil
	case "float":
		return schema.Type{Kind: schema.KindFloat, Size: 64}, nil
	case "numeric":
		return schema.Type{Kind: schema.KindNumeric, Precision: 19, Scale: 4}, nil
	case "text":
		return schema.Type{Kind: schema.KindText}, nil
	case "blob":
		return schema.Type{Kind: schema.KindBlob}, nil
	case "date":
		return schema.Type{Kind: schema.KindDate}, nil
	case "time":
		return schema.Type{Kind: schema.KindTime}, nil
	case "timestamp":
		return schema.Type{Kind: schema.KindTimestamp, TZ: schema.TZUTC}, nil
	case "interval":
		return schema.Type{Kind: schema.KindInterval}, nil
	case "geometry":
		return schema.Type{Kind: schema.KindGeometry}, nil
	default:
		return schema.Type{}, errors.Errorf("unknown column type %q", s)
	}
}
