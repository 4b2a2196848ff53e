package core

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"pixelwar/pkg/types"
)

// Field snapshots use the protobuf wire format so other tooling can read them
// without our Go types:
//
//	message Snapshot { uint32 width = 1; uint32 height = 2; uint64 pool = 3;
//	                   int64 round_end = 4; repeated Cell cells = 5; }
//	message Cell     { uint32 x = 1; uint32 y = 2; string owner = 3;
//	                   uint64 price = 4; uint32 color = 5; }
const (
	fieldWidth    protowire.Number = 1
	fieldHeight   protowire.Number = 2
	fieldPool     protowire.Number = 3
	fieldRoundEnd protowire.Number = 4
	fieldCells    protowire.Number = 5

	cellX     protowire.Number = 1
	cellY     protowire.Number = 2
	cellOwner protowire.Number = 3
	cellPrice protowire.Number = 4
	cellColor protowire.Number = 5
)

var ErrMalformed = errors.New("malformed snapshot")

func EncodeField(s types.FieldSnapshot) []byte {
	var b []byte
	b = appendVarint(b, fieldWidth, uint64(s.Width))
	b = appendVarint(b, fieldHeight, uint64(s.Height))
	b = appendVarint(b, fieldPool, s.Pool)
	b = appendVarint(b, fieldRoundEnd, uint64(s.RoundEnd))
	for _, c := range s.Cells {
		b = protowire.AppendTag(b, fieldCells, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeCell(c))
	}
	return b
}

func encodeCell(c types.CellView) []byte {
	var b []byte
	b = appendVarint(b, cellX, uint64(c.X))
	b = appendVarint(b, cellY, uint64(c.Y))
	if c.Owner != nil {
		b = protowire.AppendTag(b, cellOwner, protowire.BytesType)
		b = protowire.AppendString(b, string(*c.Owner))
	}
	b = appendVarint(b, cellPrice, c.Price)
	b = appendVarint(b, cellColor, uint64(c.Color))
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func DecodeField(b []byte) (types.FieldSnapshot, error) {
	var s types.FieldSnapshot
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldCells && typ == protowire.BytesType:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return s, fmt.Errorf("%w: cell: %v", ErrMalformed, protowire.ParseError(m))
			}
			c, err := decodeCell(raw)
			if err != nil {
				return s, err
			}
			s.Cells = append(s.Cells, c)
			b = b[m:]
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return s, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			switch num {
			case fieldWidth:
				s.Width = uint32(v)
			case fieldHeight:
				s.Height = uint32(v)
			case fieldPool:
				s.Pool = v
			case fieldRoundEnd:
				s.RoundEnd = int64(v)
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return s, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return s, nil
}

func decodeCell(b []byte) (types.CellView, error) {
	var c types.CellView
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, fmt.Errorf("%w: cell: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if num == cellOwner && typ == protowire.BytesType {
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return c, fmt.Errorf("%w: owner: %v", ErrMalformed, protowire.ParseError(m))
			}
			owner := types.Account(s)
			c.Owner = &owner
			b = b[m:]
			continue
		}
		if typ != protowire.VarintType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return c, fmt.Errorf("%w: cell: %v", ErrMalformed, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		v, m := protowire.ConsumeVarint(b)
		if m < 0 {
			return c, fmt.Errorf("%w: cell: %v", ErrMalformed, protowire.ParseError(m))
		}
		switch num {
		case cellX:
			c.X = uint32(v)
		case cellY:
			c.Y = uint32(v)
		case cellPrice:
			c.Price = v
		case cellColor:
			c.Color = uint32(v)
		}
		b = b[m:]
	}
	return c, nil
}

// PackField encodes and compresses a snapshot for storage.
func PackField(s types.FieldSnapshot) ([]byte, error) {
	return Compress(EncodeField(s))
}

func UnpackField(blob []byte) (types.FieldSnapshot, error) {
	raw, err := Decompress(blob)
	if err != nil {
		return types.FieldSnapshot{}, err
	}
	return DecodeField(raw)
}
