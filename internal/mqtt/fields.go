package mqtt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Field describes one value inside an unsolicited telemetry payload.
type Field struct {
	Key  string `yaml:"key"`
	Type string `yaml:"type"`
	// Place is the byte range [start, end) inside the payload.
	Place  [2]int  `yaml:"place"`
	Factor float64 `yaml:"factor"`
}

// Rule decodes the unsolicited telemetry of one source and channel.
type Rule struct {
	Source  uint8   `yaml:"source"`
	Channel uint8   `yaml:"channel"`
	Fields  []Field `yaml:"fields"`
}

func (r *Rule) Validate() error {
	for i, f := range r.Fields {
		if f.Key == "" {
			return fmt.Errorf("field %d: key is required", i)
		}
		if _, ok := fieldWidths[f.Type]; !ok {
			return fmt.Errorf("field %s: unknown type %q", f.Key, f.Type)
		}
		if f.Place[0] < 0 || f.Place[1] > 8 || f.Place[1] <= f.Place[0] {
			return fmt.Errorf("field %s: invalid place %v", f.Key, f.Place)
		}
	}
	return nil
}

// fieldWidths holds the minimum byte count per type. Zero means any width.
var fieldWidths = map[string]int{
	"string":   0,
	"int8_t":   1,
	"uint8_t":  1,
	"int16_t":  2,
	"uint16_t": 2,
	"int32_t":  4,
	"uint32_t": 4,
	"float":    4,
}

var errShortField = errors.New("not enough bytes")

// decodeFields extracts the rule's fields from data. Fields beyond the
// received length are skipped; the first decode error is returned alongside
// whatever decoded cleanly.
func decodeFields(fields []Field, data []byte) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	var firstErr error

	for _, f := range fields {
		start, end := f.Place[0], min(f.Place[1], len(data))
		if start < 0 || start >= end {
			continue
		}
		v, err := decodeField(f, data[start:end])
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("field %s: %w", f.Key, err)
			}
			continue
		}
		out[f.Key] = v
	}
	return out, firstErr
}

func decodeField(f Field, b []byte) (any, error) {
	width, ok := fieldWidths[f.Type]
	if !ok {
		return nil, fmt.Errorf("unknown type %q", f.Type)
	}
	if len(b) < width {
		return nil, fmt.Errorf("%s: %w", f.Type, errShortField)
	}
	factor := f.Factor
	if factor == 0 {
		factor = 1
	}

	switch f.Type {
	case "string":
		return string(b), nil
	case "int8_t":
		return factor * float64(int8(b[0])), nil
	case "uint8_t":
		return factor * float64(b[0]), nil
	case "int16_t":
		return factor * float64(int16(binary.LittleEndian.Uint16(b))), nil
	case "uint16_t":
		return factor * float64(binary.LittleEndian.Uint16(b)), nil
	case "int32_t":
		return factor * float64(int32(binary.LittleEndian.Uint32(b))), nil
	case "uint32_t":
		return factor * float64(binary.LittleEndian.Uint32(b)), nil
	default: // float
		return factor * float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	}
}
