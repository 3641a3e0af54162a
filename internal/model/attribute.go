package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// AttributeKind описывает вид пользовательского атрибута товара.
type AttributeKind string

const (
	AttributeText        AttributeKind = "text"
	AttributeNumber      AttributeKind = "number"
	AttributeBoolean     AttributeKind = "boolean"
	AttributeColor       AttributeKind = "color"
	AttributeDate        AttributeKind = "date"
	AttributeSelect      AttributeKind = "select"
	AttributeMultiSelect AttributeKind = "multi_select"
)

// ErrUnknownAttributeKind возвращается для атрибута с неизвестным видом.
var ErrUnknownAttributeKind = errors.New("unknown attribute kind")

// AttributeValue — значение пользовательского атрибута товара.
// Заполняется только поле, соответствующее виду атрибута; остальные
// поля игнорируются при сериализации.
type AttributeValue struct {
	Kind    AttributeKind `json:"kind"`
	Text    string        `json:"text,omitempty"`
	Number  float64       `json:"number,omitempty"`
	Boolean bool          `json:"boolean,omitempty"`
	Date    string        `json:"date,omitempty"`
	Options []string      `json:"options,omitempty"`
}

// Validate проверяет согласованность значения с его видом.
func (v AttributeValue) Validate() error {
	switch v.Kind {
	case AttributeText:
		return nil
	case AttributeNumber:
		if math.IsNaN(v.Number) || math.IsInf(v.Number, 0) {
			return fmt.Errorf("number attribute must be finite, got %v", v.Number)
		}
		return nil
	case AttributeBoolean:
		return nil
	case AttributeColor:
		if !isHexColor(v.Text) {
			return fmt.Errorf("color attribute must be #RRGGBB, got %q", v.Text)
		}
		return nil
	case AttributeDate:
		if _, err := time.Parse("2006-01-02", v.Date); err != nil {
			return fmt.Errorf("date attribute must be YYYY-MM-DD: %w", err)
		}
		return nil
	case AttributeSelect:
		if len(v.Options) != 1 {
			return fmt.Errorf("select attribute must carry exactly one option, got %d", len(v.Options))
		}
		return nil
	case AttributeMultiSelect:
		if len(v.Options) == 0 {
			return errors.New("multi_select attribute must carry at least one option")
		}
		seen := make(map[string]struct{}, len(v.Options))
		for _, opt := range v.Options {
			if _, ok := seen[opt]; ok {
				return fmt.Errorf("multi_select attribute has duplicate option %q", opt)
			}
			seen[opt] = struct{}{}
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAttributeKind, v.Kind)
	}
}

func isHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, ch := range s[1:] {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}
