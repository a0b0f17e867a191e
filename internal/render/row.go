package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Row is one result row: either a *StructuredEvent or a GenericRecord.
type Row interface {
	Columns() []string
	Values() []any
	json.Marshaler
}

// Field is one key/value pair of a GenericRecord.
type Field struct {
	Key   string
	Value any
}

// GenericRecord is an arbitrary object with its keys in encounter order.
type GenericRecord []Field

func (r GenericRecord) Columns() []string {
	cols := make([]string, len(r))
	for i, f := range r {
		cols[i] = f.Key
	}
	return cols
}

func (r GenericRecord) Values() []any {
	vals := make([]any, len(r))
	for i, f := range r {
		vals[i] = f.Value
	}
	return vals
}

// MarshalJSON keeps the encounter order of the keys.
func (r GenericRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalValue(f.Key)
		if err != nil {
			return nil, err
		}
		val, err := marshalValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// StructuredEvent is the fixed three-part event shape. Names holds the keys
// the row actually used, which are either the wire names (ts, routing, event)
// or the long names (timestamp, routingMetadata, eventBody).
type StructuredEvent struct {
	Names           [3]string
	Timestamp       any
	RoutingMetadata any
	EventBody       any
}

var (
	longNames = [3]string{"timestamp", "routingMetadata", "eventBody"}
	wireNames = [3]string{"ts", "routing", "event"}
)

func (e *StructuredEvent) Columns() []string {
	return e.Names[:]
}

func (e *StructuredEvent) Values() []any {
	return []any{e.Timestamp, e.RoutingMetadata, e.EventBody}
}

// MarshalJSON always emits the three keys in canonical order.
func (e *StructuredEvent) MarshalJSON() ([]byte, error) {
	return GenericRecord{
		{Key: e.Names[0], Value: e.Timestamp},
		{Key: e.Names[1], Value: e.RoutingMetadata},
		{Key: e.Names[2], Value: e.EventBody},
	}.MarshalJSON()
}

// Classify picks the row variant by shape: exactly the three structured keys
// (in any order) make a StructuredEvent, anything else stays generic.
func Classify(rec GenericRecord) Row {
	if len(rec) != 3 {
		return rec
	}
	for _, names := range [][3]string{longNames, wireNames} {
		ev := &StructuredEvent{Names: names}
		matched := 0
		for _, f := range rec {
			switch f.Key {
			case names[0]:
				ev.Timestamp = f.Value
			case names[1]:
				ev.RoutingMetadata = f.Value
			case names[2]:
				ev.EventBody = f.Value
			default:
				continue
			}
			matched++
		}
		if matched == 3 {
			return ev
		}
	}
	return rec
}

// DecodeRow decodes one JSON value into a Row, keeping top-level key order.
// Non-object values become a single "value" field.
func DecodeRow(data []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decoding row: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		var v any
		inner := json.NewDecoder(bytes.NewReader(data))
		inner.UseNumber()
		if err := inner.Decode(&v); err != nil {
			return nil, fmt.Errorf("decoding row: %w", err)
		}
		return GenericRecord{{Key: "value", Value: v}}, nil
	}

	var rec GenericRecord
	seen := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decoding row key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("decoding row: unexpected token %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decoding row field %q: %w", key, err)
		}
		// Later duplicates win, as with encoding/json maps.
		if i, dup := seen[key]; dup {
			rec[i].Value = v
			continue
		}
		seen[key] = len(rec)
		rec = append(rec, Field{Key: key, Value: v})
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding row: %w", err)
	}
	return Classify(rec), nil
}

// DecodeRows decodes a batch of raw rows.
func DecodeRows(raw []json.RawMessage) ([]Row, error) {
	rows := make([]Row, 0, len(raw))
	for i, data := range raw {
		row, err := DecodeRow(data)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func marshalValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// prettyValue renders a cell. Nested objects and arrays are indented with sorted keys.
func prettyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimRight(buf.String(), "\n")
}
