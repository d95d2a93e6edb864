package message

import (
	"errors"
	"fmt"

	"github.com/mcheviron/p2pshare/cmd/p2pshare/bencode"
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrTooLarge  = errors.New("message too large")
)

// Encode serializes m as a bencoded dictionary {"fields": ..., "title": ...}.
// Sets are written as dictionaries whose keys are the members, which keeps
// them distinguishable from lists when decoding.
func Encode(m Message) ([]byte, error) {
	if m.Title == "" {
		return nil, fmt.Errorf("encode: empty title")
	}

	fields := make(map[string]any, len(m.Fields))
	for name, value := range m.Fields {
		switch v := value.(type) {
		case string, []string:
			fields[name] = v
		case Set:
			members := make(map[string]any, len(v))
			for item := range v {
				members[item] = 1
			}
			fields[name] = members
		default:
			return nil, fmt.Errorf("encode: field %q has unsupported type %T", name, value)
		}
	}

	encoded, err := bencode.Encode(map[string]any{
		"title":  m.Title,
		"fields": fields,
	})
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return []byte(encoded), nil
}

// Decode parses a complete envelope. Any input that does not hold exactly
// one valid envelope fails with ErrMalformed.
func Decode(data []byte) (Message, error) {
	decoded, n, err := bencode.Decode[map[string]any](string(data))
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n != len(data) {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-n)
	}

	title, ok := decoded["title"].(string)
	if !ok || title == "" {
		return Message{}, fmt.Errorf("%w: missing title", ErrMalformed)
	}
	rawFields, ok := decoded["fields"].(map[string]any)
	if !ok {
		return Message{}, fmt.Errorf("%w: missing fields", ErrMalformed)
	}

	m := Message{Title: title, Fields: make(map[string]any, len(rawFields))}
	for name, raw := range rawFields {
		value, err := decodeValue(raw)
		if err != nil {
			return Message{}, fmt.Errorf("%w: field %q: %v", ErrMalformed, name, err)
		}
		m.Fields[name] = value
	}
	return m, nil
}

func decodeValue(raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list item of type %T", item)
			}
			items = append(items, s)
		}
		return items, nil
	case map[string]any:
		set := make(Set, len(v))
		for item, marker := range v {
			if marker != 1 {
				return nil, fmt.Errorf("set member %q has marker %v", item, marker)
			}
			set.Add(item)
		}
		return set, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", raw)
	}
}
