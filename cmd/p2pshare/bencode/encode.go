package bencode

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

func Encode(value any) (string, error) {
	var sb strings.Builder
	if err := encodeTo(&sb, value); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func encodeTo(sb *strings.Builder, value any) error {
	switch v := value.(type) {
	case string:
		sb.WriteString(strconv.Itoa(len(v)))
		sb.WriteByte(':')
		sb.WriteString(v)
	case []byte:
		sb.WriteString(strconv.Itoa(len(v)))
		sb.WriteByte(':')
		sb.Write(v)
	case int:
		sb.WriteByte('i')
		sb.WriteString(strconv.Itoa(v))
		sb.WriteByte('e')
	case []string:
		sb.WriteByte('l')
		for _, item := range v {
			if err := encodeTo(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte('e')
	case []any:
		sb.WriteByte('l')
		for _, item := range v {
			if err := encodeTo(sb, item); err != nil {
				return fmt.Errorf("failed to encode list item: %v", err)
			}
		}
		sb.WriteByte('e')
	case map[string]any:
		sb.WriteByte('d')
		// Sort keys for consistent encoding
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		for _, key := range keys {
			if err := encodeTo(sb, key); err != nil {
				return fmt.Errorf("failed to encode dictionary key: %v", err)
			}
			if err := encodeTo(sb, v[key]); err != nil {
				return fmt.Errorf("failed to encode dictionary value %q: %v", key, err)
			}
		}
		sb.WriteByte('e')
	default:
		return fmt.Errorf("unsupported type for bencode encoding: %T", value)
	}
	return nil
}
