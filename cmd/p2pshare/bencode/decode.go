package bencode

import (
	"fmt"
	"strconv"
)

// maxDepth bounds list/dictionary nesting so hostile input cannot exhaust the stack.
const maxDepth = 32

// Decode decodes the first bencoded value in bencodedString and reports how
// many bytes it consumed. Strings decode to string, integers to int, lists to
// []any and dictionaries to map[string]any.
func Decode[T any](bencodedString string) (T, int, error) {
	var result T
	value, length, err := decodeValue(bencodedString, 0)
	if err != nil {
		return result, 0, err
	}
	result, ok := value.(T)
	if !ok {
		return result, 0, fmt.Errorf("decoded %T, want %T", value, result)
	}
	return result, length, nil
}

func decodeValue(bencodedString string, depth int) (any, int, error) {
	if len(bencodedString) == 0 {
		return nil, 0, fmt.Errorf("unexpected end of input")
	}
	if depth > maxDepth {
		return nil, 0, fmt.Errorf("nesting deeper than %d", maxDepth)
	}

	switch c := bencodedString[0]; {
	case c >= '0' && c <= '9':
		return decodeString(bencodedString)
	case c == 'i':
		return decodeInteger(bencodedString)
	case c == 'l':
		return decodeList(bencodedString, depth)
	case c == 'd':
		return decodeDictionary(bencodedString, depth)
	default:
		return nil, 0, fmt.Errorf("unsupported bencoded type: %q", c)
	}
}

func decodeDictionary(bencodedString string, depth int) (map[string]any, int, error) {
	content := bencodedString[1:]
	result := make(map[string]any)
	totalLength := 1 // for the 'd'
	lastKey := ""

	for len(content) > 0 {
		if content[0] == 'e' {
			return result, totalLength + 1, nil // +1 for the 'e'
		}

		key, keyLength, err := decodeString(content)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid dictionary key: %v", err)
		}
		if len(result) > 0 && key <= lastKey {
			return nil, 0, fmt.Errorf("dictionary keys not sorted or duplicated at %q", key)
		}
		lastKey = key

		content = content[keyLength:]
		totalLength += keyLength

		value, valueLength, err := decodeValue(content, depth+1)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid dictionary value: %v", err)
		}

		content = content[valueLength:]
		totalLength += valueLength
		result[key] = value
	}

	return nil, 0, fmt.Errorf("invalid dictionary format: missing end marker")
}

func decodeList(bencodedString string, depth int) ([]any, int, error) {
	content := bencodedString[1:]
	result := make([]any, 0)
	totalLength := 1 // for the 'l'

	for len(content) > 0 {
		if content[0] == 'e' {
			return result, totalLength + 1, nil // +1 for the 'e'
		}

		value, consumed, err := decodeValue(content, depth+1)
		if err != nil {
			return nil, 0, err
		}

		content = content[consumed:]
		totalLength += consumed
		result = append(result, value)
	}

	return nil, 0, fmt.Errorf("invalid list format: missing end marker")
}

func decodeInteger(bencodedString string) (int, int, error) {
	endIndex := -1
	for i := 1; i < len(bencodedString); i++ {
		if bencodedString[i] == 'e' {
			endIndex = i
			break
		}
	}
	if endIndex == -1 {
		return 0, 0, fmt.Errorf("invalid integer format: missing 'e' terminator")
	}

	numStr := bencodedString[1:endIndex]
	num, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid integer: %v", err)
	}

	return num, endIndex + 1, nil // 1 for the final 'e'
}

func decodeString(bencodedString string) (string, int, error) {
	firstColonIndex := -1
	for i := 0; i < len(bencodedString) && i <= 10; i++ {
		if bencodedString[i] == ':' {
			firstColonIndex = i
			break
		}
	}
	if firstColonIndex <= 0 {
		return "", 0, fmt.Errorf("invalid string format: missing colon separator")
	}

	lengthStr := bencodedString[:firstColonIndex]
	length, err := strconv.Atoi(lengthStr)
	if err != nil {
		return "", 0, err
	}
	if length < 0 || length > len(bencodedString)-firstColonIndex-1 {
		return "", 0, fmt.Errorf("string length %d exceeds input", length)
	}

	totalLength := firstColonIndex + 1 + length // 1 for the ':' + length of number + string content
	return bencodedString[firstColonIndex+1 : totalLength], totalLength, nil
}
