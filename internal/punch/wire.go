package punch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexString decodes an identifier sent either as a JSON string or as an
// integer. null and absent values decode to "".
func FlexString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return "", fmt.Errorf("identifier %s: %w", raw, err)
	}
	return strconv.FormatInt(n, 10), nil
}
