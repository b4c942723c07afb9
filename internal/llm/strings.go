package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// StringList decodes a JSON array of strings, a single string or null.
// Models are inconsistent about which one they emit for list fields.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler
func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*l = nil
		} else {
			*l = StringList{s}
		}
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("string list: %w", err)
	}
	out := make(StringList, 0, len(raw))
	for _, v := range raw {
		switch t := v.(type) {
		case nil:
		case string:
			if strings.TrimSpace(t) != "" {
				out = append(out, t)
			}
		default:
			out = append(out, fmt.Sprint(t))
		}
	}
	*l = out
	return nil
}
