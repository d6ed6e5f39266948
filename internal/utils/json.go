package utils

import (
	"bytes"
	"encoding/json"
)

// AppendJSONLines encodes each value as one line of JSON and appends the
// lines to dst. HTML characters are left unescaped so prompts containing
// '<' or '&' stay readable in log files.
func AppendJSONLines(dst []byte, values ...any) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			return dst, err
		}
	}
	return buf.Bytes(), nil
}
