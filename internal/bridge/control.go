package bridge

import (
	"bytes"
	"encoding/json"
)

// Default viewport used when a resize frame omits a dimension.
const (
	defaultRows uint16 = 24
	defaultCols uint16 = 80
)

type controlFrame struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// parseResize tests an inbound payload against the resize control frame
// {"type":"resize","cols":N,"rows":N}. Anything that is not a well-formed
// resize frame is raw terminal input and falls through, including ordinary
// shell text, which almost always fails the JSON test.
func parseResize(data []byte) (rows, cols uint16, ok bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return 0, 0, false
	}

	var f controlFrame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return 0, 0, false
	}
	if f.Type != "resize" {
		return 0, 0, false
	}

	if f.Rows == 0 {
		f.Rows = defaultRows
	}
	if f.Cols == 0 {
		f.Cols = defaultCols
	}
	return f.Rows, f.Cols, true
}
