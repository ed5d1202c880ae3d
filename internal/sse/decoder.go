package sse

import (
	"bufio"
	"bytes"
	"io"
)

// Decoder reads frames from an event stream. Comment lines and non-data
// fields are skipped; multi-line data is joined with newlines.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder reads from r. Single events may be up to 16 MiB.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	return &Decoder{scanner: scanner}
}

// Next returns the next frame, or io.EOF when the stream ends.
func (d *Decoder) Next() (Frame, error) {
	var data []byte
	hasData := false
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			if hasData {
				return Parse(data)
			}
			continue
		}
		field, value, found := bytes.Cut(line, []byte(":"))
		if !found || string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if hasData {
			data = append(data, '\n')
		}
		data = append(data, value...)
		hasData = true
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	if hasData {
		return Parse(data)
	}
	return nil, io.EOF
}
