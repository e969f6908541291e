package facility

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
)

type Format string

const (
	FormatAuto  Format = "auto"
	FormatLines Format = "jsonl"
	FormatArray Format = "array"
)

// LineError records a JSON line that could not be decoded.
type LineError struct {
	Line int
	Err  error
}

// Batch is the outcome of decoding one input object.
type Batch struct {
	Records []Facility
	Bad     []LineError
}

// Sniff picks the input format from the first non-whitespace byte.
func Sniff(data []byte) Format {
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return FormatArray
	}
	return FormatLines
}

// Decode parses line-delimited JSON or a single JSON array. Malformed lines are
// reported in Batch.Bad and skipped; a malformed array fails the whole batch.
func Decode(r io.Reader, format Format) (*Batch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperr.IO("read input", "", err)
	}
	if format == "" || format == FormatAuto {
		format = Sniff(data)
	}

	switch format {
	case FormatArray:
		var records []Facility
		if len(bytes.TrimSpace(data)) == 0 {
			return &Batch{}, nil
		}
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, &apperr.ValidationError{Field: "input", Reason: fmt.Sprintf("malformed JSON array: %v", err)}
		}
		return &Batch{Records: records}, nil
	case FormatLines:
		b := &Batch{}
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		n := 0
		for sc.Scan() {
			n++
			_ = b.AddLine(n, sc.Bytes())
		}
		if err := sc.Err(); err != nil {
			return nil, apperr.IO("scan input", "", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown input format %q", format)
	}
}

// AddLine decodes one JSON line into the batch. Blank lines are ignored.
func (b *Batch) AddLine(n int, line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	var f Facility
	if err := json.Unmarshal(line, &f); err != nil {
		b.Bad = append(b.Bad, LineError{Line: n, Err: err})
		return err
	}
	b.Records = append(b.Records, f)
	return nil
}
