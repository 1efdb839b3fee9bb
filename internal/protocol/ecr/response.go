package ecr

import (
	"strings"

	"github.com/danmuck/ecrlink/internal/protocol/frame"
)

// Response is one parsed terminal reply. Fields excludes the leading command code.
type Response struct {
	Command string   `json:"command"`
	Fields  []string `json:"fields"`
	Raw     []byte   `json:"-"`
}

// ParseResponse splits a frame payload into the command code and its fields.
func ParseResponse(f frame.Frame) (Response, error) {
	fields := f.Fields()
	if len(fields) == 0 || strings.TrimSpace(fields[0]) == "" {
		return Response{}, ErrInvalidResponse
	}
	return Response{
		Command: fields[0],
		Fields:  fields[1:],
		Raw:     append([]byte(nil), f.Payload...),
	}, nil
}

// Field returns the i-th field after the command code, or "" when absent.
func (r Response) Field(i int) string {
	if i < 0 || i >= len(r.Fields) {
		return ""
	}
	return r.Fields[i]
}

// Type resolves the command code to a transaction type.
func (r Response) Type() (TransactionType, bool) {
	return TypeForCommand(r.Command)
}

// Delimited renders the response the way the terminal SDK hands it to callers:
// every field separator replaced by ';'.
func (r Response) Delimited() string {
	return strings.Join(append([]string{r.Command}, r.Fields...), string(requestDelimiter))
}
