package mime

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/header"
)

// maxDepth bounds multipart nesting.
const maxDepth = 16

// Parse reads a MIME entity (headers, blank line, body). Parsed parts keep
// their original bytes.
func Parse(data []byte) (*Part, error) {
	return parse(data, 0)
}

// ParseFile reads and parses the entity stored at path.
func ParseFile(path string) (*Part, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading MIME entity: %w", err)
	}
	return Parse(data)
}

// SplitEntity separates the header block from the body without decoding.
func SplitEntity(data []byte) (*header.Collection, []byte) {
	block, body := header.Split(string(data))
	h, _ := header.ParseBlock(block + "\r\n\r\n")
	return h, []byte(body)
}

func parse(data []byte, depth int) (*Part, error) {
	if depth > maxDepth {
		return nil, fault.New(fault.Malformed, "MIME nesting too deep")
	}
	h, body := SplitEntity(data)
	p := &Part{Header: h, raw: data}

	if !p.IsMultipart() {
		decoded, err := DecodeBody(body, p.TransferEncoding())
		if err != nil {
			return nil, err
		}
		p.Body = decoded
		return p, nil
	}

	_, params := p.MediaType()
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fault.New(fault.Malformed, "multipart entity without boundary")
	}
	chunks, err := splitParts(body, boundary)
	if err != nil {
		return nil, err
	}
	for _, chunk := range chunks {
		child, err := parse(chunk, depth+1)
		if err != nil {
			return nil, err
		}
		p.Parts = append(p.Parts, child)
	}
	return p, nil
}

// splitParts returns the encapsulated parts between boundary delimiters.
// The line break preceding a delimiter belongs to the delimiter.
func splitParts(body []byte, boundary string) ([][]byte, error) {
	delim := []byte("--" + boundary)
	var parts [][]byte
	start := -1
	pos := 0

	for pos < len(body) {
		i := bytes.Index(body[pos:], delim)
		if i < 0 {
			break
		}
		i += pos
		after := i + len(delim)
		if (i > 0 && body[i-1] != '\n') || !delimiterEnd(body[after:]) {
			pos = after
			continue
		}

		if start >= 0 {
			end := i
			if end > start && body[end-1] == '\n' {
				end--
				if end > start && body[end-1] == '\r' {
					end--
				}
			}
			parts = append(parts, body[start:end])
		}
		if bytes.HasPrefix(body[after:], []byte("--")) {
			return parts, nil
		}

		next := bytes.IndexByte(body[after:], '\n')
		if next < 0 {
			start = len(body)
			break
		}
		start = after + next + 1
		pos = start
	}

	if start < 0 {
		return nil, fault.Newf(fault.Malformed, "boundary %q not found", boundary)
	}
	// Missing close delimiter: keep what follows the last delimiter.
	if start < len(body) {
		parts = append(parts, bytes.TrimRight(body[start:], "\r\n"))
	}
	if len(parts) == 0 {
		return nil, fault.New(fault.Malformed, "multipart entity without parts")
	}
	return parts, nil
}

func delimiterEnd(rest []byte) bool {
	if len(rest) == 0 || bytes.HasPrefix(rest, []byte("--")) {
		return true
	}
	switch rest[0] {
	case '\r', '\n', ' ', '\t':
		return true
	}
	return false
}
