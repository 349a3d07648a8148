package httpx

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	headerTerminator = []byte("\r\n\r\n")

	errStatusLine = errors.New("malformed status line")
	errHeaderLine = errors.New("malformed header line")
)

// responseHead is the status line and header block of a response.
type responseHead struct {
	status int
	header Header
	// contentLength is -1 when the response is framed by connection close.
	contentLength int
}

// parseHead parses the head at the start of data. It returns a nil head and
// no error while the blank line ending the head has not arrived yet; n is
// the offset of the first body byte.
func parseHead(data []byte) (*responseHead, int, error) {
	end := bytes.Index(data, headerTerminator)
	if end < 0 {
		return nil, 0, nil
	}

	lines := strings.Split(string(data[:end]), "\r\n")

	status, err := parseStatusLine(lines[0])
	if err != nil {
		return nil, 0, err
	}

	head := &responseHead{status: status, contentLength: -1}
	for _, line := range lines[1:] {
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, 0, err
		}
		head.header.Set(name, value)
	}

	if v, ok := head.header.Get("Content-Length"); ok {
		cl, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || cl < 0 {
			return nil, 0, fmt.Errorf("%w: bad content-length %q", errHeaderLine, v)
		}
		head.contentLength = cl
	}
	return head, end + len(headerTerminator), nil
}

// parseStatusLine reads "HTTP/1.1 200 OK"; the reason phrase is optional.
func parseStatusLine(line string) (int, error) {
	parts := strings.Fields(line)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, fmt.Errorf("%w: %q", errStatusLine, line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil || status < 100 || status > 999 {
		return 0, fmt.Errorf("%w: %q", errStatusLine, line)
	}
	return status, nil
}

func parseHeaderLine(line string) (string, string, error) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", errHeaderLine, line)
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", "", fmt.Errorf("%w: %q", errHeaderLine, line)
	}
	return name, strings.TrimSpace(value), nil
}

// parseResponse parses a complete response framed by connection close.
func parseResponse(data []byte) (Result, error) {
	head, n, err := parseHead(data)
	if err != nil {
		return Result{}, err
	}
	if head == nil {
		return Result{}, fmt.Errorf("%w: missing header terminator", errStatusLine)
	}

	body := data[n:]
	if head.contentLength >= 0 {
		if len(body) < head.contentLength {
			return Result{}, errTruncated
		}
		body = body[:head.contentLength]
	}

	return Result{
		Code:   Success,
		Status: head.status,
		Header: head.header,
		Body:   append([]byte(nil), body...),
	}, nil
}

var errTruncated = errors.New("body shorter than content-length")
