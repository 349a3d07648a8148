package httpx

import (
	"bytes"
	"strconv"
	"strings"
)

// Request describes one exchange. Method defaults to GET.
type Request struct {
	Method string
	URI    string
	Header Header
	Body   []byte
}

// Get is a convenience for a bodiless GET.
func Get(uri string, header Header) Request {
	return Request{Method: "GET", URI: uri, Header: header}
}

// Post is a convenience for a POST carrying body.
func Post(uri string, header Header, body []byte) Request {
	return Request{Method: "POST", URI: uri, Header: header, Body: body}
}

// format renders the request line, headers, blank line and body. A body is
// followed by a line terminator, which Content-Length accounts for.
func (r Request) format(ep Endpoint) []byte {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = "GET"
	}

	header := r.Header.Clone()
	if !header.Has("Host") {
		header.Set("Host", ep.HostHeader())
	}
	if len(r.Body) > 0 && !header.Has("Content-Length") {
		header.Set("Content-Length", strconv.Itoa(len(r.Body)+2))
	}

	var b bytes.Buffer
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(ep.PathAndQuery)
	b.WriteString(" HTTP/1.1\r\n")
	for _, f := range header.fields {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	if len(r.Body) > 0 {
		b.Write(r.Body)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}
