// Package sip implements the text-based signaling server that answers
// calls, negotiates media, and drives each call's lifecycle from
// ringing through active to ended.
package sip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Supported signaling methods.
const (
	MethodRegister = "REGISTER"
	MethodInvite   = "INVITE"
	MethodAck      = "ACK"
	MethodBye      = "BYE"
	MethodOptions  = "OPTIONS"
)

// Response status codes used by the server.
const (
	StatusTrying        = 100
	StatusRinging       = 180
	StatusOK            = 200
	StatusNotAcceptable = 488
)

const defaultProto = "SIP/2.0"

// minDatagramSize filters obvious junk before parsing. The shortest
// meaningful request line is longer than this.
const minDatagramSize = 12

// Header is one name/value line from a signaling message.
type Header struct {
	Name  string
	Value string
}

// Request is a parsed inbound signaling message: method line, header
// lines, and an optional body.
type Request struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
	Body    []byte
}

// ParseRequest parses one signaling datagram. Header lines are
// CRLF-delimited name/value pairs; an empty line separates them from
// the optional body.
//
// Parameters:
//   - data: Raw datagram bytes
//
// Returns:
//   - *Request: Parsed request
//   - error: Any error that makes the datagram unusable
func ParseRequest(data []byte) (*Request, error) {
	if len(data) < minDatagramSize {
		return nil, fmt.Errorf("datagram too short: %d bytes", len(data))
	}

	head := data
	var body []byte
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
		head = data[:idx]
		body = data[idx+4:]
	}

	lines := strings.Split(string(head), "\r\n")
	fields := strings.Fields(lines[0])
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed request line: %q", lines[0])
	}

	req := &Request{
		Method: strings.ToUpper(fields[0]),
		URI:    fields[1],
		Proto:  fields[2],
		Body:   body,
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		req.Headers = append(req.Headers, Header{
			Name:  strings.TrimSpace(line[:idx]),
			Value: strings.TrimSpace(line[idx+1:]),
		})
	}

	return req, nil
}

// Header returns the value of the first header whose name matches,
// compared case-insensitively. Missing headers return "".
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Response is an outbound signaling reply under construction.
type Response struct {
	Proto   string
	Code    int
	Reason  string
	Headers []Header
	Body    []byte
}

// NewResponse builds a reply to req with the peer's transaction
// headers (Via, From, To, Call-ID, CSeq) echoed back so the peer can
// correlate it.
//
// Parameters:
//   - req: The request being answered
//   - code: Status code
//   - reason: Status reason phrase
//
// Returns:
//   - *Response: Response with correlation headers set and no body
func NewResponse(req *Request, code int, reason string) *Response {
	proto := req.Proto
	if proto == "" {
		proto = defaultProto
	}

	resp := &Response{
		Proto:  proto,
		Code:   code,
		Reason: reason,
	}
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		if value := req.Header(name); value != "" {
			resp.Headers = append(resp.Headers, Header{Name: name, Value: value})
		}
	}
	return resp
}

// WithToTag appends ;tag= to the echoed To header when the peer did
// not supply one. Both responses of an INVITE transaction must carry
// the same tag, so the caller owns tag generation.
func (r *Response) WithToTag(tag string) *Response {
	for i, h := range r.Headers {
		if !strings.EqualFold(h.Name, "To") {
			continue
		}
		if !strings.Contains(strings.ToLower(h.Value), ";tag=") {
			r.Headers[i].Value = h.Value + ";tag=" + tag
		}
		return r
	}
	return r
}

// WithHeader appends an arbitrary header.
func (r *Response) WithHeader(name, value string) *Response {
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
	return r
}

// WithBody attaches a body and its content type.
func (r *Response) WithBody(contentType string, body []byte) *Response {
	r.Body = body
	if contentType != "" {
		r.Headers = append(r.Headers, Header{Name: "Content-Type", Value: contentType})
	}
	return r
}

// Marshal renders the response to wire format. Content-Length is
// always present, zero for bodyless replies.
func (r *Response) Marshal() []byte {
	var b strings.Builder
	b.WriteString(r.Proto)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(r.Code))
	b.WriteByte(' ')
	b.WriteString(r.Reason)
	b.WriteString("\r\n")

	for _, h := range r.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(len(r.Body)))
	b.WriteString("\r\n\r\n")
	b.Write(r.Body)

	return []byte(b.String())
}
