// Package wire implements the line-oriented chat protocol: CRLF framing of
// the TCP stream and the request/response/push grammar on top of it.
//
// Wire grammar:
//
//	Request:  VERB SP REQ_ID [ SP PAYLOAD ] CRLF
//	OK:       OK SP REQ_ID [ SP PAYLOAD ] CRLF
//	ERR:      ERR SP REQ_ID SP CODE SP MESSAGE CRLF
//	Push:     PUSH SP SUBJECT SP PAYLOAD CRLF
//
// A payload is a flat sequence of key=value tokens separated by single
// spaces. Values cannot contain spaces; everything after the first '=' of a
// token belongs to the value, so Base64 padding survives intact.
package wire

import (
	"errors"
	"strconv"
	"strings"
)

// maxTokenLen caps VERB and REQ_ID length.
const maxTokenLen = 31

// ErrMalformedRequest is returned when a line cannot be parsed down to a
// verb and request id. The server answers such lines with
// "ERR 0 400 bad_request" and keeps the connection open.
var ErrMalformedRequest = errors.New("wire: malformed request line")

// Push subjects the server may emit.
const (
	PushPM       = "PM"
	PushJoin     = "JOIN"
	PushLeave    = "LEAVE"
	PushGM       = "GM"
	PushGMJoin   = "GM_JOIN"
	PushGMLeave  = "GM_LEAVE"
	PushGMKicked = "GM_KICKED"
)

// Request is one parsed protocol line.
type Request struct {
	Verb    string
	ReqID   string
	Payload Payload
}

// Payload is the raw text following the request id. Key lookups scan the
// token sequence left to right and return the first match.
type Payload string

// Get returns the value of the first key=value token matching key.
func (p Payload) Get(key string) (string, bool) {
	rest := string(p)
	for rest != "" {
		var tok string
		tok, rest = nextToken(rest)
		if tok == "" {
			continue
		}
		eq := strings.IndexByte(tok, '=')
		if eq < 0 {
			continue
		}
		if tok[:eq] == key {
			return tok[eq+1:], true
		}
	}
	return "", false
}

// Has reports whether key is present, regardless of its value.
func (p Payload) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

func nextToken(s string) (tok, rest string) {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	sp := strings.IndexByte(s, ' ')
	if sp < 0 {
		return s, ""
	}
	return s[:sp], s[sp+1:]
}

// ParseRequest parses one logical line into a Request. Leading spaces and a
// trailing space after the request id are tolerated, matching what deployed
// clients send.
func ParseRequest(line string) (Request, error) {
	var req Request

	verb, rest := nextToken(line)
	if verb == "" || len(verb) > maxTokenLen {
		return req, ErrMalformedRequest
	}

	reqID, rest := nextToken(rest)
	if reqID == "" || len(reqID) > maxTokenLen {
		return req, ErrMalformedRequest
	}

	req.Verb = verb
	req.ReqID = reqID
	req.Payload = Payload(rest)
	return req, nil
}

// AppendOK appends an OK response frame to dst. An empty payload produces
// "OK <id>\r\n" with no trailing space.
func AppendOK(dst []byte, reqID, payload string) []byte {
	dst = append(dst, "OK "...)
	dst = append(dst, reqID...)
	if payload != "" {
		dst = append(dst, ' ')
		dst = append(dst, payload...)
	}
	return append(dst, crlf...)
}

// AppendErr appends an ERR response frame to dst.
func AppendErr(dst []byte, reqID string, code int, message string) []byte {
	dst = append(dst, "ERR "...)
	dst = append(dst, reqID...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, message...)
	return append(dst, crlf...)
}

// AppendPush appends a server-initiated push frame to dst.
func AppendPush(dst []byte, subject, payload string) []byte {
	dst = append(dst, "PUSH "...)
	dst = append(dst, subject...)
	dst = append(dst, ' ')
	dst = append(dst, payload...)
	return append(dst, crlf...)
}

// OK formats a complete OK frame.
func OK(reqID, payload string) []byte {
	return AppendOK(nil, reqID, payload)
}

// Err formats a complete ERR frame.
func Err(reqID string, code int, message string) []byte {
	return AppendErr(nil, reqID, code, message)
}

// Push formats a complete push frame.
func Push(subject, payload string) []byte {
	return AppendPush(nil, subject, payload)
}
