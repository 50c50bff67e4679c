package protocol

// lookup table for status codes
// i use flat list instead of map bc codes is fixed
var statusTable = [512][]byte{
	// 1xx
	100: []byte("Continue"),
	101: []byte("Switching Protocols"),

	// 2xx
	200: []byte("OK"),
	201: []byte("Created"),
	202: []byte("Accepted"),
	204: []byte("No Content"),
	206: []byte("Partial Content"),

	// 3xx
	301: []byte("Moved Permanently"),
	302: []byte("Found"),
	304: []byte("Not Modified"),

	// 4xx
	400: []byte("Bad Request"),
	401: []byte("Unauthorized"),
	403: []byte("Forbidden"),
	404: []byte("Not Found"),
	405: []byte("Method Not Allowed"),
	408: []byte("Request Timeout"),
	411: []byte("Length Required"),
	413: []byte("Payload Too Large"),
	414: []byte("URI Too Long"),
	431: []byte("Request Header Fields Too Large"),

	// 5xx
	500: []byte("Internal Server Error"),
	501: []byte("Not Implemented"),
	502: []byte("Bad Gateway"),
	503: []byte("Service Unavailable"),
	504: []byte("Gateway Timeout"),
	505: []byte("HTTP Version Not Supported"),
}

// ServerName goes to the Server header of every response
const ServerName = "pollserve"

// for fast access
var (
	proto     = []byte("HTTP/1.1 ")
	crlf      = []byte("\r\n")
	colon     = []byte(": ")
	hServer   = []byte("Server: " + ServerName + "\r\n")
	hType     = []byte("Content-Type: ")
	hLength   = []byte("Content-Length: ")
	connClose = []byte("Connection: close\r\n")
	connKeep  = []byte("Connection: keep-alive\r\n")
	unknown   = []byte("Unknown")
)

// StatusText returns the reason phrase, "Unknown" for codes outside the table
func StatusText(code int) []byte {
	if code < 0 || code >= len(statusTable) || statusTable[code] == nil {
		return unknown
	}
	return statusTable[code]
}

// helper func to append uint to buf without fmt
// n should be uint bc / 10 (and % 10) for uints is faster, and our len or code >= 0
func AppendUint(dst []byte, n uint64) []byte {
	if n == 0 {
		return append(dst, '0')
	}

	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n%10) + '0'
		n /= 10
	}
	return append(dst, tmp[i:]...)
}

// AppendHead appends the status line and headers of r to dst.
// Content-Length is always written and always equals r.ContentLength(),
// handlers can't override framing headers.
func AppendHead(dst []byte, r *Response, close bool) []byte {
	code := r.Status
	if code < 100 || code > 599 {
		code = 500
	}

	dst = append(dst, proto...)
	dst = AppendUint(dst, uint64(code))
	dst = append(dst, ' ')
	dst = append(dst, StatusText(code)...)
	dst = append(dst, crlf...)

	dst = append(dst, hServer...)
	if r.ContentType != "" {
		dst = append(dst, hType...)
		dst = append(dst, r.ContentType...)
		dst = append(dst, crlf...)
	}
	dst = append(dst, hLength...)
	dst = AppendUint(dst, uint64(r.ContentLength()))
	dst = append(dst, crlf...)

	for _, h := range r.Header {
		if isFraming(h.Key) {
			continue
		}
		dst = append(dst, h.Key...)
		dst = append(dst, colon...)
		dst = append(dst, h.Val...)
		dst = append(dst, crlf...)
	}

	if close {
		dst = append(dst, connClose...)
	} else {
		dst = append(dst, connKeep...)
	}
	return append(dst, crlf...)
}

// Build frames an in-memory response in one go
func Build(dst []byte, r *Response, close bool) []byte {
	dst = AppendHead(dst, r, close)
	return append(dst, r.Body...)
}

func isFraming(key []byte) bool {
	return equalFold(key, "Content-Length") || equalFold(key, "Transfer-Encoding") ||
		equalFold(key, "Connection") || equalFold(key, "Content-Type") || equalFold(key, "Server")
}
