package pgwire

// ExtractStartupParameter looks up key among the null-terminated key/value
// pairs that follow the 4-byte version code in a StartupMessage body
// (frame.Body from TryExtractStartup). The pair list is terminated by an
// extra null byte, but a truncated message (key present, value's terminator
// missing) is tolerated: the lookup simply reports absent rather than
// erroring, since the framer already validated the overall frame length.
func ExtractStartupParameter(body []byte, key string) (string, bool) {
	if len(body) < 4 {
		return "", false
	}
	params := body[4:]

	for len(params) > 0 {
		k, kRest, ok := readCString(params)
		if !ok {
			return "", false
		}
		if k == "" {
			// Terminating null: end of parameter list.
			return "", false
		}
		v, vRest, ok := readCString(kRest)
		if !ok {
			return "", false
		}
		if k == key {
			return v, true
		}
		params = vRest
	}
	return "", false
}

// readCString splits off the leading null-terminated string from buf,
// returning the string (without its terminator) and the remaining bytes.
// ok is false if no terminator was found before buf ran out.
func readCString(buf []byte) (s string, rest []byte, ok bool) {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), buf[i+1:], true
		}
	}
	return "", nil, false
}
