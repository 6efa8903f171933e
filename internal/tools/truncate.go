package tools

import "fmt"

// Truncate applies the head+tail (~60/40 split) shaping rule of spec
// §4.5.2: when output exceeds limit bytes, keep the first ~60% and last
// ~40%, replacing the elided middle with a single marker line stating
// how many bytes were dropped. Non-text bytes are not treated specially,
// and nothing escapes binary output before it reaches this function
// (read_file returns file contents as-is).
func Truncate(output string, limit int) (text string, note string) {
	b := []byte(output)
	if len(b) <= limit {
		return output, ""
	}

	headLen := limit * 6 / 10
	tailLen := limit - headLen
	elided := len(b) - headLen - tailLen

	head := string(b[:headLen])
	tail := string(b[len(b)-tailLen:])
	note = fmt.Sprintf("[... %d bytes elided ...]", elided)
	return head + "\n" + note + "\n" + tail, note
}
