package config

// scanner modes for the comment stripper
const (
	scanCode = iota
	scanString
	scanEscape
	scanLineComment
	scanBlockComment
)

// StripJSONComments removes // line and /* block */ comments so the config
// file can be annotated. Quote-aware: comment markers inside JSON strings
// are left alone. Newlines survive so parse errors keep their line numbers.
func StripJSONComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	mode := scanCode

	for i := 0; i < len(data); i++ {
		c := data[i]
		switch mode {
		case scanString:
			out = append(out, c)
			switch c {
			case '\\':
				mode = scanEscape
			case '"':
				mode = scanCode
			}
		case scanEscape:
			out = append(out, c)
			mode = scanString
		case scanLineComment:
			if c == '\n' {
				out = append(out, c)
				mode = scanCode
			}
		case scanBlockComment:
			if c == '*' && i+1 < len(data) && data[i+1] == '/' {
				i++
				mode = scanCode
			}
		default:
			switch {
			case c == '"':
				out = append(out, c)
				mode = scanString
			case c == '/' && i+1 < len(data) && data[i+1] == '/':
				i++
				mode = scanLineComment
			case c == '/' && i+1 < len(data) && data[i+1] == '*':
				i++
				mode = scanBlockComment
			default:
				out = append(out, c)
			}
		}
	}
	return out
}
