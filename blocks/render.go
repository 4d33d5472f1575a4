package blocks

import (
	"regexp"
	"strings"
)

var imageLineRe = regexp.MustCompile(`^!\[(.*?)\]\((\S+?)\)\s*$`)

// Render converts text into its block sequence. It is a pure function: the
// same input always yields the same output, and rendering a prefix of the
// input yields a prefix of the output except for the trailing partial block.
//
// The scan is line based with two states (outside / inside a code fence):
//
//   - a blank line outside a fence terminates the pending paragraph; runs of
//     blank lines never produce empty Paragraph blocks
//   - `# ` starts a Heading
//   - a triple-backtick line toggles the fence; the declared language, when
//     present, is surfaced as a StatusLine ahead of the CodeBlock
//   - `![alt](url)` outside a fence becomes an Image
//   - anything else accumulates into the pending Paragraph, or verbatim into
//     the fence buffer
//
// An unterminated fence at end of input is flushed as a CodeBlock rather than
// dropped.
func Render(text string) []Block {
	if text == "" {
		return nil
	}

	var out []Block
	var buf strings.Builder
	inCode := false
	lang := ""

	flushParagraph := func() {
		s := buf.String()
		buf.Reset()
		if strings.TrimSpace(s) == "" {
			return
		}
		out = append(out, Paragraph{Text: strings.TrimRight(s, "\n")})
	}

	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		// A trailing newline terminates the last line; it is not an extra
		// empty line.
		lines = lines[:len(lines)-1]
	}

	for _, line := range lines {
		if inCode {
			if strings.HasPrefix(line, "```") {
				out = append(out, CodeBlock{Language: lang, Text: buf.String()})
				buf.Reset()
				inCode = false
				lang = ""
				continue
			}
			buf.WriteString(line)
			buf.WriteString("\n")
			continue
		}

		switch {
		case strings.TrimSpace(line) == "":
			flushParagraph()
		case strings.HasPrefix(line, "# "):
			flushParagraph()
			out = append(out, Heading{Text: strings.TrimSpace(line[2:])})
		case strings.HasPrefix(line, "```"):
			flushParagraph()
			lang = strings.TrimSpace(line[3:])
			if lang != "" {
				out = append(out, StatusLine{Icon: ":computer:", Text: lang})
			}
			inCode = true
		case imageLineRe.MatchString(line):
			flushParagraph()
			m := imageLineRe.FindStringSubmatch(line)
			out = append(out, Image{Alt: m[1], URL: m[2]})
		default:
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}

	if inCode {
		// Unterminated fence: flush defensively as a code block.
		out = append(out, CodeBlock{Language: lang, Text: buf.String()})
	} else {
		flushParagraph()
	}

	return out
}

// FlushBoundary returns the byte offset just past the last completed line of
// text, i.e. the largest prefix that ends on a newline. The engine only
// flushes partial renders at this boundary so sub-line deltas never reach the
// transport.
func FlushBoundary(text string) int {
	i := strings.LastIndexByte(text, '\n')
	if i < 0 {
		return 0
	}
	return i + 1
}

// RenderIncremental renders the flushable prefix of fullText given the length
// already flushed to the transport. It returns the block sequence for the new
// flush and the boundary the flush covers; the boundary never moves backwards,
// preserving the monotonic growth invariant of transport updates.
func RenderIncremental(prevFlushed int, fullText string) ([]Block, int) {
	boundary := FlushBoundary(fullText)
	if boundary < prevFlushed {
		boundary = prevFlushed
	}
	return Render(fullText[:boundary]), boundary
}

// Fallback produces the plain-text representation of a block sequence for
// transports that need a text alternative alongside structured blocks.
func Fallback(bs []Block) string {
	var sb strings.Builder
	for _, b := range bs {
		switch v := b.(type) {
		case Heading:
			sb.WriteString(v.Text)
		case Paragraph:
			sb.WriteString(v.Text)
		case CodeBlock:
			sb.WriteString(v.Text)
		case Image:
			sb.WriteString(v.URL)
		case StatusLine:
			sb.WriteString(v.Text)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
