package blocks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderParagraphPerRun(t *testing.T) {
	text := "first line\nsecond line\n\nthird line\n"
	out := Render(text)
	require.Len(t, out, 2)
	assert.Equal(t, Paragraph{Text: "first line\nsecond line"}, out[0])
	assert.Equal(t, Paragraph{Text: "third line"}, out[1])
}

func TestRenderBlankRunsProduceNoEmptyParagraphs(t *testing.T) {
	out := Render("a\n\n\n\n\nb\n")
	require.Len(t, out, 2)
	assert.Equal(t, Paragraph{Text: "a"}, out[0])
	assert.Equal(t, Paragraph{Text: "b"}, out[1])

	assert.Empty(t, Render("\n\n   \n"))
}

func TestRenderHeading(t *testing.T) {
	out := Render("# Title\nbody\n")
	require.Len(t, out, 2)
	assert.Equal(t, Heading{Text: "Title"}, out[0])
	assert.Equal(t, Paragraph{Text: "body"}, out[1])
}

func TestRenderCodeBlockVerbatim(t *testing.T) {
	text := "before\n```go\nfunc main() {\n\t// # not a heading\n}\n```\nafter\n"
	out := Render(text)
	require.Len(t, out, 4)
	assert.Equal(t, Paragraph{Text: "before"}, out[0])
	assert.Equal(t, StatusLine{Icon: ":computer:", Text: "go"}, out[1])
	assert.Equal(t, CodeBlock{Language: "go", Text: "func main() {\n\t// # not a heading\n}\n"}, out[2])
	assert.Equal(t, Paragraph{Text: "after"}, out[3])
}

func TestRenderCodeBlockNoLanguage(t *testing.T) {
	out := Render("```\nx = 1\n```\n")
	require.Len(t, out, 1)
	assert.Equal(t, CodeBlock{Text: "x = 1\n"}, out[0])
}

func TestRenderUnterminatedFence(t *testing.T) {
	out := Render("```python\nprint(1)\nprint(2)\n")
	require.Len(t, out, 2)
	cb, ok := out[1].(CodeBlock)
	require.True(t, ok)
	assert.Equal(t, "python", cb.Language)
	assert.Equal(t, "print(1)\nprint(2)\n", cb.Text)
}

func TestRenderJustOpenedFenceHasNoPhantomLine(t *testing.T) {
	out := Render("```go\n")
	require.Len(t, out, 2)
	assert.Equal(t, StatusLine{Icon: ":computer:", Text: "go"}, out[0])
	assert.Equal(t, CodeBlock{Language: "go", Text: ""}, out[1])

	out = Render("```\n")
	require.Len(t, out, 1)
	assert.Equal(t, CodeBlock{Text: ""}, out[0])
}

func TestRenderImageLine(t *testing.T) {
	out := Render("look:\n![a chart](https://example.com/chart.png)\n")
	require.Len(t, out, 2)
	assert.Equal(t, Image{Alt: "a chart", URL: "https://example.com/chart.png"}, out[1])
}

func TestRenderImageInsideFenceIsVerbatim(t *testing.T) {
	out := Render("```\n![alt](https://example.com/x.png)\n```\n")
	require.Len(t, out, 1)
	cb := out[0].(CodeBlock)
	assert.Equal(t, "![alt](https://example.com/x.png)\n", cb.Text)
}

func TestRenderIdempotent(t *testing.T) {
	text := "# H\npara\n```sh\nls\n```\n![i](https://e.com/i.png)\n"
	assert.Equal(t, Render(text), Render(text))
}

func TestRenderPrefixStable(t *testing.T) {
	full := "line one\nline two\n\n# Head\n```go\ncode\n```\ntail\n"
	var prev []Block
	for i := 0; i <= len(full); i++ {
		boundary := FlushBoundary(full[:i])
		cur := Render(full[:boundary])
		// Every block but the trailing one must match the previous flush.
		n := len(prev)
		if len(cur) < n {
			n = len(cur)
		}
		if n > 1 {
			assert.Equal(t, prev[:n-1], cur[:n-1], "flushed prefix changed at offset %d", i)
		}
		prev = cur
	}
	assert.Equal(t, Render(full), prev)
}

func TestFlushBoundary(t *testing.T) {
	assert.Equal(t, 0, FlushBoundary("partial"))
	assert.Equal(t, 6, FlushBoundary("line1\npart"))
	assert.Equal(t, 6, FlushBoundary("line1\n"))
}

func TestRenderIncrementalMonotonic(t *testing.T) {
	full := "Hi there!\nmore\n"
	prefixes := []string{"Hi", "Hi there", "Hi there!\n", "Hi there!\nmore", full}

	flushed := 0
	var lastText string
	for _, p := range prefixes {
		bs, boundary := RenderIncremental(flushed, p)
		require.GreaterOrEqual(t, boundary, flushed)
		text := Fallback(bs)
		assert.True(t, strings.HasPrefix(text, lastText), "flush %q not a growth of %q", text, lastText)
		flushed = boundary
		lastText = text
	}

	final := Render(full)
	assert.Equal(t, final, Render(full[:flushed]))
}
