package blocks

// Block is one structured presentation block produced by the renderer.
// Concrete block types implement the unexported isBlock marker, keeping the
// set closed for transport adapters that switch over it.
type Block interface{ isBlock() }

// Heading is a top-level heading line (`# ` prefix in the source text).
type Heading struct {
	Text string
}

func (Heading) isBlock() {}

// Paragraph is a maximal run of non-blank markdown passthrough lines.
type Paragraph struct {
	Text string
}

func (Paragraph) isBlock() {}

// CodeBlock is the verbatim content of a triple-backtick fence. No markdown
// transformation is applied inside it.
type CodeBlock struct {
	Language string
	Text     string
}

func (CodeBlock) isBlock() {}

// Image is a standalone image line `![alt](url)` outside any fence.
type Image struct {
	URL string
	Alt string
}

func (Image) isBlock() {}

// StatusLine is a small contextual annotation (tool-use announcements,
// placeholders, declared code-fence languages, error notices).
type StatusLine struct {
	Icon string
	Text string
}

func (StatusLine) isBlock() {}
