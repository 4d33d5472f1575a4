// Package blocks implements the block renderer: a pure, idempotent translation
// of incrementally growing Markdown-ish text into an ordered sequence of
// structured presentation blocks (headings, paragraphs, code blocks, images,
// status lines) that a chat transport can display.
//
// The renderer is designed around the engine's coalescing contract: rendering
// a growing buffer is prefix-stable: blocks already fully flushed to the
// transport do not change as more text arrives; only the trailing (possibly
// partial) block is replaced by the next flush.
package blocks
