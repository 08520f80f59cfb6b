package telegram

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	// DefaultMessageLimit is Telegram's message length cap.
	DefaultMessageLimit = 4096

	// attachLineThreshold moves fenced code blocks longer than this many
	// lines out of the message and into a document attachment.
	attachLineThreshold = 24
	attachByteThreshold = 1200
)

// Attachment is a code block sent as a document.
type Attachment struct {
	Name    string
	Content []byte
}

// Rendered is a run output prepared for Telegram delivery.
type Rendered struct {
	Chunks      []string
	Attachments []Attachment
}

var markdown = goldmark.New()

// RenderForTelegram splits run output into message chunks no longer than
// limit, lifting oversized fenced code blocks into document attachments.
func RenderForTelegram(input string, limit int) Rendered {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	src := []byte(input)
	doc := markdown.Parser().Parse(text.NewReader(src))

	type span struct {
		start, stop int
		marker      string
	}
	var spans []span
	var attachments []Attachment

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fence, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := fence.Lines()
		if lines.Len() == 0 {
			return ast.WalkContinue, nil
		}

		var code bytes.Buffer
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			code.Write(seg.Value(src))
		}
		if lines.Len() <= attachLineThreshold && code.Len() <= attachByteThreshold {
			return ast.WalkContinue, nil
		}

		lang := string(fence.Language(src))
		name := fmt.Sprintf("code-%d%s", len(attachments)+1, extensionFor(lang))
		attachments = append(attachments, Attachment{Name: name, Content: code.Bytes()})

		start, stop := fenceSpan(src, lines.At(0).Start, lines.At(lines.Len()-1).Stop)
		spans = append(spans, span{start: start, stop: stop, marker: fmt.Sprintf("📎 %s\n", name)})
		return ast.WalkSkipChildren, nil
	})

	// Rebuild the message with markers in place of lifted blocks.
	var out bytes.Buffer
	cursor := 0
	for _, sp := range spans {
		if sp.start > cursor {
			out.Write(src[cursor:sp.start])
		}
		out.WriteString(sp.marker)
		cursor = sp.stop
	}
	if cursor < len(src) {
		out.Write(src[cursor:])
	}

	return Rendered{
		Chunks:      chunkText(strings.TrimSpace(out.String()), limit),
		Attachments: attachments,
	}
}

// fenceSpan widens a code block's inner byte range to cover its fence
// lines.
func fenceSpan(src []byte, innerStart, innerStop int) (int, int) {
	start := innerStart
	if idx := bytes.LastIndex(src[:innerStart], []byte("```")); idx >= 0 {
		if ls := bytes.LastIndexByte(src[:idx], '\n'); ls >= 0 {
			start = ls + 1
		} else {
			start = 0
		}
	}
	stop := innerStop
	if nl := bytes.IndexByte(src[innerStop:], '\n'); nl >= 0 {
		stop = innerStop + nl + 1
	} else {
		stop = len(src)
	}
	return start, stop
}

// chunkText splits text into pieces of at most limit runes, preferring line
// boundaries and hard-splitting only oversized lines.
func chunkText(s string, limit int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
			current.Reset()
		}
	}

	for _, line := range strings.SplitAfter(s, "\n") {
		for len([]rune(line)) > limit {
			runes := []rune(line)
			flush()
			chunks = append(chunks, string(runes[:limit]))
			line = string(runes[limit:])
		}
		if len([]rune(current.String()))+len([]rune(line)) > limit {
			flush()
		}
		current.WriteString(line)
	}
	flush()
	return chunks
}

func extensionFor(lang string) string {
	switch strings.ToLower(lang) {
	case "go", "golang":
		return ".go"
	case "python", "py":
		return ".py"
	case "javascript", "js":
		return ".js"
	case "typescript", "ts":
		return ".ts"
	case "rust", "rs":
		return ".rs"
	case "sh", "bash", "shell", "zsh":
		return ".sh"
	case "json":
		return ".json"
	case "yaml", "yml":
		return ".yaml"
	case "sql":
		return ".sql"
	case "diff", "patch":
		return ".diff"
	case "html":
		return ".html"
	case "css":
		return ".css"
	default:
		return ".txt"
	}
}
