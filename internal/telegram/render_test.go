package telegram

import (
	"strings"
	"testing"
)

func TestRenderForTelegram_ShortTextSingleChunk(t *testing.T) {
	r := RenderForTelegram("hello **world**", DefaultMessageLimit)
	if len(r.Chunks) != 1 || len(r.Attachments) != 0 {
		t.Fatalf("rendered = %+v", r)
	}
	if r.Chunks[0] != "hello **world**" {
		t.Fatalf("chunk = %q", r.Chunks[0])
	}
}

func TestRenderForTelegram_ChunksAtLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("a line of filler text to push past the limit\n")
	}
	r := RenderForTelegram(b.String(), 200)
	if len(r.Chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(r.Chunks))
	}
	for i, chunk := range r.Chunks {
		if n := len([]rune(chunk)); n > 200 {
			t.Fatalf("chunk %d length %d > limit", i, n)
		}
	}
}

func TestRenderForTelegram_HardSplitsOversizedLine(t *testing.T) {
	r := RenderForTelegram(strings.Repeat("x", 450), 200)
	if len(r.Chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(r.Chunks))
	}
}

func TestRenderForTelegram_LargeCodeBlockBecomesAttachment(t *testing.T) {
	var code strings.Builder
	for i := 0; i < 60; i++ {
		code.WriteString("func line() {}\n")
	}
	input := "Here is the fix:\n\n```go\n" + code.String() + "```\n\nDone."

	r := RenderForTelegram(input, DefaultMessageLimit)
	if len(r.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(r.Attachments))
	}
	att := r.Attachments[0]
	if att.Name != "code-1.go" {
		t.Fatalf("attachment name = %q", att.Name)
	}
	if !strings.Contains(string(att.Content), "func line() {}") {
		t.Fatalf("attachment content missing code")
	}

	body := strings.Join(r.Chunks, "\n")
	if strings.Contains(body, "func line() {}") {
		t.Fatal("lifted code still present in message body")
	}
	if !strings.Contains(body, "code-1.go") {
		t.Fatal("message body missing attachment marker")
	}
	if !strings.Contains(body, "Here is the fix:") || !strings.Contains(body, "Done.") {
		t.Fatalf("surrounding prose lost: %q", body)
	}
}

func TestRenderForTelegram_SmallCodeBlockStaysInline(t *testing.T) {
	input := "Try:\n\n```sh\necho hi\n```\n"
	r := RenderForTelegram(input, DefaultMessageLimit)
	if len(r.Attachments) != 0 {
		t.Fatalf("small code block lifted: %+v", r.Attachments)
	}
	if !strings.Contains(r.Chunks[0], "echo hi") {
		t.Fatalf("code missing from body: %q", r.Chunks[0])
	}
}

func TestRenderForTelegram_Empty(t *testing.T) {
	r := RenderForTelegram("", DefaultMessageLimit)
	if len(r.Chunks) != 0 {
		t.Fatalf("chunks = %v", r.Chunks)
	}
}
