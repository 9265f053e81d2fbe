package packer

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/larkbridge/larkbridge/internal/domain"
)

func testPacker() *Packer {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func userMessage(text string) domain.ChatMessage {
	return domain.ChatMessage{Role: domain.RoleUser, Content: domain.NewTextContent(text)}
}

func TestPack_SingleMessageNoDelimiters(t *testing.T) {
	payload := testPacker().Pack([]domain.ChatMessage{userMessage("hello")}, nil, "")

	if payload.Text != "hello" {
		t.Errorf("text = %q, want bare %q", payload.Text, "hello")
	}
	if strings.Contains(payload.Text, "[user]") {
		t.Error("single message must not carry role delimiters")
	}
}

func TestPack_MultiTurnRoleDelimiters(t *testing.T) {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: domain.NewTextContent("be brief")},
		userMessage("first question"),
		{Role: domain.RoleAssistant, Content: domain.NewTextContent("first answer")},
		userMessage("second question"),
	}

	payload := testPacker().Pack(messages, nil, "")

	for _, want := range []string{"[system]: be brief", "[user]: first question", "[assistant]: first answer", "[user]: second question"} {
		if !strings.Contains(payload.Text, want) {
			t.Errorf("text missing %q:\n%s", want, payload.Text)
		}
	}
}

func TestPack_ContextContinuationVerbatim(t *testing.T) {
	messages := []domain.ChatMessage{
		userMessage("earlier"),
		userMessage("latest"),
	}

	payload := testPacker().Pack(messages, nil, "conv-77")

	if strings.Contains(payload.Text, "[user]") {
		t.Error("context continuation must not add role delimiters")
	}
	if payload.ConversationID != "conv-77" {
		t.Errorf("conversation id = %q", payload.ConversationID)
	}
}

func TestPack_ImageAttachmentsRestrictToLastMessage(t *testing.T) {
	messages := []domain.ChatMessage{
		userMessage("old context that should be omitted"),
		{Role: domain.RoleUser, Content: domain.NewMultipartContent(
			domain.TextPart("what is in this picture?"),
			domain.ImageURLPart("https://example.com/cat.png"),
		)},
	}
	refs := []domain.AssetRef{{
		StorageKey: "tos-cn-i-svc/abc123",
		Kind:       domain.AssetKindImage,
		Name:       "cat.png",
	}}

	payload := testPacker().Pack(messages, refs, "")

	if payload.Text != "what is in this picture?" {
		t.Errorf("text = %q, want only the last message's text parts", payload.Text)
	}
	if len(payload.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(payload.Attachments))
	}
}

func TestPack_UncommittedImageKeyDropped(t *testing.T) {
	refs := []domain.AssetRef{
		{StorageKey: "tos-cn-i-svc/good", Kind: domain.AssetKindImage},
		{StorageKey: "not-a-committed-key", Kind: domain.AssetKindImage},
		{StorageKey: "", Kind: domain.AssetKindFile, Name: "doc.pdf"},
	}

	payload := testPacker().Pack([]domain.ChatMessage{userMessage("hi")}, refs, "")

	if len(payload.Attachments) != 2 {
		t.Fatalf("attachments = %d, want 2 (bad image dropped, file kept)", len(payload.Attachments))
	}
	for _, a := range payload.Attachments {
		if a.Key == "not-a-committed-key" {
			t.Error("uncommitted image key leaked into attachments")
		}
	}
}

func TestPack_AttachmentBiasBeforeLastMessage(t *testing.T) {
	messages := []domain.ChatMessage{
		userMessage("first"),
		userMessage("see attached"),
	}
	refs := []domain.AssetRef{{StorageKey: "", Kind: domain.AssetKindFile, Name: "doc.pdf"}}

	payload := testPacker().Pack(messages, refs, "")

	biasIdx := strings.Index(payload.Text, attachmentBias)
	lastIdx := strings.Index(payload.Text, "see attached")
	if biasIdx < 0 {
		t.Fatal("missing synthetic attachment instruction")
	}
	if lastIdx < biasIdx {
		t.Error("attachment instruction must precede the final message")
	}
}

func TestScrub_DataURI(t *testing.T) {
	in := "look at data:image/png;base64,iVBORw0KGgoAAAANSUhEUg== please"
	got := Scrub(in)
	if strings.Contains(got, "base64") {
		t.Errorf("data URI survived scrub: %q", got)
	}
	if !strings.Contains(got, "look at ") || !strings.Contains(got, "please") {
		t.Errorf("surrounding text damaged: %q", got)
	}
}

func TestScrub_BareBase64Run(t *testing.T) {
	run := strings.Repeat("QUJDRA", 100) // 600 chars
	withBreaks := run[:300] + "\n" + run[300:]
	in := "prefix " + withBreaks + " suffix"

	got := Scrub(in)
	if strings.Contains(got, "QUJDRA") {
		t.Errorf("base64 run survived scrub: %q", got)
	}
	if !strings.HasPrefix(got, "prefix ") || !strings.HasSuffix(got, " suffix") {
		t.Errorf("surrounding text damaged: %q", got)
	}
}

func TestScrub_ShortBase64Untouched(t *testing.T) {
	in := "token QUJDRA== stays"
	if got := Scrub(in); got != in {
		t.Errorf("short base64-looking token was scrubbed: %q", got)
	}
}

func TestFlattenWithRoles_Empty(t *testing.T) {
	if got := FlattenWithRoles(nil, false, false); got != "" {
		t.Errorf("empty conversation = %q, want empty", got)
	}
}
