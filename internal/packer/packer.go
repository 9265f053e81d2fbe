// Package packer flattens multi-turn chat history into the single-shot
// payload the upstream protocol accepts. The upstream has no native
// multi-turn memory per call, so history travels inside the text itself.
package packer

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/larkbridge/larkbridge/internal/domain"
	"github.com/larkbridge/larkbridge/internal/upstream"
)

// attachmentBias is inserted immediately before the final message when it
// carries attachments, to steer upstream attention toward them.
const attachmentBias = "The user has attached one or more files to the following message. Consider them when answering."

// committedKeyPattern matches storage keys of successfully committed
// objects. Uncommitted references cause opaque upstream rejections, so
// anything else is dropped from the image set.
var committedKeyPattern = regexp.MustCompile(`^tos(-[a-z0-9]+)+/\S+$`)

var (
	// dataURIPattern strips inline data URIs from outgoing text.
	dataURIPattern = regexp.MustCompile(`data:[a-zA-Z0-9.+/-]+;base64,[A-Za-z0-9+/=\r\n]+`)

	// base64RunPattern strips bare base64 runs of 500+ characters, which
	// may be split across lines. Attachments travel only via the staged
	// asset channel, never inline.
	base64RunPattern = regexp.MustCompile(`[A-Za-z0-9+/=][A-Za-z0-9+/=\r\n]{499,}`)
)

// Strategy turns a message list into the flattened text blob. It is a
// stateless function so a future upstream with native history support can
// be swapped in without touching the transcoder.
type Strategy func(messages []domain.ChatMessage, hasContext bool, hasAttachments bool) string

// Packer builds the upstream payload for one completion.
type Packer struct {
	flatten Strategy
	logger  *slog.Logger
}

// New creates a Packer with the default flattening strategy.
func New(logger *slog.Logger) *Packer {
	return &Packer{flatten: FlattenWithRoles, logger: logger}
}

// NewWithStrategy creates a Packer with a custom flattening strategy.
func NewWithStrategy(strategy Strategy, logger *slog.Logger) *Packer {
	return &Packer{flatten: strategy, logger: logger}
}

// Pack merges the conversation and the staged asset references into one
// upstream payload. With image attachments present, the text is restricted
// to the final user message so the vision-grounded turn is not diluted.
func (p *Packer) Pack(messages []domain.ChatMessage, refs []domain.AssetRef, conversationID string) *upstream.ChatPayload {
	attachments := p.buildAttachments(refs)
	hasImages := false
	for _, a := range attachments {
		if a.Type == string(domain.AssetKindImage) {
			hasImages = true
			break
		}
	}

	var text string
	if hasImages && len(messages) > 0 {
		last := messages[len(messages)-1]
		text = last.Content.String()
	} else {
		text = p.flatten(messages, conversationID != "", len(attachments) > 0)
	}

	return &upstream.ChatPayload{
		Text:           Scrub(text),
		Attachments:    attachments,
		ConversationID: conversationID,
	}
}

// buildAttachments converts asset references to wire attachments, dropping
// image refs whose storage key fails the committed pattern.
func (p *Packer) buildAttachments(refs []domain.AssetRef) []upstream.Attachment {
	var out []upstream.Attachment
	for _, ref := range refs {
		if ref.Kind == domain.AssetKindImage && !committedKeyPattern.MatchString(ref.StorageKey) {
			p.logger.Warn("dropping uncommitted image reference",
				slog.String("storage_key", ref.StorageKey),
				slog.String("name", ref.Name))
			continue
		}
		out = append(out, upstream.Attachment{
			Key:       ref.StorageKey,
			Type:      string(ref.Kind),
			Name:      ref.Name,
			Extension: ref.Extension,
			Width:     ref.Width,
			Height:    ref.Height,
		})
	}
	return out
}

// FlattenWithRoles is the default strategy. Single messages and
// context-continuing calls are passed through verbatim; otherwise turns are
// merged with explicit role delimiters.
func FlattenWithRoles(messages []domain.ChatMessage, hasContext bool, hasAttachments bool) string {
	if len(messages) == 0 {
		return ""
	}
	if len(messages) < 2 || hasContext {
		parts := make([]string, 0, len(messages))
		for _, msg := range messages {
			parts = append(parts, msg.Content.String())
		}
		return strings.Join(parts, "\n")
	}

	var sb strings.Builder
	for i, msg := range messages {
		if hasAttachments && i == len(messages)-1 {
			fmt.Fprintf(&sb, "[%s]: %s\n\n", domain.RoleSystem, attachmentBias)
		}
		fmt.Fprintf(&sb, "[%s]: %s\n\n", msg.Role, msg.Content.String())
	}
	return strings.TrimSuffix(sb.String(), "\n\n")
}

// Scrub removes embedded inline-data fragments from outgoing text.
func Scrub(text string) string {
	text = dataURIPattern.ReplaceAllString(text, "")
	return base64RunPattern.ReplaceAllString(text, "")
}
