package domain

import "encoding/json"

// ContentType tags a ContentPart.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImageURL ContentType = "image_url"
	ContentTypeFileURL  ContentType = "file_url"
)

// ContentPart is a single element of multimodal message content.
type ContentPart struct {
	Type ContentType `json:"type"`

	// For text content
	Text string `json:"text,omitempty"`

	// For image_url content. The URL may be an http(s) URL or a
	// data:<mime>;base64,... URI.
	ImageURL *FileURL `json:"image_url,omitempty"`

	// For file_url content (non-image attachments).
	FileURL *FileURL `json:"file_url,omitempty"`
}

// FileURL references an attachment by URL or inline data URI.
type FileURL struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// MessageContent is either a plain string or an ordered list of parts,
// matching the inbound wire format's two content encodings.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// IsSimpleText reports whether the content is a bare string.
func (mc *MessageContent) IsSimpleText() bool {
	return len(mc.Parts) == 0
}

// String returns the flattened text, concatenating text parts if multimodal.
func (mc *MessageContent) String() string {
	if mc.IsSimpleText() {
		return mc.Text
	}
	var out string
	for _, part := range mc.Parts {
		if part.Type == ContentTypeText {
			out += part.Text
		}
	}
	return out
}

// Attachments returns the image/file references carried by the content.
func (mc *MessageContent) Attachments() []ContentPart {
	var refs []ContentPart
	for _, part := range mc.Parts {
		switch part.Type {
		case ContentTypeImageURL:
			if part.ImageURL != nil && part.ImageURL.URL != "" {
				refs = append(refs, part)
			}
		case ContentTypeFileURL:
			if part.FileURL != nil && part.FileURL.URL != "" {
				refs = append(refs, part)
			}
		}
	}
	return refs
}

// MarshalJSON implements json.Marshaler.
func (mc MessageContent) MarshalJSON() ([]byte, error) {
	if mc.IsSimpleText() {
		return json.Marshal(mc.Text)
	}
	return json.Marshal(mc.Parts)
}

// UnmarshalJSON implements json.Unmarshaler.
func (mc *MessageContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		mc.Text = str
		mc.Parts = nil
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	mc.Parts = parts
	mc.Text = ""
	return nil
}

// NewTextContent creates simple string content.
func NewTextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

// NewMultipartContent creates multimodal content from parts.
func NewMultipartContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts}
}

// TextPart creates a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentTypeText, Text: text}
}

// ImageURLPart creates an image content part.
func ImageURLPart(url string) ContentPart {
	return ContentPart{Type: ContentTypeImageURL, ImageURL: &FileURL{URL: url}}
}

// FileURLPart creates a file content part.
func FileURLPart(url, name string) ContentPart {
	return ContentPart{Type: ContentTypeFileURL, FileURL: &FileURL{URL: url, Name: name}}
}
