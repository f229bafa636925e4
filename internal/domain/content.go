package domain

import "encoding/json"

// ContentType discriminates the parts of a multimodal message.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeImageURL ContentType = "image_url"
)

// ContentPart is a single typed part of message content.
type ContentPart struct {
	Type ContentType `json:"type"`

	// For text content
	Text string `json:"text,omitempty"`

	// For inline base64 image content
	Source *ImageSource `json:"source,omitempty"`

	// For external image references
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageSource holds base64-encoded image data.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ImageURL references an image by URL. Adapters for providers without URL
// fetch support degrade this to a textual placeholder.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// MessageContent is either a plain string or an ordered sequence of typed
// parts. The JSON form mirrors the wire conventions of the upstream APIs:
// a bare string for simple text, an array for multimodal content.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// IsSimpleText reports whether the content is plain text.
func (mc *MessageContent) IsSimpleText() bool {
	return len(mc.Parts) == 0
}

// IsEmpty reports whether the content carries nothing at all.
func (mc *MessageContent) IsEmpty() bool {
	return mc.Text == "" && len(mc.Parts) == 0
}

// String concatenates all text parts in order.
func (mc *MessageContent) String() string {
	if mc.IsSimpleText() {
		return mc.Text
	}
	var out string
	for _, p := range mc.Parts {
		if p.Type == ContentTypeText {
			out += p.Text
		}
	}
	return out
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
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		mc.Text = s
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

// NewTextContent builds plain text content.
func NewTextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

// NewMultipartContent builds multimodal content from parts.
func NewMultipartContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts}
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentTypeText, Text: text}
}

// ImagePart builds an inline base64 image part.
func ImagePart(mediaType, data string) ContentPart {
	return ContentPart{
		Type: ContentTypeImage,
		Source: &ImageSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      data,
		},
	}
}

// ImageURLPart builds an external image reference part.
func ImageURLPart(url string) ContentPart {
	return ContentPart{
		Type:     ContentTypeImageURL,
		ImageURL: &ImageURL{URL: url},
	}
}
