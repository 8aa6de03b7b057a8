// Package attachments normalizes message content between vendor formats and
// resolves indirect image references. The canonical inbound shape is the
// OpenAI Responses content-block list; Anthropic gets a converted copy.
package attachments

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Format identifies a vendor attachment shape.
type Format string

const (
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
)

// ObjectRefScheme prefixes references into the broker's object store.
const ObjectRefScheme = "nats-obj://"

// File describes a file attachment in the inbound shape.
type File struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

// Source is the Anthropic-side attachment source.
type Source struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Block is a single content block. Fields cover both the OpenAI Responses
// shape (input_text/input_image/file) and the Anthropic shape
// (text/image/document) so conversions stay within one type.
type Block struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`
	File     *File  `json:"file,omitempty"`

	Source *Source `json:"source,omitempty"`
}

// Content is message content: either a plain string or an ordered block
// list. A nil Blocks slice means plain text.
type Content struct {
	Text   string
	Blocks []Block
}

// IsText reports whether the content is a plain string.
func (c Content) IsText() bool { return c.Blocks == nil }

// UnmarshalJSON accepts either a JSON string or an array of blocks.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		c.Blocks = nil
		return json.Unmarshal(trimmed, &c.Text)
	}
	c.Text = ""
	return json.Unmarshal(trimmed, &c.Blocks)
}

// MarshalJSON mirrors UnmarshalJSON.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsText() {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// ObjectFetcher reads objects from the broker's object store.
type ObjectFetcher interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
}

// ParseObjectRef splits a nats-obj://bucket/key reference.
func ParseObjectRef(ref string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(ref, ObjectRefScheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(ref, ObjectRefScheme)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

var dataURLRe = regexp.MustCompile(`(?s)^data:([^;]+);base64,(.+)$`)

// ParseDataURL splits a base64 data URL into media type and raw base64
// payload.
func ParseDataURL(url string) (mediaType, data string, err error) {
	m := dataURLRe.FindStringSubmatch(url)
	if m == nil {
		preview := url
		if len(preview) > 50 {
			preview = preview[:50]
		}
		return "", "", fmt.Errorf("invalid data URL format: %s", preview)
	}
	return m[1], m[2], nil
}

// DetectImageMIME sniffs the image type from magic bytes, defaulting to PNG.
func DetectImageMIME(data []byte) string {
	switch {
	case len(data) >= 2 && data[0] == 0xff && data[1] == 0xd8:
		return "image/jpeg"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("GIF8")):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return "image/png"
	}
}

// ResolveImageURLs rewrites object-store references inside input_image
// blocks to base64 data URLs. data: URLs pass through; unresolvable or
// failing references are retained unchanged so downstream conversion can
// surface the vendor's own error.
func ResolveImageURLs(ctx context.Context, content Content, store ObjectFetcher, logger *zap.Logger) Content {
	if content.IsText() {
		return content
	}

	resolved := make([]Block, 0, len(content.Blocks))
	for _, block := range content.Blocks {
		if block.Type != "input_image" || strings.HasPrefix(block.ImageURL, "data:") {
			resolved = append(resolved, block)
			continue
		}

		bucket, key, ok := ParseObjectRef(block.ImageURL)
		if !ok || store == nil {
			logger.Warn("Unknown image URL format, passing through",
				zap.String("url", truncate(block.ImageURL, 100)))
			resolved = append(resolved, block)
			continue
		}

		data, err := store.GetObject(ctx, bucket, key)
		if err != nil {
			logger.Error("Failed to fetch from object store",
				zap.String("bucket", bucket), zap.String("key", key), zap.Error(err))
			resolved = append(resolved, block)
			continue
		}

		mime := DetectImageMIME(data)
		block.ImageURL = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
		resolved = append(resolved, block)
		logger.Info("Resolved object store reference",
			zap.String("bucket", bucket), zap.String("key", key),
			zap.Int("bytes", len(data)), zap.String("mime", mime))
	}

	return Content{Blocks: resolved}
}

// ConvertForProvider normalizes content to the target vendor shape. The
// function is pure except for logging; an empty resulting block list
// collapses to the empty string.
func ConvertForProvider(content Content, target Format, logger *zap.Logger) Content {
	if content.IsText() {
		return content
	}

	switch target {
	case FormatAnthropic:
		return convertForAnthropic(content, logger)
	case FormatOpenAI:
		return convertForOpenAI(content, logger)
	default:
		logger.Warn("Unknown target format, returning content as-is",
			zap.String("format", string(target)))
		return content
	}
}

func convertForOpenAI(content Content, logger *zap.Logger) Content {
	out := make([]Block, 0, len(content.Blocks))
	for _, block := range content.Blocks {
		switch block.Type {
		case "input_text":
			out = append(out, Block{Type: "input_text", Text: block.Text})
		case "input_image":
			detail := block.Detail
			if detail == "" {
				detail = "auto"
			}
			out = append(out, Block{Type: "input_image", ImageURL: block.ImageURL, Detail: detail})
		case "file":
			out = append(out, block)
		default:
			logger.Warn("Unknown content block type for OpenAI, dropping",
				zap.String("type", block.Type))
		}
	}
	if len(out) == 0 {
		return Content{Text: ""}
	}
	return Content{Blocks: out}
}

func convertForAnthropic(content Content, logger *zap.Logger) Content {
	out := make([]Block, 0, len(content.Blocks))
	for _, block := range content.Blocks {
		switch block.Type {
		case "input_text":
			out = append(out, Block{Type: "text", Text: block.Text})
		case "input_image":
			if converted, ok := imageBlockToAnthropic(block, logger); ok {
				out = append(out, converted)
			}
		case "file":
			if converted, ok := fileBlockToAnthropic(block, logger); ok {
				out = append(out, converted)
			}
		// Already in Anthropic shape: converting twice is a no-op.
		case "text", "image", "document":
			out = append(out, block)
		default:
			logger.Warn("Unknown content block type, dropping",
				zap.String("type", block.Type))
		}
	}
	if len(out) == 0 {
		return Content{Text: ""}
	}
	return Content{Blocks: out}
}

func imageBlockToAnthropic(block Block, logger *zap.Logger) (Block, bool) {
	if strings.HasPrefix(block.ImageURL, "data:") {
		mediaType, data, err := ParseDataURL(block.ImageURL)
		if err != nil {
			logger.Warn("Failed to parse image data URL", zap.Error(err))
			return Block{}, false
		}
		return Block{
			Type:   "image",
			Source: &Source{Type: "base64", MediaType: mediaType, Data: data},
		}, true
	}
	return Block{
		Type:   "image",
		Source: &Source{Type: "url", URL: block.ImageURL},
	}, true
}

func fileBlockToAnthropic(block Block, logger *zap.Logger) (Block, bool) {
	if block.File == nil || !strings.HasPrefix(block.File.URL, "data:") {
		return Block{}, false
	}
	mediaType, data, err := ParseDataURL(block.File.URL)
	if err != nil {
		logger.Warn("Failed to parse file data URL", zap.Error(err))
		return Block{}, false
	}
	return Block{
		Type:   "document",
		Source: &Source{Type: "base64", MediaType: mediaType, Data: data},
	}, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
