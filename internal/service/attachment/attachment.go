// Package attachment turns uploaded image and document payloads into stored
// URLs and extracted text.
package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	"github.com/cloudwego/eino/components/document/parser"

	"chatstream/internal/apperr"
	"chatstream/internal/objectstore"
)

// MaxBytes bounds one decoded attachment.
const MaxBytes = 10 << 20

// Input is one attachment as posted by the client. Data is base64, optionally
// wrapped in a data: URL.
type Input struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// Image is an uploaded image. Data keeps the decoded bytes for the model call.
type Image struct {
	Name      string
	MediaType string
	Key       string
	URL       string
	Data      []byte
}

// Document is the text extracted from an attached file.
type Document struct {
	Name      string
	MediaType string
	Content   string
}

// Block renders the document the way it is appended to the text sent to the model.
func (d Document) Block() string {
	return fmt.Sprintf("[File: %s]\n%s\n[End of file: %s]", d.Name, d.Content, d.Name)
}

// Processor decodes, stores and extracts attachments.
type Processor struct {
	store  objectstore.Store
	parser parser.Parser
	logger *slog.Logger
	now    func() time.Time
}

// NewProcessor wires the object store and the document parsers. PDFs go
// through the PDF parser; any other binary format falls back to plain text.
func NewProcessor(ctx context.Context, store objectstore.Store, logger *slog.Logger) (*Processor, error) {
	pdfParser, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: false})
	if err != nil {
		return nil, fmt.Errorf("init pdf parser: %w", err)
	}
	extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		Parsers: map[string]parser.Parser{
			".pdf": pdfParser,
		},
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init document parser: %w", err)
	}
	return &Processor{
		store:  store,
		parser: extParser,
		logger: logger,
		now:    time.Now,
	}, nil
}

// ProcessImages uploads every image under the user's key space. Any failure
// aborts the whole batch and removes the images already uploaded.
func (p *Processor) ProcessImages(ctx context.Context, userID int64, inputs []Input) ([]Image, error) {
	images := make([]Image, 0, len(inputs))
	for i, in := range inputs {
		img, err := p.uploadImage(ctx, userID, i, in)
		if err != nil {
			p.DiscardImages(ctx, images)
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

func (p *Processor) uploadImage(ctx context.Context, userID int64, idx int, in Input) (Image, error) {
	name := displayName(in.Name, "image", idx)
	data, declared, err := decode(in)
	if err != nil {
		return Image{}, apperr.Invalid("image %s: %v", name, err)
	}
	mediaType := imageMediaType(declared, data)
	if mediaType == "" {
		return Image{}, apperr.Invalid("attachment %s is not an image", name)
	}
	key := objectstore.ImageKey(userID, p.now(), imageExt(name, mediaType))
	obj, err := p.store.Upload(ctx, key, mediaType, data)
	if err != nil {
		p.logger.Error("image upload failed", "user_id", userID, "key", key, "error", err)
		return Image{}, fmt.Errorf("%w: upload image %s: %v", apperr.ErrUpstream, name, err)
	}
	return Image{Name: name, MediaType: mediaType, Key: obj.Key, URL: obj.URL, Data: data}, nil
}

// DiscardImages deletes uploaded images that will never be referenced by a
// stored message. Failures are logged and leave the blob behind.
func (p *Processor) DiscardImages(ctx context.Context, images []Image) {
	ctx = context.WithoutCancel(ctx)
	for _, img := range images {
		if err := p.store.Delete(ctx, img.Key); err != nil {
			p.logger.Warn("discard image failed", "key", img.Key, "error", err)
		}
	}
}

// ProcessDocuments extracts text from every document. Undecodable payloads are
// rejected; extraction failures become a placeholder text.
func (p *Processor) ProcessDocuments(ctx context.Context, inputs []Input) ([]Document, error) {
	docs := make([]Document, 0, len(inputs))
	for i, in := range inputs {
		name := displayName(in.Name, "file", i)
		data, mediaType, err := decode(in)
		if err != nil {
			return nil, apperr.Invalid("file %s: %v", name, err)
		}
		if mediaType == "" {
			mediaType = guessMediaType(name, data)
		}
		content, err := p.extract(ctx, name, mediaType, data)
		if err != nil || strings.TrimSpace(content) == "" {
			p.logger.Warn("document extraction failed", "name", name, "media_type", mediaType, "error", err)
			content = fmt.Sprintf("[Could not extract text from %s]", name)
		}
		docs = append(docs, Document{Name: name, MediaType: mediaType, Content: content})
	}
	return docs, nil
}

func (p *Processor) extract(ctx context.Context, name, mediaType string, data []byte) (string, error) {
	if isText(name, mediaType) {
		return strings.ToValidUTF8(string(data), "�"), nil
	}
	uri := name
	if mediaType == "application/pdf" && !strings.EqualFold(filepath.Ext(name), ".pdf") {
		uri = name + ".pdf"
	}
	if !strings.EqualFold(filepath.Ext(uri), ".pdf") && !utf8.Valid(data) {
		return "", fmt.Errorf("no extractor for %s", mediaType)
	}
	docs, err := p.parser.Parse(ctx, bytes.NewReader(data), parser.WithURI(strings.ToLower(uri)))
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		if text := strings.TrimSpace(doc.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.ToValidUTF8(strings.Join(parts, "\n\n"), "�"), nil
}

func decode(in Input) ([]byte, string, error) {
	payload := strings.TrimSpace(in.Data)
	mediaType := strings.ToLower(strings.TrimSpace(in.MediaType))
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		header, body, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return nil, "", fmt.Errorf("malformed data url")
		}
		if mediaType == "" {
			mediaType = strings.ToLower(strings.TrimSuffix(header, ";base64"))
		}
		payload = body
	}
	if payload == "" {
		return nil, "", fmt.Errorf("empty payload")
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxBytes+3 {
		return nil, "", fmt.Errorf("exceeds %d MiB limit", MaxBytes>>20)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", fmt.Errorf("invalid base64 payload")
		}
	}
	if len(data) > MaxBytes {
		return nil, "", fmt.Errorf("exceeds %d MiB limit", MaxBytes>>20)
	}
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	return data, mediaType, nil
}

func imageMediaType(declared string, data []byte) string {
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	sniffed := http.DetectContentType(data)
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return ""
}

func imageExt(name, mediaType string) string {
	if ext := strings.ToLower(path.Ext(name)); ext != "" {
		return ext
	}
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

var textExts = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true, ".tsv": true,
	".json": true, ".xml": true, ".yaml": true, ".yml": true, ".log": true,
	".html": true, ".htm": true,
}

func isText(name, mediaType string) bool {
	switch {
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case mediaType == "application/json", mediaType == "application/xml",
		mediaType == "application/csv", mediaType == "application/x-yaml",
		mediaType == "application/yaml", strings.HasSuffix(mediaType, "+json"),
		strings.HasSuffix(mediaType, "+xml"):
		return true
	}
	return mediaType == "" && textExts[strings.ToLower(path.Ext(name))]
}

func guessMediaType(name string, data []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(name))); byExt != "" {
		if i := strings.Index(byExt, ";"); i >= 0 {
			byExt = byExt[:i]
		}
		return byExt
	}
	sniffed := http.DetectContentType(data)
	if i := strings.Index(sniffed, ";"); i >= 0 {
		sniffed = sniffed[:i]
	}
	return sniffed
}

func displayName(name, kind string, idx int) string {
	name = strings.TrimSpace(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return fmt.Sprintf("%s-%d", kind, idx+1)
	}
	return name
}
