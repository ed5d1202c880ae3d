// Package sse encodes and decodes the chat stream: data-only server-sent
// events carrying one JSON object each, closed by a literal [DONE] frame.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is one event on the chat stream. The concrete types are Preamble,
// Content, Title, Error and Done.
type Frame interface {
	frame()
}

// ImageMeta describes a stored image attachment.
type ImageMeta struct {
	ID        int64  `json:"id"`
	URL       string `json:"url"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
}

// FileMeta describes a stored document attachment.
type FileMeta struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
}

// Preamble is sent before any model output.
type Preamble struct {
	ConversationID int64       `json:"conversationId"`
	UserMessageID  int64       `json:"userMessageId"`
	Images         []ImageMeta `json:"images"`
	Files          []FileMeta  `json:"files"`
}

// Content carries one reply fragment.
type Content struct {
	Content string `json:"content"`
}

// Title announces a generated conversation title.
type Title struct {
	Title string `json:"title"`
}

// Error ends a failed stream.
type Error struct {
	Message string `json:"error"`
}

// Done is the terminal sentinel.
type Done struct{}

func (Preamble) frame() {}
func (Content) frame()  {}
func (Title) frame()    {}
func (Error) frame()    {}
func (Done) frame()     {}

var doneData = []byte("[DONE]")

// ErrUnknownFrame is returned for well-formed JSON that matches no frame shape.
var ErrUnknownFrame = errors.New("sse: unknown frame")

// Marshal returns the data payload of f, without the "data: " prefix.
func Marshal(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Done:
		return doneData, nil
	case Preamble:
		if v.Images == nil {
			v.Images = []ImageMeta{}
		}
		if v.Files == nil {
			v.Files = []FileMeta{}
		}
		return json.Marshal(v)
	case Content, Title, Error:
		return json.Marshal(v)
	case nil:
		return nil, errors.New("sse: nil frame")
	default:
		return nil, fmt.Errorf("sse: unsupported frame %T", f)
	}
}

// Parse turns a data payload back into a frame. Keys decide the shape: error
// wins, then preamble ids, then title, then content.
func Parse(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, doneData) {
		return Done{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("sse: decode frame: %w", err)
	}
	switch {
	case has(fields, "error"):
		var e Error
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("sse: decode error frame: %w", err)
		}
		return e, nil
	case has(fields, "conversationId"), has(fields, "userMessageId"):
		var p Preamble
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("sse: decode preamble: %w", err)
		}
		return p, nil
	case has(fields, "title"):
		var t Title
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("sse: decode title: %w", err)
		}
		return t, nil
	case has(fields, "content"):
		var c Content
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("sse: decode content: %w", err)
		}
		return c, nil
	}
	return nil, ErrUnknownFrame
}

func has(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}
