package sse

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)
	assert.False(t, w.Started())

	require.NoError(t, w.Send(Preamble{ConversationID: 3, UserMessageID: 9}))
	require.NoError(t, w.Send(Content{Content: "Hi"}))
	require.NoError(t, w.Send(Title{Title: "Greeting"}))
	require.NoError(t, w.Send(Done{}))

	assert.True(t, w.Started())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	want := "data: {\"conversationId\":3,\"userMessageId\":9,\"images\":[],\"files\":[]}\n\n" +
		"data: {\"content\":\"Hi\"}\n\n" +
		"data: {\"title\":\"Greeting\"}\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, rec.Body.String())
}

func TestDecoderReadsWriterOutput(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)
	frames := []Frame{
		Preamble{ConversationID: 1, UserMessageID: 2, Images: []ImageMeta{{ID: 5, URL: "/u/a.png", Name: "a.png", MediaType: "image/png"}}, Files: []FileMeta{}},
		Content{Content: "line one\nline two"},
		Error{Message: "streaming failed"},
		Done{},
	}
	for _, f := range frames {
		require.NoError(t, w.Send(f))
	}

	dec := NewDecoder(strings.NewReader(rec.Body.String()))
	for i, want := range frames {
		got, err := dec.Next()
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, want, got)
	}
	_, err = dec.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestDecoderToleratesNoise(t *testing.T) {
	stream := ": keep-alive\n\nevent: message\ndata: {\"content\":\"a\"}\n\ndata:{\"title\":\"t\"}\n\ndata: [DONE]"
	dec := NewDecoder(strings.NewReader(stream))

	f, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Content{Content: "a"}, f)
	f, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Title{Title: "t"}, f)
	f, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Done{}, f)
	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseShapes(t *testing.T) {
	f, err := Parse([]byte(`{"conversationId":7}`))
	require.NoError(t, err)
	assert.Equal(t, Preamble{ConversationID: 7}, f)

	f, err = Parse([]byte(`{"error":"boom","content":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, Error{Message: "boom"}, f)

	f, err = Parse([]byte(`{"content":""}`))
	require.NoError(t, err)
	assert.Equal(t, Content{}, f)

	_, err = Parse([]byte(`{"other":1}`))
	assert.ErrorIs(t, err, ErrUnknownFrame)
	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestMarshalRejectsNil(t *testing.T) {
	_, err := Marshal(nil)
	assert.Error(t, err)
}
