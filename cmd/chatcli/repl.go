package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"chatstream/internal/chatclient"
	"chatstream/internal/models"
	"chatstream/internal/service/attachment"
)

const helpText = `commands:
  /new            start a new conversation
  /list           list conversations
  /open <id>      continue a stored conversation
  /attach <path>  attach a file or image to the next message
  /quit           exit`

type lister interface {
	chatclient.Transport
	Conversations(ctx context.Context) ([]models.Conversation, error)
}

type repl struct {
	client lister
	ctrl   *chatclient.Controller
	out    io.Writer

	images []attachment.Input
	files  []attachment.Input

	// printed tracks how much of each assistant message is already on screen;
	// -1 marks a failed reply whose error text was shown.
	printed map[int]int
	title   string
}

func newREPL(client lister, out io.Writer) *repl {
	r := &repl{
		client:  client,
		ctrl:    chatclient.NewController(client),
		out:     out,
		printed: make(map[int]int),
	}
	r.ctrl.Subscribe(r.render)
	return r
}

// render prints only what is new since the previous snapshot.
func (r *repl) render(s chatclient.State) {
	for _, m := range s.Messages {
		if m.Role != models.RoleAssistant {
			continue
		}
		done := r.printed[m.LocalID]
		if m.Failed {
			// the partial reply was replaced; show the error once
			if done >= 0 {
				fmt.Fprintln(r.out)
				fmt.Fprint(r.out, m.Content)
				r.printed[m.LocalID] = -1
			}
			continue
		}
		if len(m.Content) > done {
			fmt.Fprint(r.out, m.Content[done:])
			r.printed[m.LocalID] = len(m.Content)
		}
	}
	if s.Title != "" && s.Title != r.title {
		r.title = s.Title
		fmt.Fprintf(r.out, "\n[title: %s]", s.Title)
	}
}

func (r *repl) run(ctx context.Context, in *bufio.Reader) error {
	fmt.Fprintln(r.out, helpText)
	for {
		fmt.Fprint(r.out, "\n> ")
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := errors.Is(err, io.EOF)
		line = strings.TrimSpace(line)
		if line != "" {
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
		if eof || ctx.Err() != nil {
			return nil
		}
	}
}

// handle runs one input line and reports whether to exit.
func (r *repl) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/new":
		if err := r.ctrl.Reset(); err != nil {
			fmt.Fprintln(r.out, "error:", err)
			return false
		}
		r.title = ""
		fmt.Fprintln(r.out, "new conversation")
	case "/list":
		list, err := r.client.Conversations(ctx)
		if err != nil {
			fmt.Fprintln(r.out, "error:", err)
			return false
		}
		for _, c := range list {
			fmt.Fprintf(r.out, "%6d  %s\n", c.ID, c.Title)
		}
	case "/open":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Fprintln(r.out, "usage: /open <id>")
			return false
		}
		if err := r.ctrl.Load(ctx, id); err != nil {
			fmt.Fprintln(r.out, "error:", err)
			return false
		}
		r.printTranscript()
	case "/attach":
		in, isImage, err := loadAttachment(arg)
		if err != nil {
			fmt.Fprintln(r.out, "error:", err)
			return false
		}
		if isImage {
			r.images = append(r.images, in)
		} else {
			r.files = append(r.files, in)
		}
		fmt.Fprintf(r.out, "attached %s\n", in.Name)
	default:
		images, files := r.images, r.files
		r.images, r.files = nil, nil
		if err := r.ctrl.Send(ctx, line, images, files); err != nil {
			fmt.Fprintln(r.out, "\nerror:", err)
		}
	}
	return false
}

func (r *repl) printTranscript() {
	s := r.ctrl.Snapshot()
	r.title = s.Title
	fmt.Fprintf(r.out, "[%d] %s\n", s.ConversationID, s.Title)
	for _, m := range s.Messages {
		fmt.Fprintf(r.out, "%s: %s\n", m.Role, m.Content)
		if m.Role == models.RoleAssistant {
			r.printed[m.LocalID] = len(m.Content)
		}
	}
}

// loadAttachment reads path and base64-encodes it. Images are recognized by
// extension first, then by content.
func loadAttachment(path string) (attachment.Input, bool, error) {
	if path == "" {
		return attachment.Input{}, false, errors.New("usage: /attach <path>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return attachment.Input{}, false, err
	}
	if len(data) > attachment.MaxBytes {
		return attachment.Input{}, false, fmt.Errorf("%s is larger than %d bytes", path, attachment.MaxBytes)
	}
	mediaType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	mediaType, _, _ = strings.Cut(mediaType, ";")
	in := attachment.Input{
		Name:      filepath.Base(path),
		MediaType: mediaType,
		Data:      base64.StdEncoding.EncodeToString(data),
	}
	return in, strings.HasPrefix(mediaType, "image/"), nil
}
