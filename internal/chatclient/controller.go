package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"chatstream/internal/models"
	"chatstream/internal/service/attachment"
	"chatstream/internal/sse"
)

// DefaultErrorMessage replaces the assistant reply when a turn fails.
const DefaultErrorMessage = "An error occurred. Please try again."

// ErrBusy is returned by Send while a reply is still streaming.
var ErrBusy = errors.New("chatclient: a reply is still in flight")

// Transport is the part of Client the controller needs.
type Transport interface {
	OpenChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
	Conversation(ctx context.Context, id int64) (*models.Conversation, error)
}

// Message is one entry of the local list. LocalID never changes; ServerID is
// zero until the server has confirmed the message.
type Message struct {
	LocalID  int
	ServerID int64
	Role     models.Role
	Content  string
	Images   []sse.ImageMeta
	Files    []sse.FileMeta
	Pending  bool
	Failed   bool
}

// State is a snapshot handed to observers.
type State struct {
	ConversationID int64
	Title          string
	Messages       []Message
	InFlight       bool
}

// Controller owns the message list of the active conversation. Messages live
// in one ordered slice; index maps local ids to positions so reconciliation
// updates entries in place.
type Controller struct {
	transport Transport

	mu             sync.Mutex
	conversationID int64
	title          string
	messages       []Message
	index          map[int]int
	nextLocal      int
	inFlight       bool
	observers      []func(State)
}

// NewController starts with an empty, unsaved conversation.
func NewController(t Transport) *Controller {
	return &Controller{transport: t, index: make(map[int]int)}
}

// Subscribe registers fn to receive a snapshot after every state change.
func (c *Controller) Subscribe(fn func(State)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	msgs := make([]Message, len(c.messages))
	for i, m := range c.messages {
		m.Images = append([]sse.ImageMeta(nil), m.Images...)
		m.Files = append([]sse.FileMeta(nil), m.Files...)
		msgs[i] = m
	}
	return State{
		ConversationID: c.conversationID,
		Title:          c.title,
		Messages:       msgs,
		InFlight:       c.inFlight,
	}
}

// update applies fn under the lock and then notifies observers outside it.
func (c *Controller) update(fn func()) {
	c.mu.Lock()
	fn()
	state := c.snapshotLocked()
	observers := slices.Clone(c.observers)
	c.mu.Unlock()
	for _, o := range observers {
		o(state)
	}
}

// Reset starts a new, empty conversation.
func (c *Controller) Reset() error {
	var err error
	c.update(func() {
		if c.inFlight {
			err = ErrBusy
			return
		}
		c.conversationID = 0
		c.title = ""
		c.messages = nil
		c.index = make(map[int]int)
	})
	return err
}

// Load replaces local state with the stored conversation.
func (c *Controller) Load(ctx context.Context, id int64) error {
	c.mu.Lock()
	busy := c.inFlight
	c.mu.Unlock()
	if busy {
		return ErrBusy
	}
	conv, err := c.transport.Conversation(ctx, id)
	if err != nil {
		return err
	}
	c.update(func() {
		c.conversationID = conv.ID
		c.title = conv.Title
		c.messages = nil
		c.index = make(map[int]int)
		for _, m := range conv.Messages {
			local := c.appendLocked(Message{ServerID: m.ID, Role: m.Role, Content: m.Content})
			msg := &c.messages[c.index[local]]
			for _, img := range m.Images {
				msg.Images = append(msg.Images, sse.ImageMeta{ID: img.ID, URL: img.URL, Name: img.Name, MediaType: img.MediaType})
			}
			for _, f := range m.Files {
				msg.Files = append(msg.Files, sse.FileMeta{ID: f.ID, Name: f.Name, MediaType: f.MediaType})
			}
		}
	})
	return nil
}

func (c *Controller) appendLocked(m Message) int {
	c.nextLocal++
	m.LocalID = c.nextLocal
	c.index[m.LocalID] = len(c.messages)
	c.messages = append(c.messages, m)
	return m.LocalID
}

func (c *Controller) at(localID int) *Message {
	pos, ok := c.index[localID]
	if !ok {
		return nil
	}
	return &c.messages[pos]
}

// Send posts text with optional attachments and applies the reply frames as
// they arrive. It returns once the stream has ended.
func (c *Controller) Send(ctx context.Context, text string, images, files []attachment.Input) error {
	var (
		userID, assistantID int
		convID              int64
		busy                bool
	)
	c.update(func() {
		if c.inFlight {
			busy = true
			return
		}
		c.inFlight = true
		convID = c.conversationID
		user := Message{Role: models.RoleUser, Content: text, Pending: true}
		for _, in := range images {
			user.Images = append(user.Images, sse.ImageMeta{Name: in.Name, MediaType: in.MediaType})
		}
		for _, in := range files {
			user.Files = append(user.Files, sse.FileMeta{Name: in.Name, MediaType: in.MediaType})
		}
		userID = c.appendLocked(user)
		assistantID = c.appendLocked(Message{Role: models.RoleAssistant, Pending: true})
	})
	if busy {
		return ErrBusy
	}

	body, err := c.transport.OpenChat(ctx, ChatRequest{
		ConversationID: convID,
		Message:        text,
		Images:         images,
		Files:          files,
	})
	if err != nil {
		c.finish(userID, assistantID, true)
		return err
	}
	defer body.Close()

	err = c.consume(sse.NewDecoder(body), userID, assistantID)
	c.finish(userID, assistantID, err != nil)
	return err
}

// consume applies frames until [DONE], an error frame or the end of the body.
func (c *Controller) consume(dec *sse.Decoder, userID, assistantID int) error {
	for {
		frame, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		if err != nil {
			if errors.Is(err, sse.ErrUnknownFrame) {
				continue
			}
			return err
		}
		switch f := frame.(type) {
		case sse.Preamble:
			c.update(func() {
				if f.ConversationID > 0 {
					c.conversationID = f.ConversationID
				}
				if m := c.at(userID); m != nil {
					m.ServerID = f.UserMessageID
					m.Pending = false
					if len(f.Images) > 0 {
						m.Images = f.Images
					}
					if len(f.Files) > 0 {
						m.Files = f.Files
					}
				}
			})
		case sse.Content:
			c.update(func() {
				if m := c.at(assistantID); m != nil {
					m.Content += f.Content
				}
			})
		case sse.Title:
			c.update(func() { c.title = f.Title })
		case sse.Error:
			return fmt.Errorf("chat stream: %s", f.Message)
		case sse.Done:
			return nil
		}
	}
}

func (c *Controller) finish(userID, assistantID int, failed bool) {
	c.update(func() {
		c.inFlight = false
		if m := c.at(assistantID); m != nil {
			m.Pending = false
			if failed {
				m.Content = DefaultErrorMessage
				m.Failed = true
			}
		}
		if m := c.at(userID); m != nil && failed && m.ServerID == 0 {
			m.Pending = false
			m.Failed = true
		}
	})
}
