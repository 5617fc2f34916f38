package transport

import (
	"context"
	"io"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateDocument UpdateKind = "document"
	UpdateLocation UpdateKind = "location"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Document *Document
	Location *Location
}

// Sender is the common part of every update.
type Sender struct {
	ChatID       int64
	FromID       int64
	FromUsername string
	LanguageCode string // IETF tag reported by the client, may be empty
}

type Message struct {
	Sender
	ID   int
	Text string
}

type Document struct {
	Sender
	FileID   string
	FileName string
	FileSize int64
}

type Location struct {
	Sender
	Lat  float64
	Long float64
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// TextSender is the minimal outbound surface; logx and the notifier only need this.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	TextSender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// OpenFile streams an uploaded document by file id.
	OpenFile(ctx context.Context, fileID string) (io.ReadCloser, error)
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a per-language
// command menu. An empty language sets the default menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, language string, cmds []BotCommand) error
}
