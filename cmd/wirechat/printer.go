package main

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/vovakirdan/wirechat-sync/internal/chatsync"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

// printer renders session events to the terminal. It implements chatsync.Observer.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	userID string

	self   *color.Color
	peer   *color.Color
	notice *color.Color
	fail   *color.Color
}

func newPrinter(out io.Writer, userID string) *printer {
	return &printer{
		out:    out,
		userID: userID,
		self:   color.New(color.FgCyan),
		peer:   color.New(color.FgGreen),
		notice: color.New(color.FgYellow),
		fail:   color.New(color.FgRed),
	}
}

func (p *printer) OnMessage(msg chatsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.message(msg)
}

func (p *printer) message(msg chatsync.Message) {
	c := p.peer
	if msg.SenderID == p.userID {
		c = p.self
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(p.out, "[%s] %s: %s\n", ts.Local().Format("15:04:05"), c.Sprint(msg.SenderID), msg.Content)
}

func (p *printer) OnConversation(conv chatsync.Conversation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notice.Fprintf(p.out, "* new conversation #%d %s (%s), /switch %d to open\n", conv.ID, conv.Name, conv.Type, conv.ID)
}

func (p *printer) OnStatus(status chatsync.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status.Failure != nil {
		p.fail.Fprintf(p.out, "* %s: %v\n", status.State, status.Failure)
		return
	}
	p.notice.Fprintf(p.out, "* %s\n", status.State)
}

func (p *printer) OnBrokerError(chatID int64, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail.Fprintf(p.out, "* chat %d: %s\n", chatID, text)
}

func (p *printer) errorf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) infof(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notice.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) history(messages []chatsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range messages {
		p.message(msg)
	}
}

func (p *printer) chats(chats []proto.ChatBody) {
	p.mu.Lock()
	defer p.mu.Unlock()

	table := tablewriter.NewWriter(p.out)
	table.SetHeader([]string{"ID", "Type", "Name"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("\t")
	for _, c := range chats {
		table.Append([]string{strconv.FormatInt(c.ID, 10), c.Type, c.Name})
	}
	table.Render()
}
