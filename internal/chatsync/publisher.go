package chatsync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/log"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

// OutboundDraft is a message the user wants to send.
type OutboundDraft struct {
	ChatID   int64
	SenderID string
	Content  string
}

// Reconnector restarts the connection after a failed publish.
type Reconnector interface {
	Reconnect()
}

// Publisher sends drafts over the current connection. A failed publish is
// never retried; it triggers one reconnect and is reported to the caller.
type Publisher struct {
	conns     Connections
	reconnect Reconnector
	timeout   time.Duration
	log       *zerolog.Logger
}

// NewPublisher creates a publisher. A zero timeout publishes without waiting
// for a receipt.
func NewPublisher(conns Connections, reconnect Reconnector, timeout time.Duration, logger *zerolog.Logger) *Publisher {
	l := log.OrNop(logger).With().Str("component", "publisher").Logger()
	return &Publisher{conns: conns, reconnect: reconnect, timeout: timeout, log: &l}
}

// Send publishes draft to its conversation. The content is trimmed first.
// Nothing is written when the draft or the connection is not ready.
func (p *Publisher) Send(ctx context.Context, draft OutboundDraft) error {
	content := strings.TrimSpace(draft.Content)
	switch {
	case draft.SenderID == "":
		return notReady("no identity")
	case draft.ChatID == 0:
		return notReady("no conversation")
	case content == "":
		return notReady("empty content")
	}

	conn := p.conns.Current()
	if !p.conns.IsConnected() || conn == nil {
		return notReady("not connected")
	}

	body, err := json.Marshal(proto.SendBody{SenderID: draft.SenderID, Content: content})
	if err != nil {
		return &SendError{Code: SendCodePublishFailed, Err: err}
	}

	pctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := conn.Publish(pctx, proto.PublishDestination(draft.ChatID), body, p.timeout > 0); err != nil {
		if ctx.Err() != nil {
			// The caller gave up; the connection itself is fine.
			p.log.Debug().Err(err).Int64("chat_id", draft.ChatID).Msg("publish abandoned by caller")
			return &SendError{Code: SendCodePublishFailed, Err: err}
		}
		p.log.Warn().Err(err).Int64("chat_id", draft.ChatID).Msg("publish failed, reconnecting")
		p.reconnect.Reconnect()
		return &SendError{Code: SendCodePublishFailed, Err: err}
	}
	p.log.Debug().Int64("chat_id", draft.ChatID).Msg("published")
	return nil
}
