package broker

import "github.com/vovakirdan/wirechat-sync/internal/proto"

// MessageBody is the wire form of a stored message.
func MessageBody(m Message) proto.MessageBody {
	return proto.MessageBody{
		ID:        m.ID,
		Chat:      proto.Ref[int64]{ID: m.ChatID},
		Sender:    proto.Ref[string]{ID: m.SenderID},
		Content:   m.Content,
		Timestamp: proto.Timestamp{Time: m.Timestamp},
	}
}

// ChatBody is the wire form of a chat.
func ChatBody(c Chat) proto.ChatBody {
	return proto.ChatBody{ID: c.ID, Type: c.Type, Name: c.Name}
}
