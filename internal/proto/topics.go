package proto

import "strconv"

// ChatTopic is the broadcast topic of a conversation.
func ChatTopic(chatID int64) string {
	return "/topic/chat/" + strconv.FormatInt(chatID, 10)
}

// UserQueue is the per-identity queue of a conversation.
func UserQueue(chatID int64) string {
	return "/user/queue/chat/" + strconv.FormatInt(chatID, 10)
}

// ChatErrorTopic carries broker-side failures for a conversation.
func ChatErrorTopic(chatID int64) string {
	return ChatTopic(chatID) + "/error"
}

// UserChatsTopic announces conversations created for a user.
func UserChatsTopic(userID string) string {
	return "/topic/user/" + userID + "/chats"
}

// PublishDestination is where a message for a conversation is sent.
func PublishDestination(chatID int64) string {
	return "/app/chat/" + strconv.FormatInt(chatID, 10)
}
