package remote

// Remote tree layout. Messages are sharded per chat so a message
// subscription only streams one conversation.

// UserPath addresses a user's profile document.
func UserPath(userID string) string {
	return "users/" + userID
}

// UserChatsPath addresses the membership index of a user: a map of chat id
// to true, maintained alongside chat creation.
func UserChatsPath(userID string) string {
	return "user-chats/" + userID
}

// ChatPath addresses a chat document.
func ChatPath(chatID string) string {
	return "chats/" + chatID
}

// ChatMessagesPath addresses the message collection of a chat.
func ChatMessagesPath(chatID string) string {
	return "messages/" + chatID
}

// MessagePath addresses one message document.
func MessagePath(chatID, messageID string) string {
	return "messages/" + chatID + "/" + messageID
}

// PresencePath addresses a user's ephemeral presence record.
func PresencePath(userID string) string {
	return "presence/" + userID
}

// TypingPath addresses one user's typing indicator in one chat.
func TypingPath(chatID, userID string) string {
	return "typing/" + chatID + "/" + userID
}
