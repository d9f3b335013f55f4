package chat

// Wire protocol lines exchanged between the server and its clients. Every
// protocol unit is a single newline-terminated text line; over WebSocket one
// text message carries one line.
const (
	// lineSubmitName prompts the client for a candidate display name.
	lineSubmitName = "SUBMITNAME"
	// lineNameAccepted acknowledges that the candidate name was claimed.
	lineNameAccepted = "NAMEACCEPTED"

	prefixNewUser    = "NEW_USER"
	prefixRemoveUser = "REMOVE_USER"
	prefixMessage    = "MESSAGE "

	// noReceiverNotice is prepended to the body when a message resolved to
	// nobody but its own sender, so the sender can tell it went nowhere.
	noReceiverNotice = "Couldn't find the receiver(s). Message: "
)

// joinLine announces that name entered the chat.
func joinLine(name string) string {
	return prefixNewUser + name
}

// departLine announces that name left the chat.
func departLine(name string) string {
	return prefixRemoveUser + name
}

// chatLine formats a delivered chat message, attributed to its sender.
func chatLine(sender, body string) string {
	return prefixMessage + sender + ": " + body
}
