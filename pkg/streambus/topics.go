package streambus

// TopicForConversation is the inbound frame topic for one conversation.
func TopicForConversation(convID string) string { return "chat:" + convID }

// SnapshotTopicForConversation carries reducer snapshot notices out to
// rendering collaborators.
func SnapshotTopicForConversation(convID string) string { return "timeline:" + convID }
