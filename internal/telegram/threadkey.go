package telegram

import (
	"fmt"
	"strconv"
	"strings"
)

// threadKeyPrefix is the namespace for Telegram-originated threads.
const threadKeyPrefix = "telegram:chat:"

// generalTopicID is Telegram's implicit "General" topic; it is normalized
// to absent so general-chat messages and topicless messages share a thread.
const generalTopicID = 1

// NormalizeMessageThreadID maps Telegram's message_thread_id onto the
// topic id used in thread keys: 0 and the General topic (1) become absent.
func NormalizeMessageThreadID(id int64) (int64, bool) {
	if id <= 0 || id == generalTopicID {
		return 0, false
	}
	return id, true
}

// ThreadKey builds the serialization key for a chat (and optional topic).
func ThreadKey(chatID int64, messageThreadID int64) string {
	if topicID, ok := NormalizeMessageThreadID(messageThreadID); ok {
		return fmt.Sprintf("%s%d:topic:%d", threadKeyPrefix, chatID, topicID)
	}
	return fmt.Sprintf("%s%d", threadKeyPrefix, chatID)
}

// Route is the delivery address a thread key decodes to.
type Route struct {
	ChatID  int64
	TopicID int64 // 0 = no topic
}

// RouteFromThreadKey decodes a telegram thread key.
func RouteFromThreadKey(threadKey string) (Route, error) {
	rest, ok := strings.CutPrefix(threadKey, threadKeyPrefix)
	if !ok {
		return Route{}, fmt.Errorf("not a telegram thread key: %q", threadKey)
	}

	chatPart, topicPart, hasTopic := strings.Cut(rest, ":topic:")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return Route{}, fmt.Errorf("invalid chat id in thread key %q: %w", threadKey, err)
	}
	route := Route{ChatID: chatID}
	if hasTopic {
		topicID, err := strconv.ParseInt(topicPart, 10, 64)
		if err != nil {
			return Route{}, fmt.Errorf("invalid topic id in thread key %q: %w", threadKey, err)
		}
		if normalized, ok := NormalizeMessageThreadID(topicID); ok {
			route.TopicID = normalized
		}
	}
	return route, nil
}

// ThreadKeyFromRoute is the inverse of RouteFromThreadKey
// (post-normalization).
func ThreadKeyFromRoute(route Route) string {
	return ThreadKey(route.ChatID, route.TopicID)
}
