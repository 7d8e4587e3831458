package domain

import "strings"

// Topic names are a contract with the server and with feature code.
const (
	TopicAppChat   = "/app/chat"
	TopicAppCall   = "/app/call"
	TopicAppTyping = "/app/typing"

	notificationsPrefix = "/notifications/"
	onlinePrefix        = "/online/"
	errorsPrefix        = "/errors/"
	typingPrefix        = "/typing/"
	callsPrefix         = "/calls/"
	chatPrefix          = "/chat/"
	appPrefix           = "/app/"
)

func NotificationsTopic(u UserID) string { return notificationsPrefix + string(u) }
func OnlineTopic(u UserID) string        { return onlinePrefix + string(u) }
func ErrorsTopic(u UserID) string        { return errorsPrefix + string(u) }
func CallsTopic(u UserID) string         { return callsPrefix + string(u) }
func TypingTopic(c ChatID) string        { return typingPrefix + string(c) }
func ChatTopic(c ChatID) string          { return chatPrefix + string(c) }

// IsAppDestination reports whether topic is a server-side route rather than
// a subscribable topic.
func IsAppDestination(topic string) bool {
	return strings.HasPrefix(topic, appPrefix)
}

// PrivateOwner returns the user a private topic belongs to. Only the owner
// may subscribe to /notifications, /errors and /calls topics.
func PrivateOwner(topic string) (UserID, bool) {
	for _, p := range []string{notificationsPrefix, errorsPrefix, callsPrefix} {
		if rest, ok := strings.CutPrefix(topic, p); ok && rest != "" {
			return UserID(rest), true
		}
	}
	return "", false
}
