package mailbridge

import "strings"

// TopicPrefix is prepended to an identity to form its topic.
const TopicPrefix = "email/"

var topicReplacer = strings.NewReplacer("/", "_", "@", "_", ".", "_")

// DeriveTopic returns the topic for a mailbox identity. The whole composed
// name is sanitized, so the prefix slash is replaced too:
// "alice@example.com" becomes "email_alice_example_com".
func DeriveTopic(identity string) string {
	return SanitizeTopic(TopicPrefix + identity)
}

// SanitizeTopic replaces every '/', '@' and '.' with '_'.
func SanitizeTopic(name string) string {
	return topicReplacer.Replace(name)
}
