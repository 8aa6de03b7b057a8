// Package subjects defines the NATS wire contract for the AI interaction
// surface. Subject layouts are shared with the API service and the web UI,
// so changes here are breaking changes.
package subjects

import "strings"

const (
	// ChatProcess carries incoming chat-completion requests. Consumed with
	// the llm-workers queue group so broker-side load balancing spreads
	// requests across service replicas.
	ChatProcess = "ai.interaction.chat.process"

	// ChatStopPrefix is the root of per-instance stop signals. The full
	// subject is ChatStopPrefix + ".<workspaceId>.<threadId>"; the payload
	// is empty and the instance key comes from the subject itself.
	ChatStopPrefix = "ai.interaction.chat.stop"

	// ChatReceivePrefix is the root of the outbound stream-event subjects.
	ChatReceivePrefix = "ai.interaction.chat.receiveMessage"

	// ChatErrorPrefix is the root of structured failure subjects. The
	// suffix is the instance key ("<workspaceId>:<threadId>").
	ChatErrorPrefix = "ai.interaction.chat.error"

	// ChatProcessQueue is the queue group for ChatProcess consumers.
	ChatProcessQueue = "llm-workers"
)

// ChatReceive returns the receive subject for a workspace/thread pair.
func ChatReceive(workspaceID, threadID string) string {
	return ChatReceivePrefix + "." + workspaceID + "." + threadID
}

// ChatStopWildcard returns the subscription pattern matching every stop
// subject.
func ChatStopWildcard() string {
	return ChatStopPrefix + ".>"
}

// ChatError returns the error subject for an instance key.
func ChatError(instanceKey string) string {
	return ChatErrorPrefix + "." + instanceKey
}

// StopKeyFromSubject extracts the instance key from a stop subject.
// "ai.interaction.chat.stop.ws1.th1" yields "ws1:th1". Returns "" when the
// subject does not carry both tokens.
func StopKeyFromSubject(subject string) string {
	if !strings.HasPrefix(subject, ChatStopPrefix+".") {
		return ""
	}
	rest := strings.TrimPrefix(subject, ChatStopPrefix+".")
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[0] + ":" + parts[1]
}
