package ws

import "encoding/json"

// Wire messages. Every frame is a JSON object with a string "type".

type authenticateMessage struct {
	Type   string `json:"type"`
	Key    string `json:"key,omitempty"`
	Twitch string `json:"twitch,omitempty"`
}

type greetingMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type authenticatedMessage struct {
	Type string `json:"type"`
}

type noticeMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newAuthenticated() authenticatedMessage {
	return authenticatedMessage{Type: "Authenticated"}
}

func newNotice(message string) noticeMessage {
	return noticeMessage{Type: "Notice", Message: message}
}

func newError(message string) errorMessage {
	return errorMessage{Type: "Error", Message: message}
}

// decodeEnvelope extracts the message type. ok is false for anything that is
// not a JSON object carrying a string "type"; such frames are malformed and
// close the session.
func decodeEnvelope(data []byte) (msgType string, ok bool) {
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", false
	}
	raw, exists := decoded["type"]
	if !exists {
		return "", false
	}
	if err := json.Unmarshal(raw, &msgType); err != nil {
		return "", false
	}
	return msgType, true
}
