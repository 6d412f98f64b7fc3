package models

import "strings"

// RemoteIDSeparator joins an owner device id and a model name into a remote model id
const RemoteIDSeparator = "|"

// ModelDescriptor describes one model a provider can serve
type ModelDescriptor struct {
	ID              string `json:"id"`
	DisplayName     string `json:"name"`
	Provider        string `json:"provider"`
	OwnerDeviceID   string `json:"deviceId,omitempty"`
	OwnerDeviceName string `json:"deviceName,omitempty"`
	IsRemote        bool   `json:"isRemote"`
}

// RemoteModelID builds the composite id under which a peer's model is routed
func RemoteModelID(ownerDeviceID, localModel string) string {
	return ownerDeviceID + RemoteIDSeparator + localModel
}

// SplitRemoteModelID splits a composite id at the first separator. Model names
// may themselves contain the separator; device ids may not.
func SplitRemoteModelID(id string) (ownerDeviceID, localModel string, ok bool) {
	owner, model, found := strings.Cut(id, RemoteIDSeparator)
	if !found || owner == "" || model == "" {
		return "", "", false
	}
	return owner, model, true
}

// ChatMessage is one turn of a conversation
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the payload of a chat RPC between peers
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Hops     int           `json:"hops,omitempty"`
}

// ChatChoice is one completion alternative
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage reports token accounting when the backend provides it
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is a chat completion annotated with where it was served
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`

	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Routed     bool   `json:"routed"`
}

// Content returns the first choice's message text
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}
