// ABOUTME: WhatsApp Cloud API notification payload types and extraction
// ABOUTME: Walks entry/changes/value to pull out inbound text messages

package webhook

import "encoding/json"

// Notification is the top-level WhatsApp Cloud API webhook payload.
type Notification struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups changes for one WhatsApp Business Account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change carries one field update; messages arrive under field "messages".
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue holds the messages and contact metadata for a change. Statuses
// (sent/delivered/read receipts for our own outbound messages) are kept raw;
// we never act on them.
type ChangeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Contacts         []Contact         `json:"contacts"`
	Messages         []Message         `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

// Contact maps a WhatsApp ID to a display profile.
type Contact struct {
	WaID    string  `json:"wa_id"`
	Profile Profile `json:"profile"`
}

// Profile is the sender's WhatsApp display name.
type Profile struct {
	Name string `json:"name"`
}

// Message is one inbound message. Only type "text" carries a Text body;
// media, reactions, and the rest are ignored upstream.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *TextBody `json:"text"`
}

// TextBody is the text content of a "text" message.
type TextBody struct {
	Body string `json:"body"`
}

// InboundText is one relayable message pulled out of a notification.
type InboundText struct {
	MessageID string
	Sender    string
	Text      string
}

// extractTexts walks a notification and returns every inbound text message.
// The sender label prefers the contact's profile name, falling back to the
// raw phone number when no contact entry matches. Non-text messages and
// status-only changes yield nothing.
func extractTexts(n *Notification) []InboundText {
	var out []InboundText
	for _, entry := range n.Entry {
		for _, change := range entry.Changes {
			names := contactNames(change.Value.Contacts)
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text == nil || msg.Text.Body == "" {
					continue
				}
				sender := names[msg.From]
				if sender == "" {
					sender = msg.From
				}
				out = append(out, InboundText{
					MessageID: msg.ID,
					Sender:    sender,
					Text:      msg.Text.Body,
				})
			}
		}
	}
	return out
}

// contactNames indexes contact display names by WhatsApp ID.
func contactNames(contacts []Contact) map[string]string {
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		if c.Profile.Name != "" {
			names[c.WaID] = c.Profile.Name
		}
	}
	return names
}
