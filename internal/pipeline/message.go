// Package pipeline runs the unified message-processing flow: parse,
// authorise, command handling, media download, transcription, agent
// invocation, history recording and reply delivery.
package pipeline

import (
	"encoding/json"
	"strconv"
)

// ParsedMessage is the platform-agnostic envelope produced by the
// per-platform webhook parsers.
type ParsedMessage struct {
	ChatID    string
	MessageID string
	Text      string
	Caption   string

	ImageFileID string
	ImageExt    string
	ExtraPhotos []string

	DocFileID   string
	DocMime     string
	DocFilename string

	VoiceFileID string

	ReplyToText string
	ReplyToFrom string
	ContextID   string

	MessageType string
}

// HasImage reports whether an image reference is present.
func (m *ParsedMessage) HasImage() bool { return m.ImageFileID != "" }

// HasDocument reports whether a document reference is present.
func (m *ParsedMessage) HasDocument() bool { return m.DocFileID != "" }

// HasVoice reports whether a voice reference is present.
func (m *ParsedMessage) HasVoice() bool { return m.VoiceFileID != "" }

// telegramUpdate mirrors the subset of the Telegram webhook body the parser
// needs. ExtraPhotos is injected by the dispatcher's media-group merge.
type telegramUpdate struct {
	Message *struct {
		MessageID int64 `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text    string `json:"text"`
		Caption string `json:"caption"`
		Photo   []struct {
			FileID string `json:"file_id"`
		} `json:"photo"`
		Document *struct {
			FileID   string `json:"file_id"`
			MimeType string `json:"mime_type"`
			FileName string `json:"file_name"`
		} `json:"document"`
		Voice *struct {
			FileID string `json:"file_id"`
		} `json:"voice"`
		ReplyToMessage *struct {
			Text string `json:"text"`
			From *struct {
				FirstName string `json:"first_name"`
			} `json:"from"`
		} `json:"reply_to_message"`
		ExtraPhotos []string `json:"_extra_photos"`
	} `json:"message"`
}

// ParseTelegram parses a Telegram webhook body. Returns nil for bodies
// without a usable message.
func ParseTelegram(body []byte) *ParsedMessage {
	var update telegramUpdate
	if err := json.Unmarshal(body, &update); err != nil || update.Message == nil {
		return nil
	}
	msg := update.Message
	if msg.Chat.ID == 0 {
		return nil
	}

	out := &ParsedMessage{
		ChatID:      formatInt(msg.Chat.ID),
		MessageID:   formatInt(msg.MessageID),
		Text:        msg.Text,
		Caption:     msg.Caption,
		ImageExt:    "jpg",
		ExtraPhotos: msg.ExtraPhotos,
	}

	// Photo: the last element has the highest resolution.
	if len(msg.Photo) > 0 {
		out.ImageFileID = msg.Photo[len(msg.Photo)-1].FileID
	}

	if msg.Document != nil {
		out.DocFileID = msg.Document.FileID
		out.DocMime = msg.Document.MimeType
		out.DocFilename = msg.Document.FileName
	}

	if msg.Voice != nil {
		out.VoiceFileID = msg.Voice.FileID
	}

	if msg.ReplyToMessage != nil {
		out.ReplyToText = msg.ReplyToMessage.Text
		if msg.ReplyToMessage.From != nil {
			out.ReplyToFrom = msg.ReplyToMessage.From.FirstName
		}
	}

	// An image sent as a document is treated as an image, not a document.
	if out.ImageFileID == "" && out.DocFileID != "" && isImageMime(out.DocMime) {
		out.ImageFileID = out.DocFileID
		out.ImageExt = imageExtForMime(out.DocMime)
		out.DocFileID = ""
		out.DocMime = ""
		out.DocFilename = ""
	}

	return out
}

func isImageMime(mime string) bool {
	switch mime {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}

func imageExtForMime(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	}
	return "jpg"
}

// whatsappBody mirrors the Cloud API webhook envelope.
type whatsappBody struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text *struct {
						Body string `json:"body"`
					} `json:"text"`
					Image *struct {
						ID      string `json:"id"`
						Caption string `json:"caption"`
					} `json:"image"`
					Document *struct {
						ID       string `json:"id"`
						Filename string `json:"filename"`
						MimeType string `json:"mime_type"`
					} `json:"document"`
					Audio *struct {
						ID string `json:"id"`
					} `json:"audio"`
					Voice *struct {
						ID string `json:"id"`
					} `json:"voice"`
					Context *struct {
						ID string `json:"id"`
					} `json:"context"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWhatsApp parses a WhatsApp Cloud API webhook body. Returns nil for
// bodies without a usable message (e.g. status callbacks).
func ParseWhatsApp(body []byte) *ParsedMessage {
	var parsed whatsappBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	if len(parsed.Entry) == 0 || len(parsed.Entry[0].Changes) == 0 {
		return nil
	}
	messages := parsed.Entry[0].Changes[0].Value.Messages
	if len(messages) == 0 {
		return nil
	}

	msg := messages[0]
	if msg.From == "" {
		return nil
	}

	out := &ParsedMessage{
		ChatID:      msg.From,
		MessageID:   msg.ID,
		MessageType: msg.Type,
		ImageExt:    "jpg",
	}

	if msg.Text != nil {
		out.Text = msg.Text.Body
	}
	if msg.Image != nil {
		out.ImageFileID = msg.Image.ID
		out.Caption = msg.Image.Caption
	}
	if msg.Document != nil {
		out.DocFileID = msg.Document.ID
		out.DocFilename = msg.Document.Filename
		out.DocMime = msg.Document.MimeType
	}
	if msg.Audio != nil {
		out.VoiceFileID = msg.Audio.ID
	} else if msg.Voice != nil {
		out.VoiceFileID = msg.Voice.ID
	}
	if msg.Context != nil {
		out.ContextID = msg.Context.ID
	}

	return out
}

func formatInt(n int64) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}
