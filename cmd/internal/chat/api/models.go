package chatapi

import (
	"time"

	"parley/cmd/internal/chat"

	v1 "parley/shared/contracts/chat/v1"
)

type createConversationRequest struct {
	MessageACL   string   `json:"message_acl,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

type conversationResponse struct {
	ID          string    `json:"id"`
	MessageACL  string    `json:"message_acl,omitempty"`
	LastMessage *string   `json:"last_message"`
	CreatedAt   time.Time `json:"created_at"`
}

type createMessageRequest struct {
	Body string `json:"body"`
}

type editMessageRequest struct {
	Body string `json:"body"`
}

type messageResponse struct {
	Message v1.MessageView `json:"message"`
}

type listMessagesResponse struct {
	Messages []v1.MessageView `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

type historyEntry struct {
	Revision   int       `json:"revision"`
	Body       string    `json:"body"`
	Sender     string    `json:"sender"`
	Deleted    bool      `json:"deleted"`
	Status     string    `json:"message_status,omitempty"`
	EditedAt   time.Time `json:"edited_at,omitzero"`
	EditedBy   string    `json:"edited_by,omitempty"`
	ArchivedAt time.Time `json:"archived_at"`
}

type historyResponse struct {
	MessageID string         `json:"message_id"`
	History   []historyEntry `json:"history"`
}

type addParticipantRequest struct {
	UserID string `json:"user_id"`
}

type participantResponse struct {
	UserID          string  `json:"user_id"`
	UnreadCount     int     `json:"unread_count"`
	LastReadMessage *string `json:"last_read_message"`
}

type participantsResponse struct {
	Participants []participantResponse `json:"participants"`
}

type markReadRequest struct {
	MessageID string `json:"message_id"`
}

func toConversationResponse(c chat.Conversation) conversationResponse {
	return conversationResponse{
		ID:          c.ID,
		MessageACL:  c.MessageACL,
		LastMessage: c.LastMessage,
		CreatedAt:   c.CreatedAt,
	}
}

func toHistoryEntries(hs []chat.History) []historyEntry {
	out := make([]historyEntry, 0, len(hs))
	for _, h := range hs {
		out = append(out, historyEntry{
			Revision:   h.Revision,
			Body:       h.Body,
			Sender:     h.Sender,
			Deleted:    h.Deleted,
			Status:     string(h.Status),
			EditedAt:   h.EditedAt,
			EditedBy:   h.EditedBy,
			ArchivedAt: h.ArchivedAt,
		})
	}
	return out
}

func toParticipantResponses(ps []chat.Participant) []participantResponse {
	out := make([]participantResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, participantResponse{
			UserID:          p.UserID,
			UnreadCount:     p.UnreadCount,
			LastReadMessage: p.LastReadMessage,
		})
	}
	return out
}
