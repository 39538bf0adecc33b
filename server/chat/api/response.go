package api

import "chat_server/server/chat/domain"

type createSessionResponse struct {
	Session     domain.Session   `json:"session"`
	Messages    []domain.Message `json:"messages"`
	UnreadCount int64            `json:"unread_count"`
}

type sessionListResponse struct {
	Sessions   []domain.SessionSummary `json:"sessions"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

type messagePageResponse struct {
	Messages      []domain.Message `json:"messages"`
	HasMore       bool             `json:"has_more"`
	TotalMessages int64            `json:"total_messages"`
	Page          int              `json:"page"`
	Limit         int              `json:"limit"`
}

type markReadResponse struct {
	Changed int64 `json:"changed"`
}

type unreadCountResponse struct {
	UnreadCount int64 `json:"unread_count"`
}
