package model

import "time"

// DefaultIndexName is the search index holding indexed Telegram messages.
const DefaultIndexName = "telegram"

// SearchQuery is the canonical query shape shared by every front-end.
// Empty strings and nil pointers mean "filter not set".
type SearchQuery struct {
	Q              string
	IndexName      string
	ChatID         *int64
	ChatType       string
	DateFrom       *time.Time
	DateTo         *time.Time
	SenderUsername string
	Limit          int
	Offset         int
}

// SearchChat describes the chat a hit came from.
type SearchChat struct {
	ID       int64
	Type     string
	Title    string
	Username string
}

// SearchUser describes the sender of a hit.
type SearchUser struct {
	ID       int64
	Username string
}

// SearchHit is one normalised search result.
type SearchHit struct {
	ID             string
	Chat           SearchChat
	Date           time.Time
	Text           string
	FromUser       *SearchUser
	Reactions      map[string]int64
	ReactionsScore float64
	TextLen        int
	Formatted      map[string]any
	FormattedText  string // highlighted text, empty if the backend returned none
}

// SearchPage is one page of normalised results.
type SearchPage struct {
	Hits             []SearchHit
	Query            string
	ProcessingTimeMs int64
	TotalHits        int64
	Limit            int
	Offset           int
}
