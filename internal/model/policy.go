package model

import "time"

// Policy is a versioned snapshot of the allow/deny lists.
type Policy struct {
	WhiteList []int64
	BlackList []int64
	Version   int64
	UpdatedAt time.Time
}

// Allows reports whether chatID passes the lists. The black list wins; an
// empty white list allows every chat.
func (p Policy) Allows(chatID int64) bool {
	for _, id := range p.BlackList {
		if id == chatID {
			return false
		}
	}
	if len(p.WhiteList) == 0 {
		return true
	}
	for _, id := range p.WhiteList {
		if id == chatID {
			return true
		}
	}
	return false
}

// PolicyChange reports the effect of one list mutation.
type PolicyChange struct {
	UpdatedList []int64
	Added       []int64
	Removed     []int64
	Version     int64
}
