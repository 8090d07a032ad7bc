package room

import "strings"

// ShortDisplayName derives the short name spec §4.9 attaches to a
// `user_typing` event: the user's explicit display name if set, otherwise
// the local-part of their email.
func ShortDisplayName(displayName, email string) string {
	if displayName != "" {
		return displayName
	}
	local, _, found := strings.Cut(email, "@")
	if found {
		return local
	}
	return email
}

// Typing broadcasts a `user_typing` presence event to every other member of
// roomID (spec §4.3, §4.9).
func (r *Registry) Typing(roomID, userID, shortDisplayName string, isTyping bool, exclude string) {
	r.Broadcast(roomID, "user_typing", map[string]any{
		"userId":      userID,
		"displayName": shortDisplayName,
		"isTyping":    isTyping,
	}, exclude)
}
