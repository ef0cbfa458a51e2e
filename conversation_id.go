package eventra

// DeriveConversationID returns the canonical id for a conversation between
// two users, optionally scoped to a listing/event. Participant ids are
// sorted lexicographically so both sides (and the backend) derive the same
// id regardless of who computes it.
func DeriveConversationID(userA, userB, eventID string) string {
	lo, hi := userA, userB
	if hi < lo {
		lo, hi = hi, lo
	}
	id := lo + "_" + hi
	if eventID != "" {
		id += "_" + eventID
	}
	return id
}
