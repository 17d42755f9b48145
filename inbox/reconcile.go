package inbox

// reconcile merges a server copy of a message into the locally held entry.
// Every inbound event handler funnels through here so the merge policy
// lives in one place.
//
// Rules: server identity wins (the temp id is kept for correlation);
// non-zero server fields replace local ones; delivery state only moves
// forward, so a late echo can never demote a seen message, and a server
// confirmation lifts a locally failed message out of Failed.
func reconcile(local *Message, remote Message) {
	if remote.ID != "" {
		local.ID = remote.ID
	}
	if remote.Body != "" {
		local.Body = remote.Body
	}
	if !remote.CreatedAt.IsZero() {
		local.CreatedAt = remote.CreatedAt
	}
	if remote.SenderID != "" {
		local.SenderID = remote.SenderID
	}
	if remote.ReceiverID != "" {
		local.ReceiverID = remote.ReceiverID
	}
	if remote.Type != "" {
		local.Type = remote.Type
	}
	if !remote.SeenAt.IsZero() {
		local.SeenAt = remote.SeenAt
	}
	if remote.State != "" && remote.State.rank() > local.State.rank() {
		local.State = remote.State
		local.ErrorMessage = ""
	}
}
