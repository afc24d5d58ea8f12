package protocol

// RoomKey returns the deterministic room identifier for a board scope.
// The same key is used as the subscription table key on the client and as
// the acknowledgment event discriminator on the wire.
func RoomKey(boardID, orgID, divisionID string) string {
	key := boardID + ":" + orgID
	if divisionID != "" {
		key += ":" + divisionID
	}
	return key
}
