package util

import (
	"fmt"
	"hash/fnv"
)

// CallID derives the signaling document identifier for a chat room.
// The mapping is deterministic so both peers compute the same ID without
// coordination, which also caps each room at one concurrent call document.
func CallID(chatRoomID string) string {
	h := fnv.New64a()
	h.Write([]byte(chatRoomID))
	return fmt.Sprintf("call-%016x", h.Sum64())
}
