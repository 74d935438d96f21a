package crypto

import (
	"encoding/binary"
)

// BuildAAD binds a sealed payload to its message type, both endpoints and the
// agreement that sealed it.
func BuildAAD(msgType string, from, to []byte, agreementID string) []byte {
	msgBytes := []byte(msgType)
	agBytes := []byte(agreementID)
	buf := make([]byte, 0, 2+len(msgBytes)+len(from)+len(to)+2+len(agBytes))
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(msgBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, msgBytes...)
	buf = append(buf, from...)
	buf = append(buf, to...)
	binary.BigEndian.PutUint16(tmp[:], uint16(len(agBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, agBytes...)
	return buf
}
