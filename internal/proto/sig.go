package proto

import "encoding/hex"

// Signature domain labels.
const (
	LabelJoin    = "overlay:join:v1"
	LabelJoinAck = "overlay:join_ack:v1"
	LabelHello   = "overlay:hello:v1"
)

func EncodeSig(sig []byte) string { return hex.EncodeToString(sig) }

func DecodeSig(s string) ([]byte, error) { return hex.DecodeString(s) }
