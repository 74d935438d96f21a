package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

const (
	MsgTypeJoin     = "join"
	MsgTypeJoinAck  = "join_ack"
	MsgTypeResolve  = "resolve"
	MsgTypeUnite    = "unite"
	MsgTypeUnknown  = "unknown"
	MsgTypeApp      = "app"
	MsgTypeKex      = "kex"
	MsgTypeKexAck   = "kex_ack"
	MsgTypeHello    = "hello"
	MsgTypeHelloAck = "hello_ack"

	MaxControlSize = 4 << 10
	MaxAppSize     = MaxFrameSize
)

// MaxSizeForType is the frame cap used with ReadFrameWithTypeCap.
func MaxSizeForType(msgType string) int {
	switch msgType {
	case MsgTypeApp:
		return MaxAppSize
	case MsgTypeJoin, MsgTypeJoinAck, MsgTypeResolve, MsgTypeUnite, MsgTypeUnknown,
		MsgTypeKex, MsgTypeKexAck, MsgTypeHello, MsgTypeHelloAck:
		return MaxControlSize
	default:
		return -1
	}
}

// JoinMsg registers a node with a super peer.
type JoinMsg struct {
	Type       string `json:"type"`
	From       string `json:"from"`
	PoW        int32  `json:"pow"`
	ListenAddr string `json:"listen_addr,omitempty"`
	TS         int64  `json:"ts"`
	Sig        string `json:"sig"`
}

// JoinAckMsg confirms a join and reports the address the super peer saw.
type JoinAckMsg struct {
	Type         string `json:"type"`
	From         string `json:"from"`
	ObservedAddr string `json:"observed_addr,omitempty"`
	TS           int64  `json:"ts"`
	Sig          string `json:"sig,omitempty"`
}

type ResolveMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

// UniteMsg tells a node where a peer can be dialed directly.
type UniteMsg struct {
	Type string `json:"type"`
	Peer string `json:"peer"`
	Addr string `json:"addr"`
}

type UnknownMsg struct {
	Type string `json:"type"`
	Peer string `json:"peer"`
}

// AppMsg carries one sealed application payload.
type AppMsg struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Agreement string `json:"agreement,omitempty"`
	Nonce     []byte `json:"nonce"`
	Sealed    []byte `json:"sealed"`
}

// KexMsg is used for both kex and kex_ack.
type KexMsg struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Agreement string `json:"agreement"`
	Ephemeral []byte `json:"ephemeral"`
	Sig       string `json:"sig"`
}

// HelloMsg is used for both hello and hello_ack on direct links.
type HelloMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
	TS   int64  `json:"ts"`
	Sig  string `json:"sig"`
}

// PeekType returns the type field of an encoded message.
func PeekType(data []byte) (string, error) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return "", err
	}
	if hdr.Type == "" {
		return "", fmt.Errorf("missing msg type")
	}
	return hdr.Type, nil
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decode(data []byte, v any, msgType *string, allowed ...string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	for _, t := range allowed {
		if *msgType == t {
			return nil
		}
	}
	if *msgType == "" && len(allowed) == 1 {
		*msgType = allowed[0]
		return nil
	}
	return fmt.Errorf("unexpected msg type: %s", *msgType)
}

func EncodeJoinMsg(m JoinMsg) ([]byte, error) {
	m.Type = MsgTypeJoin
	return encode(m)
}

func DecodeJoinMsg(data []byte) (JoinMsg, error) {
	var m JoinMsg
	if err := decode(data, &m, &m.Type, MsgTypeJoin); err != nil {
		return JoinMsg{}, err
	}
	return m, nil
}

func EncodeJoinAckMsg(m JoinAckMsg) ([]byte, error) {
	m.Type = MsgTypeJoinAck
	return encode(m)
}

func DecodeJoinAckMsg(data []byte) (JoinAckMsg, error) {
	var m JoinAckMsg
	if err := decode(data, &m, &m.Type, MsgTypeJoinAck); err != nil {
		return JoinAckMsg{}, err
	}
	return m, nil
}

func EncodeResolveMsg(m ResolveMsg) ([]byte, error) {
	m.Type = MsgTypeResolve
	return encode(m)
}

func DecodeResolveMsg(data []byte) (ResolveMsg, error) {
	var m ResolveMsg
	if err := decode(data, &m, &m.Type, MsgTypeResolve); err != nil {
		return ResolveMsg{}, err
	}
	return m, nil
}

func EncodeUniteMsg(m UniteMsg) ([]byte, error) {
	m.Type = MsgTypeUnite
	return encode(m)
}

func DecodeUniteMsg(data []byte) (UniteMsg, error) {
	var m UniteMsg
	if err := decode(data, &m, &m.Type, MsgTypeUnite); err != nil {
		return UniteMsg{}, err
	}
	return m, nil
}

func EncodeUnknownMsg(m UnknownMsg) ([]byte, error) {
	m.Type = MsgTypeUnknown
	return encode(m)
}

func DecodeUnknownMsg(data []byte) (UnknownMsg, error) {
	var m UnknownMsg
	if err := decode(data, &m, &m.Type, MsgTypeUnknown); err != nil {
		return UnknownMsg{}, err
	}
	return m, nil
}

func EncodeAppMsg(m AppMsg) ([]byte, error) {
	m.Type = MsgTypeApp
	return encode(m)
}

func DecodeAppMsg(data []byte) (AppMsg, error) {
	var m AppMsg
	if err := decode(data, &m, &m.Type, MsgTypeApp); err != nil {
		return AppMsg{}, err
	}
	return m, nil
}

// EncodeKexMsg keeps m.Type when it is kex_ack and defaults to kex.
func EncodeKexMsg(m KexMsg) ([]byte, error) {
	if m.Type != MsgTypeKexAck {
		m.Type = MsgTypeKex
	}
	return encode(m)
}

func DecodeKexMsg(data []byte) (KexMsg, error) {
	var m KexMsg
	if err := decode(data, &m, &m.Type, MsgTypeKex, MsgTypeKexAck); err != nil {
		return KexMsg{}, err
	}
	return m, nil
}

// EncodeHelloMsg keeps m.Type when it is hello_ack and defaults to hello.
func EncodeHelloMsg(m HelloMsg) ([]byte, error) {
	if m.Type != MsgTypeHelloAck {
		m.Type = MsgTypeHello
	}
	return encode(m)
}

func DecodeHelloMsg(data []byte) (HelloMsg, error) {
	var m HelloMsg
	if err := decode(data, &m, &m.Type, MsgTypeHello, MsgTypeHelloAck); err != nil {
		return HelloMsg{}, err
	}
	return m, nil
}

// Signed byte layouts. Fields are length prefixed so adjacent values cannot
// be shifted into each other.

func JoinBytes(from []byte, pow int32, listenAddr string, ts int64) []byte {
	buf := make([]byte, 0, len(from)+4+2+len(listenAddr)+8)
	buf = append(buf, from...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(pow))
	buf = appendString(buf, listenAddr)
	return binary.BigEndian.AppendUint64(buf, uint64(ts))
}

func JoinAckBytes(from []byte, observedAddr string, ts int64) []byte {
	buf := make([]byte, 0, len(from)+2+len(observedAddr)+8)
	buf = append(buf, from...)
	buf = appendString(buf, observedAddr)
	return binary.BigEndian.AppendUint64(buf, uint64(ts))
}

func KexBytes(msgType string, from, to []byte, agreement string, ephemeral []byte) []byte {
	buf := make([]byte, 0, 2+len(msgType)+len(from)+len(to)+2+len(agreement)+len(ephemeral))
	buf = appendString(buf, msgType)
	buf = append(buf, from...)
	buf = append(buf, to...)
	buf = appendString(buf, agreement)
	return append(buf, ephemeral...)
}

func HelloBytes(msgType string, from, to []byte, ts int64) []byte {
	buf := make([]byte, 0, 2+len(msgType)+len(from)+len(to)+8)
	buf = appendString(buf, msgType)
	buf = append(buf, from...)
	buf = append(buf, to...)
	return binary.BigEndian.AppendUint64(buf, uint64(ts))
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}
