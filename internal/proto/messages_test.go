package proto

import (
	"bytes"
	"testing"
)

func TestKexEncodeKeepsAckType(t *testing.T) {
	data, err := EncodeKexMsg(KexMsg{Type: MsgTypeKexAck, Agreement: "a1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	typ, err := PeekType(data)
	if err != nil || typ != MsgTypeKexAck {
		t.Fatalf("unexpected type %q err=%v", typ, err)
	}
	m, err := DecodeKexMsg(data)
	if err != nil || m.Agreement != "a1" {
		t.Fatalf("decode: %+v %v", m, err)
	}
}

func TestDecodeRejectsWrongType(t *testing.T) {
	data, _ := EncodeResolveMsg(ResolveMsg{From: "a", To: "b"})
	if _, err := DecodeJoinMsg(data); err == nil {
		t.Fatalf("expected type mismatch")
	}
	if _, err := DecodeHelloMsg(data); err == nil {
		t.Fatalf("expected type mismatch")
	}
}

func TestSignedBytesSeparateFields(t *testing.T) {
	a := HelloBytes(MsgTypeHello, []byte{1}, []byte{2}, 7)
	b := HelloBytes(MsgTypeHelloAck, []byte{1}, []byte{2}, 7)
	if bytes.Equal(a, b) {
		t.Fatalf("hello and hello_ack sign the same bytes")
	}
	j1 := JoinBytes([]byte{1}, 5, "ab", 1)
	j2 := JoinBytes([]byte{1}, 5, "a", 1)
	if bytes.Equal(j1, j2) {
		t.Fatalf("join bytes ignore listen address")
	}
}

func TestPeekTypeMissing(t *testing.T) {
	if _, err := PeekType([]byte(`{"from":"x"}`)); err == nil {
		t.Fatalf("expected missing type error")
	}
}
