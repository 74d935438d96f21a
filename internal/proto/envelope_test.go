package proto

import (
	"bytes"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"resolve","from":"aa","to":"bb"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameTypeCapRejectsOversizedControl(t *testing.T) {
	payload := []byte(`{"type":"hello","from":"` + strings.Repeat("a", MaxControlSize) + `"}`)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if _, err := ReadFrameWithTypeCap(&buf, SoftMaxFrameSize, MaxSizeForType); err == nil {
		t.Fatalf("expected oversized hello to be rejected")
	}
}

func TestReadFrameTypeCapAllowsLargeApp(t *testing.T) {
	m := AppMsg{From: "aa", To: "bb", Nonce: make([]byte, 24), Sealed: make([]byte, 64<<10)}
	data, err := EncodeAppMsg(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, data); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrameWithTypeCap(&buf, SoftMaxFrameSize, MaxSizeForType)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	back, err := DecodeAppMsg(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(back.Sealed) != len(m.Sealed) {
		t.Fatalf("sealed length mismatch")
	}
}

func TestEmptyFrameRejected(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected empty payload error")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Fatalf("expected zero length frame error")
	}
}
