package network

import (
	"context"
	"testing"
	"time"

	"overlaynode/internal/proto"
)

func TestQUICLinkRoundTrip(t *testing.T) {
	q, err := NewQUIC(nil, 4)
	if err != nil {
		t.Fatalf("new quic: %v", err)
	}
	ln, err := q.Listen("127.0.0.1:0")
	if err != nil {
		t.Skipf("udp listen unavailable: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := q.Dial(ctx, ln.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	msg, err := proto.EncodeResolveMsg(proto.ResolveMsg{From: "aa", To: "bb"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := client.Send(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	server, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer server.Close()
	got, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("payload mismatch: %q", got)
	}
}
