package bus

import (
	"testing"

	"wemp/internal/domain"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(2, testEBLogger())
	b.Publish(domain.InboundMessage{AccountID: "acct", OpenID: "o1", Text: "hi"})

	msg := <-b.Subscribe()
	if msg.Text != "hi" || msg.OpenID != "o1" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestInMemoryBus_Outbound(t *testing.T) {
	b := New(1, testEBLogger())

	// No handler yet: dropped with a warning.
	b.SendOutbound(domain.OutboundMessage{OpenID: "o1", Content: "lost"})

	var got []domain.OutboundMessage
	b.OnOutbound(func(m domain.OutboundMessage) { got = append(got, m) })
	b.SendOutbound(domain.OutboundMessage{AccountID: "acct", OpenID: "o1", Content: "配对成功"})

	if len(got) != 1 || got[0].Content != "配对成功" {
		t.Fatalf("unexpected outbound messages %+v", got)
	}
}

func TestInMemoryBus_Close(t *testing.T) {
	b := New(1, testEBLogger())
	b.Close()
	b.Close()

	// Publishing after close must not panic.
	b.Publish(domain.InboundMessage{Text: "late"})

	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("expected closed inbound channel")
	}
}
