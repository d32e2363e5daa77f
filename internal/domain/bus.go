package domain

// MessageBus decouples webhook intake from message processing.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage)
	OnOutbound(handler func(OutboundMessage))
	Close()
}
