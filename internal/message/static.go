package message

import "github.com/visiona/igtlserver/internal/model"

// StaticFactory is a test double that records every call it receives and
// always returns a fixed set of messages, used to verify the Data Sender's
// broadcast/unicast routing (spec.md §8 invariant 6: "spying on a fake
// factory").
type StaticFactory struct {
	Messages []WireMessage
	Calls    []StaticCall
}

// StaticCall records one PackMessages invocation.
type StaticCall struct {
	MessageTypes []string
	Subscription model.Subscription
}

func (f *StaticFactory) PackMessages(
	messageTypes []string,
	frame *model.TrackedFrame,
	sub model.Subscription,
	sendValidTransformsOnly bool,
	repo TransformRepository,
) ([]WireMessage, error) {
	f.Calls = append(f.Calls, StaticCall{MessageTypes: messageTypes, Subscription: sub})
	return f.Messages, nil
}
