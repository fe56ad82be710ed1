package xrelay

// Router is the Strategy deciding where a message goes. The boolean queries
// drive delivery; ReceivedFromLocal and ReceivedFromRemote are bookkeeping
// hooks that may adjust routing fields but never correlation IDs.
type Router interface {
	ForwardToLocal(msg *Message) bool
	ForwardToGlobal(msg *Message) bool
	ShouldReceive(msg *Message, reg *Registration) bool
	ShouldSend(msg *Message, conn Connection) bool
	ReceivedFromLocal(msg *Message)
	ReceivedFromRemote(msg *Message, conn Connection)
}

// DefaultRouter delivers requests to matching local registrations and sends
// global messages to every healthy connection. Messages that arrived from a
// remote connection are never sent back out.
type DefaultRouter struct{}

var _ Router = DefaultRouter{}

func (DefaultRouter) ForwardToLocal(msg *Message) bool { return !msg.IsResponse() }

func (DefaultRouter) ForwardToGlobal(msg *Message) bool { return msg.ToGlobal && !msg.FromGlobal }

func (DefaultRouter) ShouldReceive(msg *Message, reg *Registration) bool {
	return reg.Matches(msg.Address)
}

func (DefaultRouter) ShouldSend(_ *Message, conn Connection) bool { return !conn.IsBroken() }

func (DefaultRouter) ReceivedFromLocal(*Message) {}

func (DefaultRouter) ReceivedFromRemote(*Message, Connection) {}
