package sagalock

import "fmt"

// HeaderMessageType is the header carrying the logical message type.
const HeaderMessageType = "msg-type"

// Message is an incoming message as seen by the gate. Headers and Body come from
// the transport after deserialization.
type Message struct {
	Headers map[string]string
	Body    any
}

// Type returns the logical message type: the HeaderMessageType header when set,
// otherwise the Go type of the body.
func (m *Message) Type() string {
	if m == nil {
		return ""
	}
	if t := m.Headers[HeaderMessageType]; t != "" {
		return t
	}
	if m.Body == nil {
		return ""
	}
	return fmt.Sprintf("%T", m.Body)
}

// Header returns the named header and whether it was present.
func (m *Message) Header(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.Headers[name]
	return v, ok
}

// HandlerBinding is one handler the dispatcher will invoke for a message.
type HandlerBinding interface {
	// HasSaga reports whether the handler is bound to a saga.
	HasSaga() bool

	// SagaType names the saga data type. Only meaningful when HasSaga is true.
	SagaType() string
}

// Binding is a plain HandlerBinding. An empty Saga means the handler is not saga-bound.
type Binding struct {
	Handler string
	Saga    string
}

// HasSaga reports whether the handler is bound to a saga.
func (b Binding) HasSaga() bool { return b.Saga != "" }

// SagaType returns the saga type the handler is bound to, or "" when unbound.
func (b Binding) SagaType() string { return b.Saga }

// CorrelationProperty links a message to one saga instance.
type CorrelationProperty interface {
	// PropertyName names the saga property the value is matched against.
	PropertyName() string

	// ValueFromMessage extracts the correlation value. ok is false when the
	// message carries no value for this property.
	ValueFromMessage(msg *Message) (value any, ok bool)
}

// CorrelationConfig supplies the correlation properties of each saga type.
type CorrelationConfig interface {
	// CorrelationProperties returns the properties of sagaType that apply to msg's type.
	CorrelationProperties(sagaType string, msg *Message) []CorrelationProperty
}
