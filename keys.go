package sagalock

import "fmt"

// CorrelationLockKey is the logical identity of one saga instance as seen by a message.
type CorrelationLockKey struct {
	SagaType string
	Property string
	Value    string
}

// String returns the canonical form hashed into a bucket: "SagaType|Property|Value".
func (k CorrelationLockKey) String() string {
	return k.SagaType + "|" + k.Property + "|" + k.Value
}

// DeriveKeys returns one key per (saga, correlation property) pair whose value can be
// extracted from msg. It returns nil without consulting cfg when no binding is saga-bound.
func DeriveKeys(cfg CorrelationConfig, bindings []HandlerBinding, msg *Message) []CorrelationLockKey {
	var keys []CorrelationLockKey
	for _, b := range bindings {
		if b == nil || !b.HasSaga() {
			continue
		}
		sagaType := b.SagaType()
		for _, prop := range cfg.CorrelationProperties(sagaType, msg) {
			value, ok := prop.ValueFromMessage(msg)
			if !ok || value == nil {
				continue
			}
			keys = append(keys, CorrelationLockKey{
				SagaType: sagaType,
				Property: prop.PropertyName(),
				Value:    fmt.Sprint(value),
			})
		}
	}
	return keys
}

// hasSagaBinding reports whether any binding is saga-bound.
func hasSagaBinding(bindings []HandlerBinding) bool {
	for _, b := range bindings {
		if b != nil && b.HasSaga() {
			return true
		}
	}
	return false
}
