// Package correlation provides a registry-based sagalock.CorrelationConfig.
//
//	reg := correlation.NewRegistry()
//	_ = reg.Correlate("OrderSaga", "OrderPlaced", "OrderId", correlation.Field("OrderId"))
//	_ = reg.Correlate("OrderSaga", "PaymentReceived", "OrderId", correlation.Header("order-id"))
package correlation

import (
	"errors"
	"slices"
	"sync"

	"github.com/dcbickfo/sagalock"
)

// AnyMessageType registers a property for every message type.
const AnyMessageType = "*"

// Registry maps saga types and message types to correlation properties.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	sagas map[string]map[string][]sagalock.CorrelationProperty
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sagas: make(map[string]map[string][]sagalock.CorrelationProperty)}
}

// Correlate registers that messages of messageType correlate with sagaType
// through propertyName, using extract to read the value.
func (r *Registry) Correlate(sagaType, messageType, propertyName string, extract Extractor) error {
	switch {
	case sagaType == "":
		return errors.New("saga type must not be empty")
	case messageType == "":
		return errors.New("message type must not be empty")
	case propertyName == "":
		return errors.New("property name must not be empty")
	case extract == nil:
		return errors.New("extractor must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byType, ok := r.sagas[sagaType]
	if !ok {
		byType = make(map[string][]sagalock.CorrelationProperty)
		r.sagas[sagaType] = byType
	}
	byType[messageType] = append(byType[messageType], property{name: propertyName, extract: extract})
	return nil
}

// CorrelationProperties implements sagalock.CorrelationConfig. Properties registered
// for the exact message type come first, then those registered for AnyMessageType.
func (r *Registry) CorrelationProperties(sagaType string, msg *sagalock.Message) []sagalock.CorrelationProperty {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byType := r.sagas[sagaType]
	if byType == nil {
		return nil
	}

	exact := byType[msg.Type()]
	wildcard := byType[AnyMessageType]
	if len(wildcard) == 0 {
		return slices.Clone(exact)
	}
	out := make([]sagalock.CorrelationProperty, 0, len(exact)+len(wildcard))
	out = append(out, exact...)
	return append(out, wildcard...)
}

type property struct {
	name    string
	extract Extractor
}

func (p property) PropertyName() string { return p.name }

func (p property) ValueFromMessage(msg *sagalock.Message) (any, bool) {
	return p.extract.Extract(msg)
}
