// Package reqcontext holds per-request diagnostic metadata and propagates it
// along a request flow through context.Context. Values are stored as strings
// so that the full field set can be installed into the ambient diagnostic
// store consumed by the logging hook.
//
// A Context is effectively immutable once published: every setter returns a
// new Context and never touches the receiver, so references captured earlier
// in the flow keep observing the state they captured.
package reqcontext

import (
	"context"
	"strconv"
)

// Reserved field keys. Arbitrary additional keys are permitted; no key
// format is enforced.
const (
	FieldTransactionID = "trans"
	FieldCorrelator    = "corr"
	FieldOperation     = "op"
	FieldService       = "svc"
	FieldComponent     = "comp"
	FieldUser          = "user"
	FieldRealm         = "realm"
	FieldAlarm         = "alarm"
)

// Context is an immutable record of diagnostic fields for one request flow.
// The zero value and the nil pointer both behave as an empty context.
type Context struct {
	fields map[string]string
}

// New returns an empty Context.
func New() *Context {
	return &Context{}
}

// Set returns a copy of the context with key set to value.
func (c *Context) Set(key, value string) *Context {
	var size int
	if c != nil {
		size = len(c.fields)
	}
	fields := make(map[string]string, size+1)
	if c != nil {
		for k, v := range c.fields {
			fields[k] = v
		}
	}
	fields[key] = value
	return &Context{fields: fields}
}

// Get returns the value for key, or false when the key is unset.
func (c *Context) Get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	value, ok := c.fields[key]
	return value, ok
}

// SetInt stores an integer value serialized as its decimal string.
func (c *Context) SetInt(key string, value int64) *Context {
	return c.Set(key, strconv.FormatInt(value, 10))
}

// GetInt parses the value for key as an integer. It returns false when the
// key is unset or the stored value is not numeric.
func (c *Context) GetInt(key string) (int64, bool) {
	raw, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// SetBool stores a boolean value serialized as "true" or "false".
func (c *Context) SetBool(key string, value bool) *Context {
	return c.Set(key, strconv.FormatBool(value))
}

// GetBool parses the value for key as a boolean. It returns false when the
// key is unset or the stored value is not a boolean literal.
func (c *Context) GetBool(key string) (bool, bool) {
	raw, ok := c.Get(key)
	if !ok {
		return false, false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return value, true
}

// SetTransactionID sets the per-request transaction id.
func (c *Context) SetTransactionID(transactionID string) *Context {
	return c.Set(FieldTransactionID, transactionID)
}

// TransactionID returns the transaction id or an empty string.
func (c *Context) TransactionID() string {
	value, _ := c.Get(FieldTransactionID)
	return value
}

// SetCorrelator sets the end-to-end correlator.
func (c *Context) SetCorrelator(correlator string) *Context {
	return c.Set(FieldCorrelator, correlator)
}

// Correlator returns the correlator or an empty string.
func (c *Context) Correlator() string {
	value, _ := c.Get(FieldCorrelator)
	return value
}

// SetOperation sets the logical operation name.
func (c *Context) SetOperation(operation string) *Context {
	return c.Set(FieldOperation, operation)
}

// Operation returns the operation name or an empty string.
func (c *Context) Operation() string {
	value, _ := c.Get(FieldOperation)
	return value
}

// SetService sets the service name.
func (c *Context) SetService(service string) *Context {
	return c.Set(FieldService, service)
}

// Service returns the service name or an empty string.
func (c *Context) Service() string {
	value, _ := c.Get(FieldService)
	return value
}

// SetComponent sets the component name.
func (c *Context) SetComponent(component string) *Context {
	return c.Set(FieldComponent, component)
}

// Component returns the component name or an empty string.
func (c *Context) Component() string {
	value, _ := c.Get(FieldComponent)
	return value
}

// SetUser sets the authenticated user.
func (c *Context) SetUser(user string) *Context {
	return c.Set(FieldUser, user)
}

// User returns the user or an empty string.
func (c *Context) User() string {
	value, _ := c.Get(FieldUser)
	return value
}

// SetRealm sets the authentication realm.
func (c *Context) SetRealm(realm string) *Context {
	return c.Set(FieldRealm, realm)
}

// Realm returns the realm or an empty string.
func (c *Context) Realm() string {
	value, _ := c.Get(FieldRealm)
	return value
}

// SetAlarm sets the alarm identifier for operational alerting.
func (c *Context) SetAlarm(alarm string) *Context {
	return c.Set(FieldAlarm, alarm)
}

// Alarm returns the alarm identifier or an empty string.
func (c *Context) Alarm() string {
	value, _ := c.Get(FieldAlarm)
	return value
}

// Map exports all fields as a fresh map, suitable for installation into the
// diagnostic store.
func (c *Context) Map() map[string]string {
	if c == nil {
		return map[string]string{}
	}
	fields := make(map[string]string, len(c.fields))
	for k, v := range c.fields {
		fields[k] = v
	}
	return fields
}

type carrierKey struct{}

// With attaches rc to ctx. Code holding the returned context, and anything
// derived from it, observes rc; code holding the original context keeps
// observing whatever was attached before.
func With(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, carrierKey{}, rc)
}

// FromContext returns the nearest attached Context, or an empty one when
// nothing was attached upstream.
func FromContext(ctx context.Context) *Context {
	if ctx == nil {
		return New()
	}
	if rc, ok := ctx.Value(carrierKey{}).(*Context); ok && rc != nil {
		return rc
	}
	return New()
}
