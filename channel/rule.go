package channel

import (
	"reflect"
	"sort"

	"github.com/progrium/qbridge/protocol"
	"github.com/progrium/qbridge/router"
)

// Restriction is a condition on an open request. A nil Value only requires
// the key to be present; otherwise the value must match exactly.
type Restriction struct {
	Key   string
	Value interface{}
}

// Present requires key to be present with any value.
func Present(key string) Restriction {
	return Restriction{Key: key}
}

// Equals requires key to have value v.
func Equals(key string, v interface{}) Restriction {
	return Restriction{Key: key, Value: v}
}

// Type describes a concrete channel implementation for routing.
type Type struct {
	// Payload is the payload type the implementation handles.
	Payload      string
	Restrictions []Restriction
	// Capabilities are advertised to the peer in the init handshake.
	Capabilities []string
	// New returns a fresh Behavior for each opened channel.
	New    func() Behavior
	Config Config
}

// RoutingRule routes open requests to the most specific matching Type.
// The table is built once and never modified, so a RoutingRule may be
// shared by any number of routers.
type RoutingRule struct {
	table map[string][]Type
}

var _ router.Rule = (*RoutingRule)(nil)

// NewRoutingRule buckets types by payload. Within a bucket, types with
// more restrictions are considered first; ties keep registration order.
func NewRoutingRule(types ...Type) *RoutingRule {
	table := make(map[string][]Type)
	for _, t := range types {
		table[t.Payload] = append(table[t.Payload], t)
	}
	for _, entry := range table {
		sort.SliceStable(entry, func(i, j int) bool {
			return len(entry[i].Restrictions) > len(entry[j].Restrictions)
		})
	}
	return &RoutingRule{table: table}
}

// Capabilities returns, per payload, the capabilities of each candidate in
// the order they are considered.
func (rr *RoutingRule) Capabilities() map[string][]string {
	result := make(map[string][]string, len(rr.table))
	for payload, impls := range rr.table {
		caps := []string{}
		for _, impl := range impls {
			caps = append(caps, impl.Capabilities...)
		}
		result[payload] = caps
	}
	return result
}

// Match returns the first Type for the requested payload whose
// restrictions are all satisfied by options.
func (rr *RoutingRule) Match(options protocol.Object) (Type, bool) {
	payload, ok := options["payload"].(string)
	if !ok {
		return Type{}, false
	}
	for _, t := range rr.table[payload] {
		if checkRestrictions(t.Restrictions, options) {
			return t, true
		}
	}
	return Type{}, false
}

// Apply constructs a Channel for the matched Type, or returns nil.
func (rr *RoutingRule) Apply(r *router.Router, options protocol.Object) router.Endpoint {
	t, ok := rr.Match(options)
	if !ok {
		return nil
	}
	return New(r, t.New(), t.Config)
}

// Shutdown does nothing: the rule holds no per-connection state.
func (rr *RoutingRule) Shutdown() {}

func checkRestrictions(restrictions []Restriction, options protocol.Object) bool {
	for _, r := range restrictions {
		// a required value that is missing (or null) fails the match
		if !options.Has(r.Key) {
			return false
		}
		if r.Value != nil && !equalValue(options[r.Key], r.Value) {
			return false
		}
	}
	return true
}

// equalValue compares decoded values, treating all numbers alike.
func equalValue(a, b interface{}) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
