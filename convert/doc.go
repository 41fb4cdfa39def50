// Package convert maps native Go values to wire-safe primitives and back.
//
// Every synchronized value travels as a [Value]: null, boolean, number or
// string. A [Converter] turns one Go type into a Value and back; converters
// are produced by a [Factory] selected by the [Registry] for a reflect.Type.
//
// Factories are keyed by a [TypeID], which is the language independent name
// of the converter exchanged in class descriptors. A factory reports how
// specifically it matches a type so that an exact match (time.Time) beats a
// kind match (any named int64) which beats an interface match
// (encoding.TextMarshaler).
//
// # Usage
//
//	reg := convert.NewRegistry(convert.Builtins()...)
//	c, err := reg.Converter(reflect.TypeFor[time.Time]())
//	v, err := c.ToRemote(time.Now())
//	back, err := c.FromRemote(v)
//
// # Related Packages
//
//   - github.com/signadot/beansync/beans - binds converters to bean properties
//   - github.com/signadot/beansync/command - carries Values on the wire
package convert
