// Package beans holds the managed object graph of one session.
//
// A bean is a struct that embeds [Bean] and declares its synchronized state
// as [Property] and [List] fields:
//
//	type Person struct {
//	    beans.Bean
//	    Name    beans.Property[string]
//	    Friends beans.List[*Person] `bean:"friends"`
//	}
//
// The class is registered once under a wire name with [Register]. A
// [Repository] creates instances, assigns ids and reports every change to
// its [Observer] together with the [Source] of the change, so that changes
// applied from the remote side are never sent back.
//
// Class metadata is built once per Go type by a [ClassRepository] and is
// immutable afterwards.
package beans
