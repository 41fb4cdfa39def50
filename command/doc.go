// Package command defines the closed vocabulary of remoting commands and
// their JSON encoding.
//
// Every command is a JSON object whose "id" key names the variant:
//
//	{"id":"ValueChanged","beanId":"01J...","propertyName":"bar","value":"hello"}
//
// A request or response body is a JSON array of commands. Decoding checks
// the presence and primitive kind of every required field before a command
// is built, so a decoded command is never partially populated.
package command
