// Package domain defines the core domain types and interfaces of the relay.
//
// Concept-oriented files (device.go, price.go, event.go, message.go) hold shared
// value types and the contracts between components. No implementation code beyond
// small value helpers; interfaces live here to keep the component packages free of
// circular imports.
package domain
