// Package metadata is a small key/value store in the local database. It
// holds device-scoped values such as the OpenRosa device id.
package metadata
