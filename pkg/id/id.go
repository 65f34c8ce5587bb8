// Package id provides ID generation helpers used across the engine.
package id

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 21

const (
	PrefixMessage = "msg"
	PrefixStream  = "stream"
	PrefixSession = "sess"
	PrefixRequest = "req"
)

func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewMessage() string { return New(PrefixMessage) }
func NewStream() string  { return New(PrefixStream) }
func NewSession() string { return New(PrefixSession) }
func NewRequest() string { return New(PrefixRequest) }
