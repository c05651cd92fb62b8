package fsm

import "fmt"

// FatalConfigurationError reports a graph that cannot be run: a missing
// edge, an unknown round or a colliding round id. It is never recovered.
type FatalConfigurationError struct {
	App string
	Msg string
}

func (e *FatalConfigurationError) Error() string {
	return fmt.Sprintf("fatal configuration error in %s: %s", e.App, e.Msg)
}

func configErrorf(app, format string, args ...any) error {
	return &FatalConfigurationError{App: app, Msg: fmt.Sprintf(format, args...)}
}
