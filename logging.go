package tpcengine

import (
	"github.com/joeycumines/logiface"
)

// Logger is the structured logger type used throughout the engine. It is
// the type-erased logiface logger; plug in any backend (stumpy, zerolog,
// slog adapters, ...) and call .Logger() to obtain this form.
//
// A nil *Logger is valid and disables logging: logiface builders no-op on
// a nil receiver, so log sites need no nil checks.
type Logger = logiface.Logger[logiface.Event]
