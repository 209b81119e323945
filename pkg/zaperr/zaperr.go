// Copyright 2024 coScene
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package zaperr implements a structured error that carries contextual
// key/value fields alongside the cause that triggered it, so a single
// return value is both a regular `error` (unwrappable via errors.Is/As,
// same convention as uploader.ConnectionError) and a zap ObjectMarshaler
// the materializer's log calls can encode without re-flattening fields.
package zaperr

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FieldError is the structured error type. Callers build one with Errorw
// and return it directly; the "error" field, if present, becomes Err.
type FieldError struct {
	Msg    string
	Fields []interface{}
	Err    error
}

func (fe *FieldError) Error() string {
	if fe.Err == nil {
		return fe.Msg
	}
	return fe.Msg + ": " + fe.Err.Error()
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (fe *FieldError) Unwrap() error { return fe.Err }

// MarshalLogObject encodes Msg, Err, and every context field as its own
// zap field, so logging a FieldError needs no field-by-field plumbing at
// the call site.
func (fe *FieldError) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("msg", fe.Msg)
	if fe.Err != nil {
		enc.AddString("error", fe.Err.Error())
	}
	for i := 0; i+1 < len(fe.Fields); i += 2 {
		key, ok := fe.Fields[i].(string)
		if !ok {
			continue
		}
		zap.Any(key, fe.Fields[i+1]).AddTo(enc)
	}
	return nil
}

// Errorw builds a FieldError from msg plus alternating key/value context
// pairs. A pair keyed "error" whose value implements error is pulled out
// as Err instead of being kept as a plain field, so the result satisfies
// errors.Unwrap without the caller repeating itself.
func Errorw(msg string, kv ...interface{}) *FieldError {
	fe := &FieldError{Msg: msg}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok && key == "error" {
			if err, ok := kv[i+1].(error); ok {
				fe.Err = err
				continue
			}
		}
		fe.Fields = append(fe.Fields, kv[i], kv[i+1])
	}
	return fe
}
