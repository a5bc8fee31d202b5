package models

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	json "github.com/goccy/go-json"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindEmpty Kind = iota
	KindText
	KindFlag
	KindChoice
	KindImageRef
)

var kindNames = map[Kind]string{
	KindEmpty:    "empty",
	KindText:     "text",
	KindFlag:     "flag",
	KindChoice:   "choice",
	KindImageRef: "image",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

const defaultImagePrefix = "data:image/jpeg;base64,"

// Value is a field response. The zero value is Empty.
type Value struct {
	kind Kind
	text string
	flag bool
}

// Empty returns the empty value.
func Empty() Value { return Value{} }

// Text returns a free-text value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Flag returns a boolean value (checkbox, pass/fail).
func Flag(b bool) Value { return Value{kind: KindFlag, flag: b} }

// Choice returns a selected dropdown option.
func Choice(s string) Value { return Value{kind: KindChoice, text: s} }

// ImageRef returns an encoded image reference, either a data URI or a bare
// base64 payload.
func ImageRef(s string) Value { return Value{kind: KindImageRef, text: s} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports whether v holds no response.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

// Str returns the string payload of Text, Choice and ImageRef values.
func (v Value) Str() string { return v.text }

// Bool returns the payload of a Flag value.
func (v Value) Bool() bool { return v.flag }

// Wire returns the string sent to the server for this value. Every response
// goes over the wire as a string regardless of variant.
func (v Value) Wire() string {
	switch v.kind {
	case KindText, KindChoice:
		return v.text
	case KindFlag:
		if v.flag {
			return "true"
		}
		return "false"
	case KindImageRef:
		if v.text == "" || strings.HasPrefix(v.text, "data:") {
			return v.text
		}
		return defaultImagePrefix + v.text
	default:
		return ""
	}
}

// String is a short human form, used by the CLI.
func (v Value) String() string {
	switch v.kind {
	case KindEmpty:
		return "(empty)"
	case KindImageRef:
		return fmt.Sprintf("<image %d bytes>", len(v.text))
	default:
		return v.Wire()
	}
}

// Equal reports whether two values hold the same variant and payload.
func (v Value) Equal(o Value) bool {
	return v == o
}

type valueJSON struct {
	Kind  string `json:"kind"`
	Value any    `json:"value,omitempty"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Kind: v.kind.String()}
	switch v.kind {
	case KindText, KindChoice, KindImageRef:
		out.Value = v.text
	case KindFlag:
		out.Value = v.flag
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind  string          `json:"kind"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case "", "empty":
		*v = Empty()
		return nil
	case "flag":
		var b bool
		if err := json.Unmarshal(raw.Value, &b); err != nil {
			return fmt.Errorf("flag value: %w", err)
		}
		*v = Flag(b)
		return nil
	}
	var s string
	if len(raw.Value) > 0 {
		if err := json.Unmarshal(raw.Value, &s); err != nil {
			return fmt.Errorf("%s value: %w", raw.Kind, err)
		}
	}
	switch raw.Kind {
	case "text":
		*v = Text(s)
	case "choice":
		*v = Choice(s)
	case "image":
		*v = ImageRef(s)
	default:
		return fmt.Errorf("unknown value kind %q", raw.Kind)
	}
	return nil
}

// Errors returned by ParseValue.
var (
	ErrNotInput      = errors.New("field does not take a response")
	ErrInvalidFlag   = errors.New("expected true/false, yes/no or pass/fail")
	ErrInvalidOption = errors.New("not one of the field options")
)

// ParseValue converts raw text into a value of the variant the field's input
// type expects. An empty raw string yields Empty for every input type.
func ParseValue(f Field, raw string) (Value, error) {
	if !f.InputType.IsInput() {
		return Value{}, ErrNotInput
	}
	if raw == "" {
		return Empty(), nil
	}
	switch f.InputType {
	case InputTextBox:
		return Text(raw), nil
	case InputDropDown:
		if len(f.Options) > 0 && !slices.Contains(f.Options, raw) {
			return Value{}, fmt.Errorf("%q: %w (%s)", raw, ErrInvalidOption, strings.Join(f.Options, ", "))
		}
		return Choice(raw), nil
	case InputCheckBox, InputPassFail:
		b, err := parseFlag(raw)
		if err != nil {
			return Value{}, fmt.Errorf("%q: %w", raw, err)
		}
		return Flag(b), nil
	case InputCaptureImage:
		return ImageRef(raw), nil
	}
	return Value{}, ErrNotInput
}

func parseFlag(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "y", "1", "pass", "checked", "on":
		return true, nil
	case "false", "no", "n", "0", "fail", "unchecked", "off":
		return false, nil
	}
	return false, ErrInvalidFlag
}

// ImageDataURI encodes raw image bytes as a data URI, sniffing the media type.
func ImageDataURI(data []byte) string {
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
