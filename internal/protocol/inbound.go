package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
)

// Message discriminants sent by a plugin.
const (
	KindReady          = "ready"
	KindCurrentState   = "current-state"
	KindSetFileUploads = "set-file-uploads"
	KindUploadFiles    = "upload-files"
	KindHeightChanged  = "height-changed"
	KindOpenLink       = "open-link"
)

// Inbound is a validated message from a plugin. The set of implementations is
// closed; handle them with Accept and a Visitor.
type Inbound interface {
	json.Marshaler
	Kind() string
	Accept(v Visitor)
	inbound()
}

// Visitor has one method per inbound message. Adding a message adds a method
// here, which breaks every handler until it deals with the new message.
type Visitor interface {
	VisitCurrentState(CurrentState)
	VisitSetFileUploads(SetFileUploads)
	VisitUploadFiles(UploadFiles)
	VisitHeightChanged(HeightChanged)
	VisitOpenLink(OpenLink)
}

// Ready is the plugin's handshake. It is only valid before the channel is established.
type Ready struct{}

func (Ready) MarshalJSON() ([]byte, error) {
	return marshalKind(KindReady, nil)
}

// CurrentState is the plugin's current answer and whether it can be submitted.
type CurrentState struct {
	Valid bool
	Data  json.RawMessage
}

func (CurrentState) Kind() string       { return KindCurrentState }
func (m CurrentState) Accept(v Visitor) { v.VisitCurrentState(m) }
func (CurrentState) inbound()           {}

func (m CurrentState) MarshalJSON() ([]byte, error) {
	data := m.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return marshalKind(KindCurrentState, map[string]any{"valid": m.Valid, "data": data})
}

// SetFileUploads hands the host files the plugin wants attached to the next submit.
type SetFileUploads struct {
	Files map[string][]byte
}

func (SetFileUploads) Kind() string       { return KindSetFileUploads }
func (m SetFileUploads) Accept(v Visitor) { v.VisitSetFileUploads(m) }
func (SetFileUploads) inbound()           {}

func (m SetFileUploads) MarshalJSON() ([]byte, error) {
	return marshalKind(KindSetFileUploads, map[string]any{"files": m.Files})
}

// UploadFiles asks the host to persist files now. The answer is an
// UploadResult posted on ReplyPort, not on the primary channel.
type UploadFiles struct {
	Files     map[string][]byte
	ReplyPort string
}

func (UploadFiles) Kind() string       { return KindUploadFiles }
func (m UploadFiles) Accept(v Visitor) { v.VisitUploadFiles(m) }
func (UploadFiles) inbound()           {}

func (m UploadFiles) MarshalJSON() ([]byte, error) {
	return marshalKind(KindUploadFiles, map[string]any{"files": m.Files, "reply_port": m.ReplyPort})
}

// HeightChanged reports the plugin's rendered height in pixels.
type HeightChanged struct {
	Height float64
}

func (HeightChanged) Kind() string       { return KindHeightChanged }
func (m HeightChanged) Accept(v Visitor) { v.VisitHeightChanged(m) }
func (HeightChanged) inbound()           {}

func (m HeightChanged) MarshalJSON() ([]byte, error) {
	return marshalKind(KindHeightChanged, map[string]any{"data": m.Height})
}

// OpenLink asks the host to open an absolute http(s) URL outside the frame.
type OpenLink struct {
	URL string
}

func (OpenLink) Kind() string       { return KindOpenLink }
func (m OpenLink) Accept(v Visitor) { v.VisitOpenLink(m) }
func (OpenLink) inbound()           {}

func (m OpenLink) MarshalJSON() ([]byte, error) {
	return marshalKind(KindOpenLink, map[string]any{"data": m.URL})
}

func marshalKind(kind string, fields map[string]any) ([]byte, error) {
	out := map[string]any{"message": kind, "protocol_version": Version}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// ParseHandshake accepts only a ready message.
func ParseHandshake(b []byte) error {
	_, kind, err := envelope(b)
	if err != nil {
		return err
	}
	if kind != KindReady {
		return fmt.Errorf("%w: expected %q, got %q", ErrMalformed, KindReady, kind)
	}
	return nil
}

// ParseInbound validates a plugin message against the guard for its
// discriminant. Nothing from the plugin is trusted before this succeeds.
func ParseInbound(b []byte) (Inbound, error) {
	env, kind, err := envelope(b)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindCurrentState:
		var valid bool
		if err := requireField(env, "valid", &valid); err != nil {
			return nil, err
		}
		data, ok := env["data"]
		if !ok {
			return nil, fmt.Errorf("%w: current-state without data", ErrMalformed)
		}
		return CurrentState{Valid: valid, Data: data}, nil
	case KindSetFileUploads:
		files, err := filesField(env)
		if err != nil {
			return nil, err
		}
		return SetFileUploads{Files: files}, nil
	case KindUploadFiles:
		files, err := filesField(env)
		if err != nil {
			return nil, err
		}
		port, err := stringField(env, "reply_port")
		if err != nil {
			return nil, err
		}
		if port == "" {
			return nil, fmt.Errorf("%w: upload-files without reply_port", ErrMalformed)
		}
		return UploadFiles{Files: files, ReplyPort: port}, nil
	case KindHeightChanged:
		var h float64
		if err := requireField(env, "data", &h); err != nil {
			return nil, err
		}
		if h < 0 || math.IsNaN(h) || math.IsInf(h, 0) {
			return nil, fmt.Errorf("%w: height %v out of range", ErrMalformed, h)
		}
		return HeightChanged{Height: h}, nil
	case KindOpenLink:
		raw, err := stringField(env, "data")
		if err != nil {
			return nil, err
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: open-link needs an absolute http(s) url", ErrMalformed)
		}
		return OpenLink{URL: u.String()}, nil
	}
	return nil, fmt.Errorf("%w: unsupported message %q", ErrMalformed, kind)
}

// envelope decodes the top-level object and checks the discriminant and version.
func envelope(b []byte) (map[string]json.RawMessage, string, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env == nil {
		return nil, "", fmt.Errorf("%w: not an object", ErrMalformed)
	}
	kind, err := stringField(env, "message")
	if err != nil {
		return nil, "", err
	}
	if raw, ok := env["protocol_version"]; ok {
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, "", fmt.Errorf("%w: protocol_version: %v", ErrMalformed, err)
		}
		if v > Version {
			return nil, "", fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
		}
	}
	return env, kind, nil
}

func requireField(env map[string]json.RawMessage, name string, v any) error {
	raw, ok := env[name]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("%w: missing %q", ErrMalformed, name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: field %q: %v", ErrMalformed, name, err)
	}
	return nil
}

func stringField(env map[string]json.RawMessage, name string) (string, error) {
	var s string
	if err := requireField(env, name, &s); err != nil {
		return "", err
	}
	return s, nil
}

// filesField decodes a name to base64 content map.
func filesField(env map[string]json.RawMessage) (map[string][]byte, error) {
	var files map[string][]byte
	if err := requireField(env, "files", &files); err != nil {
		return nil, err
	}
	for name := range files {
		if name == "" {
			return nil, fmt.Errorf("%w: file with empty name", ErrMalformed)
		}
	}
	return files, nil
}
