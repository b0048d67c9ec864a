package protocol

import (
	"encoding/json"
	"fmt"
)

// Message discriminants sent by the host.
const (
	KindSetState          = "set-state"
	KindSetLanguage       = "set-language"
	KindUploadResult      = "upload-result"
	KindCommunicationPort = "communication-port"
)

// Outbound is a message from the host to a plugin.
type Outbound interface {
	json.Marshaler
	Kind() string
}

// SetState asks the plugin to render State.
type SetState struct {
	State IframeState
}

func (SetState) Kind() string { return KindSetState }

func (m SetState) MarshalJSON() ([]byte, error) {
	w, err := m.State.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Message         string `json:"message"`
		ProtocolVersion int    `json:"protocol_version"`
		stateWire
	}{KindSetState, Version, w})
}

// SetLanguage tells the plugin which UI language to use.
type SetLanguage struct {
	Language string
}

func (SetLanguage) Kind() string { return KindSetLanguage }

func (m SetLanguage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Message         string `json:"message"`
		ProtocolVersion int    `json:"protocol_version"`
		Data            string `json:"data"`
	}{KindSetLanguage, Version, m.Language})
}

// UploadResult answers an upload-files request on its reply port. On success
// URLs maps every uploaded file name to where it can be fetched.
type UploadResult struct {
	Success bool
	URLs    map[string]string
	Error   string
}

func (UploadResult) Kind() string { return KindUploadResult }

func (m UploadResult) MarshalJSON() ([]byte, error) {
	if m.Success {
		urls := m.URLs
		if urls == nil {
			urls = map[string]string{}
		}
		return json.Marshal(struct {
			Message         string            `json:"message"`
			ProtocolVersion int               `json:"protocol_version"`
			Success         bool              `json:"success"`
			URLs            map[string]string `json:"urls"`
		}{KindUploadResult, Version, true, urls})
	}
	return json.Marshal(struct {
		Message         string `json:"message"`
		ProtocolVersion int    `json:"protocol_version"`
		Success         bool   `json:"success"`
		Error           string `json:"error"`
	}{KindUploadResult, Version, false, m.Error})
}

// CommunicationPort acknowledges a plugin's ready message. Everything after it
// travels over the established channel.
type CommunicationPort struct{}

func (CommunicationPort) Kind() string { return KindCommunicationPort }

func (CommunicationPort) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Message         string `json:"message"`
		ProtocolVersion int    `json:"protocol_version"`
	}{KindCommunicationPort, Version})
}

// ParseOutbound decodes a host message on the plugin side.
func ParseOutbound(b []byte) (Outbound, error) {
	env, kind, err := envelope(b)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindSetState:
		var s IframeState
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, err
		}
		return SetState{State: s}, nil
	case KindSetLanguage:
		lang, err := stringField(env, "data")
		if err != nil {
			return nil, err
		}
		return SetLanguage{Language: lang}, nil
	case KindUploadResult:
		var raw struct {
			Success *bool             `json:"success"`
			URLs    map[string]string `json:"urls"`
			Error   *string           `json:"error"`
		}
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch {
		case raw.Success == nil:
			return nil, fmt.Errorf("%w: upload-result without success", ErrMalformed)
		case *raw.Success && raw.URLs == nil:
			return nil, fmt.Errorf("%w: successful upload-result without urls", ErrMalformed)
		case !*raw.Success && raw.Error == nil:
			return nil, fmt.Errorf("%w: failed upload-result without error", ErrMalformed)
		}
		res := UploadResult{Success: *raw.Success, URLs: raw.URLs}
		if raw.Error != nil {
			res.Error = *raw.Error
		}
		return res, nil
	case KindCommunicationPort:
		return CommunicationPort{}, nil
	}
	return nil, fmt.Errorf("%w: unsupported host message %q", ErrMalformed, kind)
}
