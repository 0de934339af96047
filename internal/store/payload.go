// ABOUTME: Closed payload variant carried by messages (text, image, video)
// ABOUTME: JSON envelope encoding with a type discriminator

package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadType discriminates the payload variants
type PayloadType string

const (
	PayloadTypeText  PayloadType = "text"
	PayloadTypeImage PayloadType = "image"
	PayloadTypeVideo PayloadType = "video"
)

// ErrUnknownPayload is returned when decoding an unrecognized payload type
var ErrUnknownPayload = errors.New("unknown payload type")

// Payload is implemented only by TextPayload, ImagePayload and VideoPayload.
type Payload interface {
	Type() PayloadType
	isPayload()
}

// TextPayload is a plain text message
type TextPayload struct {
	Content string `json:"content"`
}

// ImagePayload references an image with an optional caption
type ImagePayload struct {
	URL     string  `json:"url"`
	Caption *string `json:"caption,omitempty"`
}

// VideoPayload references a video and its length
type VideoPayload struct {
	URL             string `json:"url"`
	DurationSeconds uint32 `json:"duration_seconds"`
}

func (TextPayload) Type() PayloadType  { return PayloadTypeText }
func (ImagePayload) Type() PayloadType { return PayloadTypeImage }
func (VideoPayload) Type() PayloadType { return PayloadTypeVideo }

func (TextPayload) isPayload()  {}
func (ImagePayload) isPayload() {}
func (VideoPayload) isPayload() {}

type payloadEnvelope struct {
	Type PayloadType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NormalizePayload returns p as one of the value variants. Pointers to a
// variant are dereferenced so every backend stores and delivers the same
// shape; a nil payload or nil pointer is an error.
func NormalizePayload(p Payload) (Payload, error) {
	switch v := p.(type) {
	case TextPayload, ImagePayload, VideoPayload:
		return v, nil
	case *TextPayload:
		if v != nil {
			return *v, nil
		}
	case *ImagePayload:
		if v != nil {
			return *v, nil
		}
	case *VideoPayload:
		if v != nil {
			return *v, nil
		}
	}
	return nil, errors.New("payload is required")
}

// MarshalPayload encodes p as {"type": ..., "data": {...}}.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Type(), err)
	}
	return json.Marshal(payloadEnvelope{Type: p.Type(), Data: data})
}

// UnmarshalPayload decodes an envelope produced by MarshalPayload.
func UnmarshalPayload(raw []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding payload envelope: %w", err)
	}

	switch env.Type {
	case PayloadTypeText:
		var p TextPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decoding text payload: %w", err)
		}
		return p, nil
	case PayloadTypeImage:
		var p ImagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decoding image payload: %w", err)
		}
		return p, nil
	case PayloadTypeVideo:
		var p VideoPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decoding video payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, env.Type)
	}
}
