package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCommand marks a malformed inbound command. The command is dropped;
// the connection stays open.
var ErrInvalidCommand = errors.New("invalid client command")

// ImageExtensions maps accepted image media types to file extensions.
var ImageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidCommand, fmt.Sprintf(format, args...))
}

// ParseClientCommand validates a raw JSON command from a client.
func ParseClientCommand(raw []byte) (Command, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, invalid("invalid JSON: %v", err)
	}

	switch head.Type {
	case "":
		return nil, invalid("missing 'type' field")

	case TypeCancel:
		return CancelCommand{}, nil

	case TypeMessage, TypeForceSend:
		var m MessageCommand
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, invalid("invalid %s payload: %v", head.Type, err)
		}
		if err := ValidateMessage(m); err != nil {
			return nil, err
		}
		if head.Type == TypeForceSend {
			return ForceSendCommand{MessageCommand: m}, nil
		}
		return m, nil

	default:
		return nil, invalid("unknown command type: %s", head.Type)
	}
}

// ValidateMessage checks that a message carries text or an image, and that
// any image is well formed.
func ValidateMessage(m MessageCommand) error {
	if strings.TrimSpace(m.Content) == "" && m.Image == nil {
		return invalid("message needs 'content' or 'image'")
	}
	if m.Image == nil {
		return nil
	}
	if _, ok := ImageExtensions[m.Image.MediaType]; !ok {
		return invalid("unsupported image media type: %q", m.Image.MediaType)
	}
	if m.Image.Data == "" {
		return invalid("image has no data")
	}
	if _, err := base64.StdEncoding.DecodeString(m.Image.Data); err != nil {
		return invalid("image data is not base64: %v", err)
	}
	return nil
}
