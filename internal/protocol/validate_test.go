package protocol

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientCommand_Message(t *testing.T) {
	cmd, err := ParseClientCommand([]byte(`{"type":"message","content":"hello","mode":"rush"}`))
	require.NoError(t, err)

	m, ok := cmd.(MessageCommand)
	require.True(t, ok, "expected MessageCommand, got %T", cmd)
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, "rush", m.Mode)
	assert.Nil(t, m.Image)
}

func TestParseClientCommand_Cancel(t *testing.T) {
	cmd, err := ParseClientCommand([]byte(`{"type":"cancel"}`))
	require.NoError(t, err)
	assert.Equal(t, CancelCommand{}, cmd)
}

func TestParseClientCommand_ForceSend(t *testing.T) {
	cmd, err := ParseClientCommand([]byte(`{"type":"force_send","content":"now"}`))
	require.NoError(t, err)

	f, ok := cmd.(ForceSendCommand)
	require.True(t, ok, "expected ForceSendCommand, got %T", cmd)
	assert.Equal(t, "now", f.Content)
	assert.Equal(t, TypeForceSend, f.Type())
}

func TestParseClientCommand_ImageOnly(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte("\x89PNG"))
	raw := []byte(`{"type":"message","content":"","image":{"data":"` + data + `","mediaType":"image/png"}}`)

	cmd, err := ParseClientCommand(raw)
	require.NoError(t, err)
	m := cmd.(MessageCommand)
	require.NotNil(t, m.Image)
	assert.Equal(t, "image/png", m.Image.MediaType)
}

func TestParseClientCommand_Rejections(t *testing.T) {
	cases := map[string]string{
		"invalid json":     `not json`,
		"missing type":     `{"content":"x"}`,
		"unknown type":     `{"type":"session.create"}`,
		"empty content":    `{"type":"message","content":""}`,
		"blank content":    `{"type":"message","content":"   \n"}`,
		"bad media type":   `{"type":"message","image":{"data":"aGk=","mediaType":"text/plain"}}`,
		"image no data":    `{"type":"message","image":{"data":"","mediaType":"image/png"}}`,
		"image not base64": `{"type":"message","image":{"data":"***","mediaType":"image/png"}}`,
		"force_send empty": `{"type":"force_send"}`,
		"content not text": `{"type":"message","content":42}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseClientCommand([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCommand), "expected ErrInvalidCommand, got %v", err)
		})
	}
}
