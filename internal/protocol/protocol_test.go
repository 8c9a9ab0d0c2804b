package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCodeChange(t *testing.T) {
	raw, err := Encode(MessageCodeChange, CodeChange{Value: "print(1)", Selections: DefaultSelections(), Version: 2})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageCodeChange, env.Type)

	var change CodeChange
	require.NoError(t, env.DecodeData(&change))
	assert.Equal(t, "print(1)", change.Value)
	assert.Equal(t, uint64(2), change.Version)
	assert.Equal(t, DefaultSelections(), change.Selections)
}

func TestEncodeWithoutData(t *testing.T) {
	raw, err := Encode(MessageSave, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"save"}`, string(raw))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not json", "\x00\x01"},
		{"no type", `{"data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestDecodeDataMissing(t *testing.T) {
	env, err := Decode([]byte(`{"type":"join"}`))
	require.NoError(t, err)

	var join Join
	assert.Error(t, env.DecodeData(&join))
}

func TestSelectionWireNames(t *testing.T) {
	raw := MustEncode(MessageSelectionChange, SelectionChange{Selections: DefaultSelections()})
	assert.Contains(t, string(raw), `"selectionStartLineNumber":1`)
	assert.Contains(t, string(raw), `"positionColumn":1`)
}
