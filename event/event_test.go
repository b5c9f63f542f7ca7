package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Insert(t *testing.T) {
	payload := []byte(`{
		"schema": "public",
		"table": "posts",
		"type": "INSERT",
		"commit_timestamp": "2024-05-01T10:30:00Z",
		"new": {"id": "42", "content": "hello"}
	}`)

	e, err := Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, "public", e.Schema)
	assert.Equal(t, "posts", e.Table)
	assert.Equal(t, TypeInsert, e.Type)
	assert.Equal(t, "42", e.New["id"])
	assert.Nil(t, e.Old)
	assert.False(t, e.CommitTime.IsZero())
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"table":`))
	require.Error(t, err)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"table": "posts", "type": "TRUNCATE", "new": {"id": "1"}}`))
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestValidate_RowPresence(t *testing.T) {
	cases := []struct {
		name    string
		event   ChangeEvent
		wantErr error
	}{
		{
			name:    "insert without new row",
			event:   ChangeEvent{Table: "posts", Type: TypeInsert},
			wantErr: ErrEmptyRows,
		},
		{
			name:    "delete without old row",
			event:   ChangeEvent{Table: "posts", Type: TypeDelete},
			wantErr: ErrEmptyRows,
		},
		{
			name:    "update with neither row",
			event:   ChangeEvent{Table: "posts", Type: TypeUpdate},
			wantErr: ErrEmptyRows,
		},
		{
			name:  "update with partial old row",
			event: ChangeEvent{Table: "posts", Type: TypeUpdate, New: map[string]any{"id": "1"}},
		},
		{
			name:  "delete with old row",
			event: ChangeEvent{Table: "posts", Type: TypeDelete, Old: map[string]any{"id": "1"}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRow_PrefersNew(t *testing.T) {
	e := &ChangeEvent{
		New: map[string]any{"id": "new"},
		Old: map[string]any{"id": "old"},
	}
	assert.Equal(t, "new", e.Row()["id"])

	e.New = nil
	assert.Equal(t, "old", e.Row()["id"])
}
