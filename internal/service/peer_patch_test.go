package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePeerPatch(t *testing.T) {
	u, verr := decodePeerPatch(json.RawMessage(`{"name":" Floodgap ","description":""}`))
	require.Nil(t, verr)
	require.NotNil(t, u.Name)
	require.NotNil(t, u.Description)
	assert.Equal(t, "Floodgap", *u.Name)
	assert.Equal(t, "", *u.Description)

	u, verr = decodePeerPatch(json.RawMessage(`{"description":"mirror"}`))
	require.Nil(t, verr)
	assert.Nil(t, u.Name)

	for _, body := range []string{
		`[]`,
		`null`,
		`{}`,
		`{"host":"other.example"}`,
		`{"name":null}`,
		`{"name":42}`,
		`{"name":""}`,
		`not json`,
	} {
		_, verr := decodePeerPatch(json.RawMessage(body))
		if assert.NotNil(t, verr, body) {
			assert.Equal(t, "INVALID_ARGUMENT", verr.Code, body)
		}
	}
}
