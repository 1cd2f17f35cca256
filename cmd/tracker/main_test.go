package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocuments(t *testing.T) {
	one := `{"name":"A","autoCalculate":true,"points":[
		{"kind":"origin","lat":0,"lng":0,"time":"08:00"},
		{"kind":"destination","lat":0,"lng":0.01,"time":"08:10"}]}`
	docs, err := parseDocuments([]byte(one))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "A", docs[0].Name)
	assert.True(t, docs[0].AutoCalculate)
	assert.Len(t, docs[0].Points, 2)

	docs, err = parseDocuments([]byte("  [" + one + "," + one + "]\n"))
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	_, err = parseDocuments([]byte("{"))
	assert.Error(t, err)
}
