package schemavalidation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overfloatd/internal/fsevent"
)

func TestEmbeddedSchemasCompile(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{Config, Profiles, FSEvent}, names)
}

func TestDocumentValidation(t *testing.T) {
	cases := []struct {
		name   string
		schema string
		doc    string
		valid  bool
	}{
		{"config object", Config, `{"activeProfile": "default"}`, true},
		{"config extra fields", Config, `{"activeProfile": "", "theme": "dark"}`, true},
		{"config empty object", Config, `{}`, true},
		{"config array", Config, `[]`, false},
		{"config wrong profile type", Config, `{"activeProfile": 3}`, false},
		{"config not json", Config, `{activeProfile`, false},
		{"profiles object", Profiles, `{"default": {"notes": {"x": 1}}, "empty": {}}`, true},
		{"profiles array", Profiles, `[{"name": "default"}]`, true},
		{"profiles string", Profiles, `"default"`, false},
		{"profiles scalar entry", Profiles, `{"default": 1}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.schema, []byte(tc.doc))
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidDocument)
			}
		})
	}
}

func TestUnknownSchema(t *testing.T) {
	err := Validate("nope", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownSchema)
}

func TestFileEventPayloadMatchesSchema(t *testing.T) {
	events := []fsevent.Event{
		{Kind: fsevent.Created, Path: "/tmp/a", Timestamp: 1700000000000},
		{Kind: fsevent.Renamed, IsDir: true, Path: "/tmp/b", PathOld: "/tmp/a", Timestamp: 1},
	}
	for _, ev := range events {
		assert.NoError(t, ValidateValue(FSEvent, ev))
	}

	err := Validate(FSEvent, []byte(`{"kind": 7, "is_dir": false, "path": "", "path_old": "", "timestamp": 0}`))
	assert.ErrorIs(t, err, ErrInvalidDocument)
}
