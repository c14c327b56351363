package eventcrypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
)

func TestCanonicalJSONSortsKeysAndStripsWhitespace(t *testing.T) {
	out, err := eventcrypto.CanonicalJSON([]byte(`{  "b": 2, "a": 1, "c": {"z": 1, "y": 2}  }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":{"y":2,"z":1}}`, string(out))
}

func TestCanonicalJSONEscapesOnlyRequiredCharacters(t *testing.T) {
	out, err := eventcrypto.CanonicalJSON([]byte(`{"body":"café\n\"quoted\""}`))
	require.NoError(t, err)
	assert.Equal(t, "{\"body\":\"café\\n\\\"quoted\\\"\"}", string(out))
}

func TestCanonicalJSONRejectsFloats(t *testing.T) {
	_, err := eventcrypto.CanonicalJSON([]byte(`{"n": 1.5}`))
	assert.Error(t, err)
}

func TestCanonicalJSONRejectsOutOfRangeIntegers(t *testing.T) {
	_, err := eventcrypto.CanonicalJSON([]byte(`{"n": 9007199254740993}`))
	assert.Error(t, err)
}

func TestCanonicalJSONAcceptsBoundaryIntegers(t *testing.T) {
	out, err := eventcrypto.CanonicalJSON([]byte(`{"n": 9007199254740991}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740991}`, string(out))
}

func TestCanonicalJSONRejectsMalformedInput(t *testing.T) {
	_, err := eventcrypto.CanonicalJSON([]byte(`{not json`))
	assert.Error(t, err)
}
