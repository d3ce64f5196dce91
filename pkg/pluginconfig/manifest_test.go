package pluginconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifest_UnmarshalJSON_BareStringInclude(t *testing.T) {
	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(`{"additionalIncludes": "/opt/protos"}`), &m))
	assert.Equal(t, []string{"/opt/protos"}, m.AdditionalIncludes)
}

func TestManifest_UnmarshalJSON_ListInclude(t *testing.T) {
	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(`{"additionalIncludes": ["/a", "/b"]}`), &m))
	assert.Equal(t, []string{"/a", "/b"}, m.AdditionalIncludes)
}

func TestManifest_UnmarshalJSON_NoInclude(t *testing.T) {
	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(`{"protocVersion": "25.1"}`), &m))
	assert.Equal(t, "25.1", m.ProtocVersion)
	assert.Nil(t, m.AdditionalIncludes)
}

func TestManifest_UnmarshalJSON_InvalidIncludeShape(t *testing.T) {
	var m Manifest
	err := json.Unmarshal([]byte(`{"additionalIncludes": 5}`), &m)
	require.Error(t, err)
}

func TestManifest_OtherFieldsUnmarshalNormally(t *testing.T) {
	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(`{
		"protocVersion": "25.1",
		"downloadUrl": "https://example.test/protoc",
		"hostToBindTo": "::1"
	}`), &m))
	assert.Equal(t, "25.1", m.ProtocVersion)
	assert.Equal(t, "https://example.test/protoc", m.DownloadURL)
	assert.Equal(t, "::1", m.HostToBindTo)
}

func TestLoad_ReadsFileFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"protocVersion": "25.1"}`), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "25.1", m.ProtocVersion)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestManifest_Override_NonZeroFieldsWin(t *testing.T) {
	base := Manifest{ProtocVersion: "25.1", HostToBindTo: "127.0.0.1"}
	top := Manifest{HostToBindTo: "::1"}

	merged := base.Override(top)
	assert.Equal(t, "25.1", merged.ProtocVersion)
	assert.Equal(t, "::1", merged.HostToBindTo)
}

func TestManifest_Override_MergesIncludesManifestFirstDedup(t *testing.T) {
	base := Manifest{AdditionalIncludes: []string{"/a", "/b"}}
	top := Manifest{AdditionalIncludes: []string{"/b", "/c"}}

	merged := base.Override(top)
	assert.Equal(t, []string{"/a", "/b", "/c"}, merged.AdditionalIncludes)
}
