// Package pluginconfig loads the plugin manifest: the JSON file that sits
// next to the plugin executable telling the host which protoc version to
// fetch, where to bind the mock-server listener, and which extra include
// directories the .proto source compiler should search.
package pluginconfig

import (
	"encoding/json"
	"fmt"
	"os"
)

// Manifest is the plugin's own configuration surface, read once at process
// startup and layered with any test-config overrides embedded in a
// particular ConfigureInteraction call (those take precedence).
type Manifest struct {
	// ProtocVersion names the protoc release the plugin expects, used by
	// the host's tool-fetch step. Not consulted by this process itself
	// since .proto compilation runs in-process via protocompile.
	ProtocVersion string `json:"protocVersion,omitempty"`

	// DownloadURL is where the host fetches the named protoc release.
	DownloadURL string `json:"downloadUrl,omitempty"`

	// HostToBindTo is the interface every MockServer listens on by
	// default. Empty means the IPv4 loopback adapter; set explicitly to
	// bind the IPv6 loopback instead.
	HostToBindTo string `json:"hostToBindTo,omitempty"`

	// AdditionalIncludes lists extra directories fed to the .proto source
	// compiler as import search paths, on top of whatever a particular
	// ConfigureInteraction call supplies. Accepts a bare string or a list
	// of strings in the JSON source; see UnmarshalJSON.
	AdditionalIncludes []string `json:"additionalIncludes,omitempty"`
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pluginconfig: failed to read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("pluginconfig: failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// UnmarshalJSON allows AdditionalIncludes to accept either a bare string or
// a JSON array of strings, the same string-or-list duality
// GRPCConfig.ProtoFile/ProtoFiles models as two separate fields and
// GRPCErrorConfig.Code models as a custom unmarshaler.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	type alias Manifest
	aux := &struct {
		AdditionalIncludes json.RawMessage `json:"additionalIncludes"`
		*alias
	}{
		alias: (*alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.AdditionalIncludes) == 0 {
		return nil
	}

	var single string
	if err := json.Unmarshal(aux.AdditionalIncludes, &single); err == nil {
		m.AdditionalIncludes = []string{single}
		return nil
	}

	var list []string
	if err := json.Unmarshal(aux.AdditionalIncludes, &list); err == nil {
		m.AdditionalIncludes = list
		return nil
	}

	return fmt.Errorf("pluginconfig: additionalIncludes must be a string or a list of strings, got: %s", string(aux.AdditionalIncludes))
}

// Override applies a test-config override layer on top of m, returning a
// new Manifest; any non-zero field on top wins. This is the "embedded in
// test config" precedence spec.md §6 describes.
func (m Manifest) Override(top Manifest) Manifest {
	out := m
	if top.ProtocVersion != "" {
		out.ProtocVersion = top.ProtocVersion
	}
	if top.DownloadURL != "" {
		out.DownloadURL = top.DownloadURL
	}
	if top.HostToBindTo != "" {
		out.HostToBindTo = top.HostToBindTo
	}
	if len(top.AdditionalIncludes) > 0 {
		out.AdditionalIncludes = mergeIncludes(m.AdditionalIncludes, top.AdditionalIncludes)
	}
	return out
}

// mergeIncludes concatenates manifest-level and call-level include
// directories, manifest first, preserving first occurrence on duplicates
// (original protoc.rs's merge precedence).
func mergeIncludes(manifestLevel, callLevel []string) []string {
	seen := make(map[string]bool, len(manifestLevel)+len(callLevel))
	out := make([]string, 0, len(manifestLevel)+len(callLevel))
	for _, dir := range append(append([]string{}, manifestLevel...), callLevel...) {
		if seen[dir] {
			continue
		}
		seen[dir] = true
		out = append(out, dir)
	}
	return out
}
