// Package webmanifest reads and writes the "version" member of the web app
// manifest that is packaged into the bundle. The field only carries the
// version of the build in progress and is reset to 0.0.0 afterwards.
package webmanifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/schaermu/iwarelease/internal/version"
)

// Version returns the version currently recorded in the manifest at path.
func Version(path string) (version.Version, error) {
	doc, err := load(path)
	if err != nil {
		return version.Version{}, err
	}

	raw, ok := doc["version"]
	if !ok {
		return version.Sentinel, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return version.Version{}, fmt.Errorf("web manifest %s: version is not a string: %w", path, err)
	}
	return version.Parse(s)
}

// SetVersion writes v into the manifest's version member. Only the value
// is replaced, so member order and formatting of the file are kept. A
// manifest without a version member gets one as its first member. The file
// is left untouched when it already carries v. It reports whether the file
// changed.
func SetVersion(path string, v version.Version) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read web manifest: %w", err)
	}
	spans, err := versionSpans(data)
	if err != nil {
		return false, fmt.Errorf("failed to parse web manifest %s: %w", path, err)
	}

	want := v.String()
	encoded, err := json.Marshal(want)
	if err != nil {
		return false, err
	}

	var out []byte
	if len(spans) == 0 {
		out = insertVersion(data, encoded)
	} else {
		last := spans[len(spans)-1]
		var cur string
		if json.Unmarshal(data[last.start:last.end], &cur) == nil && cur == want {
			return false, nil
		}
		out = make([]byte, 0, len(data)+len(encoded))
		prev := 0
		for _, sp := range spans {
			out = append(out, data[prev:sp.start]...)
			out = append(out, encoded...)
			prev = sp.end
		}
		out = append(out, data[prev:]...)
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, out, info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("failed to write web manifest: %w", err)
	}
	return true, nil
}

// span is a byte range [start, end) of a JSON value inside the document.
type span struct {
	start, end int
}

// versionSpans returns the value ranges of every top-level "version" member.
func versionSpans(data []byte) ([]span, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("not a JSON object")
	}

	var spans []span
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		afterKey := int(dec.InputOffset())

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		if key, _ := tok.(string); key != "version" {
			continue
		}

		end := int(dec.InputOffset())
		colon := bytes.IndexByte(data[afterKey:end], ':')
		if colon < 0 {
			return nil, fmt.Errorf("malformed member %q", "version")
		}
		start := afterKey + colon + 1
		for start < end && isSpace(data[start]) {
			start++
		}
		spans = append(spans, span{start: start, end: end})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return spans, nil
}

// insertVersion adds a version member right after the opening brace,
// reusing the indentation of the first existing member.
func insertVersion(data, encoded []byte) []byte {
	open := bytes.IndexByte(data, '{') + 1
	first := open
	for first < len(data) && isSpace(data[first]) {
		first++
	}

	member := append([]byte(`"version": `), encoded...)
	out := make([]byte, 0, len(data)+len(member)+2)
	out = append(out, data[:open]...)
	if data[first] == '}' {
		out = append(out, member...)
		return append(out, data[first:]...)
	}
	indent := data[open:first]
	out = append(out, indent...)
	out = append(out, member...)
	out = append(out, ',')
	out = append(out, indent...)
	return append(out, data[first:]...)
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// Reset writes the sentinel version back.
func Reset(path string) (bool, error) {
	return SetVersion(path, version.Sentinel)
}

func load(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read web manifest: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse web manifest %s: %w", path, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("web manifest %s: not a JSON object", path)
	}
	return doc, nil
}
