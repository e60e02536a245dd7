package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ErrNoOrigin is returned when neither an explicit origin nor a hosting
// site is configured.
var ErrNoOrigin = errors.New("no site origin configured")

// firebaseConfig holds the part of firebase.json we read.
type firebaseConfig struct {
	Hosting struct {
		Site string `json:"site"`
	} `json:"hosting"`
}

// SiteOrigin resolves the absolute origin bundles are downloaded from.
// An explicit origin wins; otherwise the Firebase Hosting site name in
// firebaseConfigPath maps to https://<site>.web.app.
func SiteOrigin(explicit, firebaseConfigPath string) (string, error) {
	if explicit != "" {
		u, err := url.Parse(explicit)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("invalid site origin %q: must be an absolute URL", explicit)
		}
		return strings.TrimRight(explicit, "/"), nil
	}

	if firebaseConfigPath == "" {
		return "", ErrNoOrigin
	}

	data, err := os.ReadFile(firebaseConfigPath)
	if err != nil {
		return "", fmt.Errorf("failed to read firebase config: %w", err)
	}

	var cfg firebaseConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("failed to parse firebase config: %w", err)
	}

	site := strings.TrimSpace(cfg.Hosting.Site)
	if site == "" {
		return "", fmt.Errorf("firebase config %s: hosting.site is required", firebaseConfigPath)
	}

	return fmt.Sprintf("https://%s.web.app", site), nil
}
