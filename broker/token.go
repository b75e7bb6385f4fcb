package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// tokenCache is the on-disk access token record. It is reused across
// process restarts until expiry. Single-process operation is assumed;
// the write is atomic (temp file + rename) but not file-locked.
type tokenCache struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func loadTokenCache(path string) (*tokenCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tc tokenCache
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("corrupt token cache: %w", err)
	}
	return &tc, nil
}

func saveTokenCache(path string, tc *tokenCache) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(tc)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// valid reports whether the cached token is still usable, with a one
// minute safety margin before expiry.
func (tc *tokenCache) valid(now time.Time) bool {
	return tc != nil && tc.AccessToken != "" && now.Add(time.Minute).Before(tc.ExpiresAt)
}
