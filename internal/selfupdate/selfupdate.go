// Package selfupdate replaces the running binary with the latest GitHub
// release for this platform.
package selfupdate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const defaultAPI = "https://api.github.com"

// Release is a newer release with a download for this platform.
type Release struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name string `json:"name"`
		URL  string `json:"browser_download_url"`
	} `json:"assets"`
}

// Updater checks a repository's releases for a build of Binary.
type Updater struct {
	CurrentVersion string
	Repo           string // owner/name
	Binary         string
	APIBase        string
	GOOS, GOARCH   string
	HTTPClient     *http.Client
}

// New returns an Updater for the given binary of tannus-ai/tannus.
func New(currentVersion, binary string) *Updater {
	return &Updater{
		CurrentVersion: currentVersion,
		Repo:           "tannus-ai/tannus",
		Binary:         binary,
		APIBase:        defaultAPI,
		GOOS:           runtime.GOOS,
		GOARCH:         runtime.GOARCH,
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Check returns the latest release, or nil when already current. Dev builds
// never update.
func (u *Updater) Check(ctx context.Context) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", strings.TrimRight(u.APIBase, "/"), u.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", u.Binary+"/"+u.CurrentVersion)

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github API returned %d", resp.StatusCode)
	}

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	if u.CurrentVersion == "dev" || strings.TrimPrefix(rel.TagName, "v") == strings.TrimPrefix(u.CurrentVersion, "v") {
		return nil, nil
	}
	for _, a := range rel.Assets {
		if u.matches(a.Name) {
			return &Release{Version: rel.TagName, URL: a.URL}, nil
		}
	}
	return nil, fmt.Errorf("release %s has no %s build for %s/%s", rel.TagName, u.Binary, u.GOOS, u.GOARCH)
}

// matches reports whether an asset name is this binary's build for the
// target platform. Release archives name amd64 as x86_64.
func (u *Updater) matches(name string) bool {
	name = strings.ToLower(name)
	if !strings.HasPrefix(name, u.Binary+"_") && !strings.HasPrefix(name, u.Binary+"-") {
		return false
	}
	if !strings.Contains(name, u.GOOS) {
		return false
	}
	if strings.Contains(name, u.GOARCH) {
		return true
	}
	return u.GOARCH == "amd64" && strings.Contains(name, "x86_64")
}

// Apply downloads rel and renames it over exe.
func (u *Updater) Apply(ctx context.Context, rel *Release, exe string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rel.URL, nil)
	if err != nil {
		return err
	}
	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	// Same directory as exe so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(filepath.Dir(exe), "."+u.Binary+"-update-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, exe); err != nil {
		return fmt.Errorf("replace binary: %w", err)
	}
	return nil
}
