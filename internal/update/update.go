// Package update provides release version checking for the CLI.
package update

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// GitHubRepo is the repository to check for releases.
	GitHubRepo = "wrenholt/rookery"
	// GitHubAPIURL is the GitHub latest-release API endpoint.
	GitHubAPIURL = "https://api.github.com/repos/%s/releases/latest"
	// CheckInterval is the minimum time between release checks.
	CheckInterval = 24 * time.Hour
)

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

// GitHubRelease represents a GitHub release response.
type GitHubRelease struct {
	TagName     string `json:"tag_name"`
	Name        string `json:"name"`
	HTMLURL     string `json:"html_url"`
	PublishedAt string `json:"published_at"`
}

// checkCache stores the last release check result.
type checkCache struct {
	LastCheck     int64  `json:"last_check"`
	LatestVersion string `json:"latest_version"`
	ReleaseURL    string `json:"release_url"`
}

// Checker handles release checking and caching.
type Checker struct {
	configDir string
	cache     *checkCache
}

// NewChecker creates a new release checker.
func NewChecker() (*Checker, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".rookery")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	c := &Checker{configDir: configDir}
	_ = c.loadCache()
	return c, nil
}

// GetCurrentVersion returns the current build version.
func GetCurrentVersion() string {
	return Version
}

// ShouldCheck returns true if enough time has passed since the last check.
func (c *Checker) ShouldCheck() bool {
	if c.cache == nil {
		return true
	}
	lastCheck := time.Unix(c.cache.LastCheck, 0)
	return time.Since(lastCheck) > CheckInterval
}

// CheckForUpdate checks GitHub for a newer release.
// Returns (hasUpdate, latestVersion, error).
func (c *Checker) CheckForUpdate() (bool, string, error) {
	url := fmt.Sprintf(GitHubAPIURL, GitHubRepo)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false, "", fmt.Errorf("failed to check for updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return false, "", fmt.Errorf("failed to parse release info: %w", err)
	}

	latestVersion := strings.TrimPrefix(release.TagName, "v")
	currentVersion := strings.TrimPrefix(Version, "v")

	c.cache = &checkCache{
		LastCheck:     time.Now().Unix(),
		LatestVersion: latestVersion,
		ReleaseURL:    release.HTMLURL,
	}
	_ = c.saveCache()

	// Simple string comparison, works for semver tags.
	hasUpdate := latestVersion != "" && latestVersion != currentVersion &&
		!strings.HasSuffix(currentVersion, "-dev")

	return hasUpdate, latestVersion, nil
}

// GetCachedVersion returns the cached latest version if available.
func (c *Checker) GetCachedVersion() (string, bool) {
	if c.cache == nil || c.cache.LatestVersion == "" {
		return "", false
	}
	return c.cache.LatestVersion, true
}

// GetReleaseURL returns the release page URL from the last check.
func (c *Checker) GetReleaseURL() string {
	if c.cache == nil {
		return ""
	}
	return c.cache.ReleaseURL
}

// cachePath returns the path to the cache file.
func (c *Checker) cachePath() string {
	return filepath.Join(c.configDir, "update_cache.json")
}

// loadCache loads the cache from disk.
func (c *Checker) loadCache() error {
	data, err := os.ReadFile(c.cachePath())
	if err != nil {
		return err
	}

	var cache checkCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return err
	}

	c.cache = &cache
	return nil
}

// saveCache saves the cache to disk.
func (c *Checker) saveCache() error {
	if c.cache == nil {
		return nil
	}

	data, err := json.MarshalIndent(c.cache, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.cachePath(), data, 0o600)
}
