// Package image holds the in-memory model of the image being built: the
// canonical Docker config, the mutable image state, and per-instruction layer
// snapshots.
package image

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

const (
	// DefaultArchitecture and DefaultOS describe every image this builder
	// produces.
	DefaultArchitecture = "amd64"
	DefaultOS           = "linux"

	shortIDLength = 12
)

// Config is the canonical Docker image configuration. Collection fields that
// were never set serialize as JSON null, not as empty collections.
type Config struct {
	AttachStderr bool                `json:"AttachStderr"`
	AttachStdin  bool                `json:"AttachStdin"`
	AttachStdout bool                `json:"AttachStdout"`
	Cmd          []string            `json:"Cmd"`
	Domainname   string              `json:"Domainname"`
	Entrypoint   []string            `json:"Entrypoint"`
	Env          []string            `json:"Env"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts"`
	Hostname     string              `json:"Hostname"`
	Image        string              `json:"Image"`
	Labels       map[string]string   `json:"Labels"`
	OnBuild      []string            `json:"OnBuild"`
	OpenStdin    bool                `json:"OpenStdin"`
	StdinOnce    bool                `json:"StdinOnce"`
	StopSignal   string              `json:"StopSignal,omitempty"`
	Tty          bool                `json:"Tty"`
	User         string              `json:"User"`
	Volumes      map[string]struct{} `json:"Volumes"`
	WorkingDir   string              `json:"WorkingDir"`
}

// Clone returns a deep copy of the config. Layer snapshots rely on this so a
// later instruction can never mutate an earlier layer through a shared map or
// slice.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Cmd = cloneSlice(c.Cmd)
	clone.Entrypoint = cloneSlice(c.Entrypoint)
	clone.Env = cloneSlice(c.Env)
	clone.OnBuild = cloneSlice(c.OnBuild)
	clone.ExposedPorts = cloneSet(c.ExposedPorts)
	clone.Volumes = cloneSet(c.Volumes)
	if c.Labels != nil {
		clone.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			clone.Labels[k] = v
		}
	}
	return &clone
}

// SetEnv inserts or replaces key in the Env list, matching on the "key="
// prefix.
func (c *Config) SetEnv(key, value string) {
	entry := key + "=" + value
	for i, env := range c.Env {
		if strings.HasPrefix(env, key+"=") {
			c.Env[i] = entry
			return
		}
	}
	c.Env = append(c.Env, entry)
}

// LookupEnv returns the value for key in the Env list. The first match wins.
func (c *Config) LookupEnv(key string) (string, bool) {
	for _, env := range c.Env {
		if k, v, ok := strings.Cut(env, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// HistoryEntry records one instruction in the image history.
type HistoryEntry struct {
	Created    string `json:"created"`
	CreatedBy  string `json:"created_by"`
	EmptyLayer bool   `json:"empty_layer,omitempty"`
}

// Image is the mutable image state assembled by the build.
type Image struct {
	ID              string         `json:"id"`
	Parent          string         `json:"parent,omitempty"`
	Architecture    string         `json:"architecture"`
	OS              string         `json:"os"`
	Author          string         `json:"author,omitempty"`
	Created         string         `json:"created"`
	Config          *Config        `json:"config"`
	ContainerConfig *Config        `json:"container_config"`
	History         []HistoryEntry `json:"history,omitempty"`
}

// New returns an empty image state.
func New() *Image {
	return &Image{
		Architecture:    DefaultArchitecture,
		OS:              DefaultOS,
		Config:          &Config{},
		ContainerConfig: &Config{},
	}
}

// Clone returns a deep copy of the image state.
func (img *Image) Clone() *Image {
	if img == nil {
		return nil
	}
	clone := *img
	clone.Config = img.Config.Clone()
	clone.ContainerConfig = img.ContainerConfig.Clone()
	clone.History = append([]HistoryEntry(nil), img.History...)
	return &clone
}

// ShortID returns the first 12 hex characters of the image id, used in all
// human-readable output. It is empty for the null id after FROM scratch.
func (img *Image) ShortID() string {
	return ShortID(img.ID)
}

// Touch stamps the created timestamp.
func (img *Image) Touch(now time.Time) {
	img.Created = now.UTC().Format(time.RFC3339Nano)
}

// Layer is the append-only record produced per processed instruction. Image
// is a deep copy of the image state at the moment of append.
type Layer struct {
	Cmd   string `json:"cmd"`
	Image *Image `json:"image"`
}

// NewID generates a random 256-bit hex image id.
func NewID() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// ShortID shortens an id to its 12-character display form.
func ShortID(id string) string {
	if len(id) <= shortIDLength {
		return id
	}
	return id[:shortIDLength]
}

func cloneSlice(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	if s == nil {
		return nil
	}
	clone := make(map[string]struct{}, len(s))
	for k := range s {
		clone[k] = struct{}{}
	}
	return clone
}
