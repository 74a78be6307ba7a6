package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Role distinguishes a channel's own bot account from the broadcaster
// account it chats in, per the Channel data model (§3).
type Role string

const (
	RoleBot         Role = "bot"
	RoleBroadcaster Role = "broadcaster"
)

// Channel is the tenant identity record the spec calls immutable within a run.
type Channel struct {
	ID     string   `yaml:"id"`
	Login  string   `yaml:"login"`
	Role   Role     `yaml:"role"`
	Topics []string `yaml:"topics"`
}

// Provider is the external Config Provider collaborator (C3): it yields the
// set of enabled channels and their desired subscription topics. The core
// only ever consumes this interface — chat-feature configuration,
// per-channel command toggles, etc. live entirely outside the core.
type Provider interface {
	Channels() ([]Channel, error)
}

// FileProvider is the default Provider, reading a YAML roster of the shape:
//
//	channels:
//	  - id: "100"
//	    login: "some_broadcaster"
//	    role: broadcaster
//	    topics: ["stream.online", "stream.offline"]
type FileProvider struct {
	path string
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

type rosterFile struct {
	Channels []Channel `yaml:"channels"`
}

func (p *FileProvider) Channels() ([]Channel, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read channels file %s: %w", p.path, err)
	}

	var roster rosterFile
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("parse channels file %s: %w", p.path, err)
	}

	for i, ch := range roster.Channels {
		if ch.ID == "" || ch.Login == "" {
			return nil, fmt.Errorf("channel at index %d missing id or login", i)
		}
		if ch.Role == "" {
			roster.Channels[i].Role = RoleBroadcaster
		}
	}
	return roster.Channels, nil
}

// StaticProvider is an in-memory Provider, useful for tests and for embedding
// a fixed roster without a filesystem dependency.
type StaticProvider struct {
	channels []Channel
}

func NewStaticProvider(channels []Channel) *StaticProvider {
	return &StaticProvider{channels: channels}
}

func (p *StaticProvider) Channels() ([]Channel, error) {
	return p.channels, nil
}
