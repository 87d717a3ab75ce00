package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/ashureev/aloha-tutor/internal/domain"
)

// Profile describes the local identity and the roster shown to the learner.
// It is optional; missing fields keep their defaults.
type Profile struct {
	User     domain.User   `toml:"user"`
	Peers    []domain.User `toml:"peers"`
	MaxChars int           `toml:"max_chars"`
	Model    string        `toml:"model"`
}

// DefaultProfile returns the built-in identity and roster.
func DefaultProfile() Profile {
	return Profile{
		User:  domain.DefaultUser(),
		Peers: domain.DefaultRoster(),
	}
}

// LoadProfile decodes the TOML profile at path on top of the defaults.
// An empty path returns the defaults.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}

	var file Profile
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return p, fmt.Errorf("decode profile %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return p, fmt.Errorf("profile %s: unknown keys %v", path, undecoded)
	}

	if file.User.ID != "" {
		p.User.ID = file.User.ID
	}
	if file.User.Name != "" {
		p.User.Name = file.User.Name
	}
	if file.User.Avatar != "" {
		p.User.Avatar = file.User.Avatar
	}
	if file.User.Status != "" {
		p.User.Status = file.User.Status
	}
	if len(file.Peers) > 0 {
		for i, peer := range file.Peers {
			if peer.ID == "" {
				return p, fmt.Errorf("profile %s: peer %d has no id", path, i)
			}
			if peer.Status == "" {
				file.Peers[i].Status = domain.PresenceActive
			}
		}
		p.Peers = file.Peers
	}
	p.MaxChars = file.MaxChars
	p.Model = file.Model
	return p, nil
}

// Apply copies profile overrides into the runtime configuration.
func (p Profile) Apply(cfg *Config) {
	if p.MaxChars > 0 {
		cfg.MaxChars = p.MaxChars
	}
	if p.Model != "" {
		cfg.Completion.Model = p.Model
	}
}
