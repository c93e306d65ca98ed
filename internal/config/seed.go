package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedConnection is one declaratively configured connection. Passwords in
// the seed file are plaintext; they are encrypted before hitting storage.
type SeedConnection struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Database    string `yaml:"database"`
	UseSSL      bool   `yaml:"useSSL"`
	SSHHost     string `yaml:"sshHost"`
	SSHPort     int    `yaml:"sshPort"`
	SSHUsername string `yaml:"sshUsername"`
	SSHPassword string `yaml:"sshPassword"`
}

// SeedSchedule is one declaratively configured backup schedule, referencing
// its connection by name.
type SeedSchedule struct {
	Connection string `yaml:"connection"`
	Enabled    bool   `yaml:"enabled"`
	Schedule   string `yaml:"schedule"`
	Time       string `yaml:"time"`
	Day        int    `yaml:"day"`
	OutputDir  string `yaml:"outputDir"`
}

// Seed is the parsed optional seed file.
type Seed struct {
	Connections []SeedConnection `yaml:"connections"`
	Schedules   []SeedSchedule   `yaml:"schedules"`
}

// LoadSeed reads a yaml seed file. A missing path returns an empty seed.
func LoadSeed(path string) (*Seed, error) {
	if path == "" {
		return &Seed{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Seed{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &seed, nil
}
