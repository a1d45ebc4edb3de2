// Package config loads the service configuration from a YAML file with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openvpn-manager/vpnmanager/pkg/oidc"
)

// Mode selects which capability surface this instance serves.
type Mode string

const (
	ModeCombined Mode = "combined"
	ModeUser     Mode = "user"
	ModeAdmin    Mode = "admin"
)

type Config struct {
	Mode   Mode   `yaml:"mode" validate:"required,oneof=combined user admin"`
	Listen string `yaml:"listen" validate:"required"`

	// BaseURL is this instance's externally visible URL; the peer URLs
	// are only needed in split deployments.
	BaseURL         string `yaml:"base_url" validate:"required,url"`
	UserServiceURL  string `yaml:"user_service_url" validate:"omitempty,url"`
	AdminServiceURL string `yaml:"admin_service_url" validate:"omitempty,url"`

	DatabasePath string        `yaml:"database_path" validate:"required"`
	SessionTTL   time.Duration `yaml:"session_ttl"`

	VPNRemoteHost string `yaml:"vpn_remote_host" validate:"required"`
	VPNRemotePort int    `yaml:"vpn_remote_port"`

	// AdminGroup is the provider group claim that grants the admin role.
	AdminGroup string `yaml:"admin_group"`

	OIDC oidc.Config `yaml:"oidc" validate:"required"`
}

func LoadConfigFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	expanded := os.ExpandEnv(string(content))

	cfg := new(Config)
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	if cfg.AdminGroup == "" {
		cfg.AdminGroup = "admins"
	}
	if cfg.VPNRemotePort == 0 {
		cfg.VPNRemotePort = 1194
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Validate(cfg *Config) error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("yaml")
	})
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Mode == ModeAdmin && cfg.UserServiceURL == "" {
		return fmt.Errorf("invalid configuration: admin mode requires user_service_url")
	}
	return nil
}
