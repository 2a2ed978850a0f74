/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config parses Init's service launch configuration: per-service
// restart policy, restart-rate window, startup timeout, dependency
// ordering, and requested capabilities (spec §4.8, §6 "Environment /
// configuration"). Grounded on the gcfg-based INI config layer a
// process supervisor already uses for equivalent per-process settings.
package config

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gravwell/gcfg"
)

const maxConfigSize int64 = 4 * 1024 * 1024

// RestartPolicy mirrors spec §4.8's {Never, OnFailure, Always,
// WithBackoff} enumeration.
type RestartPolicy string

const (
	Never      RestartPolicy = "never"
	OnFailure  RestartPolicy = "on_failure"
	Always     RestartPolicy = "always"
	WithBackoff RestartPolicy = "with_backoff"
)

func (p RestartPolicy) Valid() bool {
	switch p {
	case Never, OnFailure, Always, WithBackoff:
		return true
	}
	return false
}

// serviceReadCfg is the raw INI shape gcfg decodes into, field names
// chosen to satisfy gcfg's underscore-separated-word convention.
type serviceReadCfg struct {
	Binary_Ref             string
	Restart_Policy         string
	Max_Restarts_In_Window int
	Window_Duration        int // seconds
	Startup_Timeout        int // seconds
	Backoff_Initial        int // milliseconds
	Backoff_Max            int // milliseconds
	Backoff_Factor         float64
	Depends_On             []string
	Capabilities_Requested []string
}

type globalReadCfg struct {
	Log_File  string
	Log_Level string
}

type cfgType struct {
	Global  globalReadCfg
	Service map[string]*serviceReadCfg
}

// Backoff is WithBackoff's parameterization (spec §4.8 restart policy
// enumeration): the delay starts at Initial, grows by Factor per
// consecutive attempt and is capped at Max; there is no separate cap field.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// ServiceConfig is one launch-order entry Init consumes (spec §6
// "Per-service startup options").
type ServiceConfig struct {
	Name                string
	BinaryRef           []byte
	RestartPolicy       RestartPolicy
	Backoff             Backoff
	MaxRestartsInWindow int
	WindowDuration      time.Duration
	StartupTimeout      time.Duration
	DependsOn           []string
	CapabilitiesRequested []string
}

// Config is the fully validated, parsed launch configuration.
type Config struct {
	LogFile  string
	LogLevel string
	Services []ServiceConfig
}

var (
	ErrNoServices       = errors.New("config: no services specified")
	ErrMissingBinaryRef = errors.New("config: service missing binary_ref")
	ErrInvalidPolicy    = errors.New("config: invalid restart_policy")
	ErrConfigTooLarge   = errors.New("config: file too large")
)

// Load reads and validates the launch configuration at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return Config{}, err
	}
	if fi.Size() > maxConfigSize {
		return Config{}, ErrConfigTooLarge
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return Config{}, err
	}
	var raw cfgType
	if err := gcfg.ReadStringInto(&raw, string(data)); err != nil {
		return Config{}, err
	}
	return raw.resolve()
}

func (c cfgType) resolve() (Config, error) {
	if len(c.Service) == 0 {
		return Config{}, ErrNoServices
	}
	out := Config{LogFile: c.Global.Log_File, LogLevel: c.Global.Log_Level}
	for name, s := range c.Service {
		if s == nil {
			continue
		}
		if strings.TrimSpace(s.Binary_Ref) == "" {
			return Config{}, ErrMissingBinaryRef
		}
		policy := RestartPolicy(s.Restart_Policy)
		if policy == "" {
			policy = OnFailure
		}
		if !policy.Valid() {
			return Config{}, ErrInvalidPolicy
		}
		sc := ServiceConfig{
			Name:                  name,
			BinaryRef:             []byte(s.Binary_Ref),
			RestartPolicy:         policy,
			MaxRestartsInWindow:   defaultInt(s.Max_Restarts_In_Window, 5),
			WindowDuration:        time.Duration(defaultInt(s.Window_Duration, 60)) * time.Second,
			StartupTimeout:        time.Duration(defaultInt(s.Startup_Timeout, 10)) * time.Second,
			DependsOn:             s.Depends_On,
			CapabilitiesRequested: s.Capabilities_Requested,
			Backoff: Backoff{
				Initial: time.Duration(defaultInt(s.Backoff_Initial, 200)) * time.Millisecond,
				Max:     time.Duration(defaultInt(s.Backoff_Max, 30000)) * time.Millisecond,
				Factor:  defaultFloat(s.Backoff_Factor, 2.0),
			},
		}
		out.Services = append(out.Services, sc)
	}
	return out, nil
}

func defaultInt(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func defaultFloat(v, d float64) float64 {
	if v <= 0 {
		return d
	}
	return v
}
