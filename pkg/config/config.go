// Copyright 2024 dOpenSource.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/redis"
	"github.com/livekit/protocol/utils"
	"github.com/livekit/psrpc"

	"github.com/dopensource/ivr-agent/pkg/errors"
)

const (
	DefaultSIPPort        = 5060
	DefaultPrometheusPort = 9090

	defaultTransferTimeoutSec = 10
)

type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// DepartmentConfig maps one menu choice to its transfer target.
type DepartmentConfig struct {
	Name    string   `yaml:"name"`
	Digit   string   `yaml:"digit"`
	URI     string   `yaml:"uri"`
	Aliases []string `yaml:"aliases"`
}

// MenuConfig sets the input collection policy. Timeouts are in seconds.
type MenuConfig struct {
	InputTimeoutSec    int    `yaml:"input_timeout"` // required
	MaxAttempts        int    `yaml:"max_attempts"`  // required
	OperatorURI        string `yaml:"operator_uri"`  // optional fallback transfer target
	TransferTimeoutSec int    `yaml:"transfer_timeout"`
}

func (m *MenuConfig) InputTimeout() time.Duration {
	return time.Duration(m.InputTimeoutSec) * time.Second
}

func (m *MenuConfig) TransferTimeout() time.Duration {
	return time.Duration(m.TransferTimeoutSec) * time.Second
}

type PromptsConfig struct {
	Greeting       string `yaml:"greeting"`
	Retry          string `yaml:"retry"`
	Transferring   string `yaml:"transferring"`
	TransferFailed string `yaml:"transfer_failed"`
	Fallback       string `yaml:"fallback"`
}

type Config struct {
	Redis          *redis.RedisConfig `yaml:"redis"`           // optional; enables outcome reporting
	OutcomeChannel string             `yaml:"outcome_channel"` // redis channel for outcome records

	SIPPort       int       `yaml:"sip_port"`
	RTPPort       PortRange `yaml:"rtp_port"`
	UseExternalIP bool      `yaml:"use_external_ip"`
	NAT1To1IP     string    `yaml:"nat_1_to_1_ip"`

	TrunkUsername string `yaml:"trunk_username"` // optional (env IVR_TRUNK_USERNAME)
	TrunkPassword string `yaml:"trunk_password"` // optional (env IVR_TRUNK_PASSWORD)

	Departments []DepartmentConfig `yaml:"departments"` // required
	Menu        MenuConfig         `yaml:"menu"`
	Prompts     PromptsConfig      `yaml:"prompts"`

	PrometheusPort int           `yaml:"prometheus_port"`
	Logging        logger.Config `yaml:"logging"`

	// internal
	ServiceName string `yaml:"-"`
	NodeID      string // Do not provide, will be overwritten
}

// knownDepartments carries the digit and alias defaults for the stock menu.
// A department listed in config without a digit or aliases inherits these.
var knownDepartments = map[string]DepartmentConfig{
	"billing": {
		Digit:   "1",
		Aliases: []string{"billing", "bill", "payment", "invoice"},
	},
	"tech support": {
		Digit:   "2",
		Aliases: []string{"tech", "technical", "support", "it"},
	},
	"customer service": {
		Digit:   "3",
		Aliases: []string{"customer", "service", "agent", "representative"},
	},
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		TrunkUsername: os.Getenv("IVR_TRUNK_USERNAME"),
		TrunkPassword: os.Getenv("IVR_TRUNK_PASSWORD"),
		ServiceName:   "ivr-agent",
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate applies defaults and rejects configs that leave the menu policy
// unspecified. Timeout and retry limits intentionally have no defaults.
func (conf *Config) Validate() error {
	if conf.SIPPort == 0 {
		conf.SIPPort = DefaultSIPPort
	}
	if conf.RTPPort.Start == 0 {
		conf.RTPPort = PortRange{Start: 10000, End: 20000}
	}
	if conf.RTPPort.End <= conf.RTPPort.Start {
		return psrpc.NewErrorf(psrpc.InvalidArgument, "invalid rtp_port range %d-%d", conf.RTPPort.Start, conf.RTPPort.End)
	}
	if conf.PrometheusPort == 0 {
		conf.PrometheusPort = DefaultPrometheusPort
	}
	if conf.Menu.TransferTimeoutSec <= 0 {
		conf.Menu.TransferTimeoutSec = defaultTransferTimeoutSec
	}
	if conf.Menu.InputTimeoutSec <= 0 {
		return psrpc.NewErrorf(psrpc.InvalidArgument, "menu.input_timeout is required")
	}
	if conf.Menu.MaxAttempts <= 0 {
		return psrpc.NewErrorf(psrpc.InvalidArgument, "menu.max_attempts is required")
	}
	if len(conf.Departments) == 0 {
		return psrpc.NewErrorf(psrpc.InvalidArgument, "at least one department is required")
	}
	digits := make(map[string]string, len(conf.Departments))
	for i := range conf.Departments {
		d := &conf.Departments[i]
		if d.Name == "" {
			return psrpc.NewErrorf(psrpc.InvalidArgument, "department %d has no name", i)
		}
		if d.URI == "" {
			return psrpc.NewErrorf(psrpc.InvalidArgument, "department %q has no transfer uri", d.Name)
		}
		if def, ok := knownDepartments[strings.ToLower(d.Name)]; ok {
			if d.Digit == "" {
				d.Digit = def.Digit
			}
			if len(d.Aliases) == 0 {
				d.Aliases = def.Aliases
			}
		}
		if d.Digit == "" {
			return psrpc.NewErrorf(psrpc.InvalidArgument, "department %q has no digit", d.Name)
		}
		if prev, ok := digits[d.Digit]; ok {
			return psrpc.NewErrorf(psrpc.InvalidArgument, "digit %q is mapped to both %q and %q", d.Digit, prev, d.Name)
		}
		digits[d.Digit] = d.Name
	}
	if conf.OutcomeChannel == "" {
		conf.OutcomeChannel = "ivr_call_outcomes"
	}
	return nil
}

func (conf *Config) Init() error {
	conf.NodeID = utils.NewGuid("NE_")

	if err := conf.InitLogger(); err != nil {
		return err
	}

	return nil
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	values = append(c.GetLoggerValues(), values...)
	l := zl.WithValues(values...)
	logger.SetLogger(l, c.ServiceName)

	return nil
}

// To use with zap logger
func (c *Config) GetLoggerValues() []interface{} {
	return []interface{}{"nodeID", c.NodeID}
}

// To use with logrus
func (c *Config) GetLoggerFields() logrus.Fields {
	fields := logrus.Fields{
		"logger": c.ServiceName,
	}
	v := c.GetLoggerValues()
	for i := 0; i < len(v); i += 2 {
		fields[v[i].(string)] = v[i+1]
	}

	return fields
}
