package kit

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/CodedInternet/gomihu/dispatch"
	"github.com/CodedInternet/gomihu/input"
	"github.com/CodedInternet/gomihu/link"
	"github.com/CodedInternet/gomihu/transport"
)

const (
	CONFIG_VERSION = "~1.0"

	LINK_BLE    = "ble"
	LINK_SERIAL = "serial"
	LINK_SIM    = "sim"
)

type Config struct {
	Version   string `yaml:"version"`
	Transport string `yaml:"transport"`
	Link      string `yaml:"link"`

	MinSendInterval time.Duration `yaml:"min_send_interval"`
	ChangeThreshold int           `yaml:"change_threshold"`
	SettleTimeout   time.Duration `yaml:"settle_timeout"` // negative disables
	WarnInterval    time.Duration `yaml:"warn_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`

	DeadZone   float64   `yaml:"dead_zone"`
	KnobTravel float64   `yaml:"knob_travel"`
	DPadPreset int       `yaml:"dpad_preset"`
	DPadGroups [2]string `yaml:"dpad_groups,flow"`
	Sticks     []string  `yaml:"sticks,flow"`

	Channels []int            `yaml:"channels,flow"`
	Groups   map[string][]int `yaml:"groups"`

	BLE         link.BLEConfig    `yaml:"ble"`
	Serial      link.SerialConfig `yaml:"serial"`
	FallbackURL string            `yaml:"fallback_url"`
	ICEServers  []string          `yaml:"ice_servers"`
}

func LoadConfig(filename string) (cfg Config, err error) {
	raw, err := ioutil.ReadFile(filename)
	if err != nil {
		return cfg, errors.Wrap(err, "unable to read kit config")
	}
	return ParseConfig(raw)
}

// ParseConfig reads a YAML kit config, fills in defaults and validates it.
func ParseConfig(raw []byte) (cfg Config, err error) {
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(err, "unable to unmarshal kit config")
	}

	cfg.setDefaults()
	err = cfg.Validate()
	return
}

// DefaultConfig is the stock four motor kit over BLE.
func DefaultConfig() Config {
	cfg := Config{Version: "1.0.0"}
	cfg.setDefaults()
	return cfg
}

func (cfg *Config) setDefaults() {
	if cfg.Transport == "" {
		cfg.Transport = string(transport.ModeBLE)
	}
	if cfg.Link == "" {
		cfg.Link = LINK_BLE
	}
	if cfg.MinSendInterval == 0 {
		cfg.MinSendInterval = dispatch.MIN_SEND_INTERVAL
	}
	if cfg.ChangeThreshold == 0 {
		cfg.ChangeThreshold = dispatch.CHANGE_THRESHOLD
	}
	if cfg.SettleTimeout == 0 {
		cfg.SettleTimeout = dispatch.SETTLE_TIMEOUT
	}
	if cfg.WriteTimeout == 0 && cfg.SettleTimeout > 0 {
		cfg.WriteTimeout = cfg.SettleTimeout
	}
	if cfg.WarnInterval == 0 {
		cfg.WarnInterval = transport.WARN_INTERVAL
	}
	if cfg.DeadZone == 0 {
		cfg.DeadZone = input.DEAD_ZONE
	}
	if cfg.KnobTravel == 0 {
		cfg.KnobTravel = input.KNOB_TRAVEL
	}
	if cfg.DPadPreset == 0 {
		cfg.DPadPreset = input.DPAD_PRESET
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []int{1, 2, 3, 4}
	}
	if len(cfg.Groups) == 0 {
		cfg.Groups = dispatch.DefaultGroups()
	}
	if cfg.DPadGroups == [2]string{} {
		cfg.DPadGroups = [2]string{"L", "R"}
	}
	if cfg.Sticks == nil {
		cfg.Sticks = []string{"L", "R"}
	}
	if cfg.FallbackURL == "" {
		cfg.FallbackURL = transport.DEFAULT_FALLBACK_URL
	}
}

func (cfg Config) Validate() (err error) {
	version, err := semver.NewVersion(cfg.Version)
	if err != nil {
		return errors.Wrapf(err, "bad config version %q", cfg.Version)
	}
	constraint, err := semver.NewConstraint(CONFIG_VERSION)
	if err != nil {
		return
	}
	if !constraint.Check(version) {
		return fmt.Errorf("unable to use config version %s - require %s", cfg.Version, CONFIG_VERSION)
	}

	if _, err = transport.ParseMode(cfg.Transport); err != nil {
		return
	}

	switch cfg.Link {
	case LINK_BLE, LINK_SIM:
	case LINK_SERIAL:
		if cfg.Serial.Port == "" {
			return errors.New("serial link needs a port")
		}
	default:
		return fmt.Errorf("unknown link %q", cfg.Link)
	}

	if cfg.DeadZone < 0 || cfg.DeadZone >= 1 {
		return fmt.Errorf("dead zone %v out of range", cfg.DeadZone)
	}
	if cfg.DPadPreset < 0 || cfg.DPadPreset > dispatch.MAX_SPEED {
		return fmt.Errorf("dpad preset %d out of range", cfg.DPadPreset)
	}

	names := append([]string{}, cfg.Sticks...)
	for _, name := range append(names, cfg.DPadGroups[:]...) {
		if _, ok := cfg.Groups[name]; !ok {
			return fmt.Errorf("group %s is not configured", name)
		}
	}

	return
}

func (cfg Config) dispatchConfig() dispatch.Config {
	dc := dispatch.Config{
		MinSendInterval: cfg.MinSendInterval,
		ChangeThreshold: cfg.ChangeThreshold,
		SettleTimeout:   cfg.SettleTimeout,
		Clock:           dispatch.WallClock,
	}
	if dc.SettleTimeout < 0 {
		dc.SettleTimeout = 0
	}
	return dc
}
