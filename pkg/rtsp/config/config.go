// Package config implements the typed Config a SessionManager/
// ClientDialer are wired from, decoded via
// github.com/mitchellh/mapstructure from a generic map[string]any the
// way SilvaMendes-go-rtpengine's DecodeResposta decodes an engine's
// wire parameters into a typed ResponseRtp.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Config holds every key spec.md §6 enumerates as consumed, plus the
// per-path room-enable table the original keys as "RTSP Server
// <path>/Enable" in its flat config store.
type Config struct {
	Enable   bool     `mapstructure:"Enable"`
	Listener []string `mapstructure:"Listener"`

	RoomName string `mapstructure:"RoomName"`
	UserName string `mapstructure:"UserName"`
	Password string `mapstructure:"Password"`

	// NatIP is the NAT-visible address reported in Transport:
	// source= for inbound sessions (spec.md's natIp key).
	NatIP string `mapstructure:"NatIp"`

	AudioCodec string `mapstructure:"AudioCodec"`
	VideoCodec string `mapstructure:"VideoCodec"`

	VideoResolution string `mapstructure:"VideoResolution"`
	BandwidthFrom   int    `mapstructure:"BandwidthFrom"`
	FrameRateFrom   int    `mapstructure:"FrameRateFrom"`

	DisplayName string `mapstructure:"DisplayName"`

	// Rooms maps a path ("room1") to whether "RTSP Server
	// room1/Enable" is set, the flattened form of the original's
	// per-path config namespace.
	Rooms map[string]bool `mapstructure:"-"`
}

const (
	defaultVideoResolution = "352x288"
	defaultBandwidthFrom   = 256
	defaultFrameRateFrom   = 10
)

// Decode populates a Config from a generic map[string]any (as loaded
// from INI/YAML/JSON by the caller), applying spec.md §6's defaults
// for any field the source omits and splitting out every
// "RTSP Server <path>/Enable" key into Rooms.
func Decode(raw map[string]any) (*Config, error) {
	cfg := &Config{
		VideoResolution: defaultVideoResolution,
		BandwidthFrom:   defaultBandwidthFrom,
		FrameRateFrom:   defaultFrameRateFrom,
		Rooms:           make(map[string]bool),
	}

	decoderCfg := &mapstructure.DecoderConfig{
		Metadata:         nil,
		Result:           cfg,
		WeaklyTypedInput: true,
	}
	decoder, err := mapstructure.NewDecoder(decoderCfg)
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	for key, value := range raw {
		const prefix = "RTSP Server "
		const suffix = "/Enable"
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
			continue
		}
		path := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
		cfg.Rooms[path] = asBool(value)
	}

	return cfg, nil
}

// RoomEnabled reports whether path names a room explicitly enabled via
// "RTSP Server <path>/Enable", matching
// MCUConfig("RTSP Server "+path).GetBoolean(EnableKey)'s unknown-path
// default of false.
func (c *Config) RoomEnabled(path string) bool {
	return c.Rooms[path]
}

// ResolutionWidthHeight parses VideoResolution ("WxH") into its two
// integers, falling back to the §6 default on a malformed value.
func (c *Config) ResolutionWidthHeight() (width, height int) {
	res := c.VideoResolution
	if res == "" {
		res = defaultVideoResolution
	}
	parts := strings.SplitN(res, "x", 2)
	if len(parts) != 2 {
		parts = strings.SplitN(defaultVideoResolution, "x", 2)
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil {
		w, h = 352, 288
	}
	return w, h
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	default:
		return false
	}
}
