package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/sip_negotiation/pkg/codec_params"
	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

// codecConfig кодек из файла возможностей
type codecConfig struct {
	PayloadType uint8  `yaml:"payload_type"`
	Name        string `yaml:"name"`
	ClockRate   uint32 `yaml:"clock_rate"`
	Channels    uint   `yaml:"channels"`
	Fmtp        string `yaml:"fmtp"`
}

// capabilities локальные возможности: кодеки по типам медиа и адрес
type capabilities struct {
	Address  string                   `yaml:"address"`
	BasePort int                      `yaml:"base_port"`
	Codecs   map[string][]codecConfig `yaml:"codecs"`
}

func loadCapabilities(path string) (*capabilities, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read capabilities")
	}
	return parseCapabilities(data)
}

func parseCapabilities(data []byte) (*capabilities, error) {
	caps := &capabilities{}
	if err := yaml.Unmarshal(data, caps); err != nil {
		return nil, errors.Wrap(err, "failed to parse capabilities")
	}
	if caps.Address == "" {
		return nil, errors.New("не задан адрес медиа")
	}
	if caps.BasePort == 0 {
		caps.BasePort = 4000
	}
	if caps.BasePort < 0 || caps.BasePort > 65534 {
		return nil, errors.Errorf("некорректный base_port %d", caps.BasePort)
	}
	return caps, nil
}

// codecs возвращает кодеки для типа медиа с разобранными fmtp
func (c *capabilities) codecs(registry *codec_params.Registry, mediaType mt.MediaType) []mt.Codec {
	list := c.Codecs[mediaType.String()]
	out := make([]mt.Codec, 0, len(list))
	for _, cc := range list {
		codec := mt.Codec{
			PayloadType:  cc.PayloadType,
			EncodingName: cc.Name,
			ClockRate:    cc.ClockRate,
			Channels:     cc.Channels,
		}
		if cc.Fmtp != "" {
			registry.Parse(mediaType, &codec, cc.Fmtp)
		}
		out = append(out, codec)
	}
	return out
}
