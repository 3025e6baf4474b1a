package relay

import "time"

const (
	DefaultEndpointName = "globalchat"
	DefaultAvatarHost   = "cdn.discordapp.com"

	// Platform upload limit for bots without boosted guilds.
	DefaultMaxAttachmentBytes int64 = 8 << 20
)

type Config struct {
	Workers            int
	QueueSize          int
	MaxInflight        int
	RatePerSec         int
	RetryMax           int
	RetryBase          time.Duration
	RetryMaxDelay      time.Duration
	CallTimeout        time.Duration
	FetchTimeout       time.Duration
	MaxAttachmentBytes int64
	EndpointName       string
	AvatarHost         string
	StatusMax          int
	StatusTTL          time.Duration
}

// DefaultConfig returns the settings used for omitted fields.
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		QueueSize:          512,
		MaxInflight:        16,
		RatePerSec:         20,
		RetryMax:           2,
		RetryBase:          300 * time.Millisecond,
		RetryMaxDelay:      10 * time.Second,
		CallTimeout:        10 * time.Second,
		FetchTimeout:       15 * time.Second,
		MaxAttachmentBytes: DefaultMaxAttachmentBytes,
		EndpointName:       DefaultEndpointName,
		AvatarHost:         DefaultAvatarHost,
		StatusMax:          200,
		StatusTTL:          24 * time.Hour,
	}
}

// withDefaults fills zero fields. RetryMax is taken as-is (0 disables retries).
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = d.MaxInflight
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = d.RatePerSec
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.MaxAttachmentBytes <= 0 {
		c.MaxAttachmentBytes = d.MaxAttachmentBytes
	}
	if c.EndpointName == "" {
		c.EndpointName = d.EndpointName
	}
	if c.AvatarHost == "" {
		c.AvatarHost = d.AvatarHost
	}
	if c.StatusMax <= 0 {
		c.StatusMax = d.StatusMax
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = d.StatusTTL
	}
	return c
}
