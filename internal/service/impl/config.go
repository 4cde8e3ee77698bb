package impl

import (
	"time"

	"backplane/internal/config"
)

// Config carries the limits and lifetimes the services enforce.
type Config struct {
	ServerDomain          string
	MaxMessagesPerChannel int64
	MaxPayloadBytes       int
	AnonymousTokenTTL     time.Duration
	RegularTokenTTL       time.Duration
	PrivilegedTokenTTL    time.Duration // 0 = non-expiring
	CodeTTL               time.Duration
	DebugMode             bool

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func ConfigFrom(c config.Config) Config {
	return Config{
		ServerDomain:          c.ServerDomain,
		MaxMessagesPerChannel: c.MaxMessagesPerChannel,
		MaxPayloadBytes:       c.MaxPayloadBytes,
		AnonymousTokenTTL:     c.AnonymousTokenTTL,
		RegularTokenTTL:       c.RegularTokenTTL,
		PrivilegedTokenTTL:    c.PrivilegedTokenTTL,
		CodeTTL:               c.CodeTTL,
		DebugMode:             c.DebugMode,
	}
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}
