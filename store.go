package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/go-authgate/session-client/tokenstore"
)

// TokenStore is the configuration for a tokenstore.Store.
type TokenStore struct {
	Type   string `yaml:"type"`
	Config TokenStoreFactory
}

func (c *TokenStore) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig rawConfig

	err := value.Decode(&rawConfig)
	if err != nil {
		return err
	}

	var config TokenStoreFactory

	switch rawConfig.Type {
	case "memory":
		config = memoryTokenStore{}
	case "file":
		var factory fileTokenStore

		err := decode(rawConfig.Config, &factory)
		if err != nil {
			return err
		}

		config = factory
	case "redis":
		var factory redisTokenStore

		err := decode(rawConfig.Config, &factory)
		if err != nil {
			return err
		}

		config = factory
	default:
		return fmt.Errorf("unknown token store type: %s", rawConfig.Type)
	}

	c.Type = rawConfig.Type
	c.Config = config

	return nil
}

// TokenStoreFactory creates a new tokenstore.Store holding the named record.
// The returned function releases the store's resources.
type TokenStoreFactory interface {
	CreateTokenStore(record string) (tokenstore.Store, func() error, error)
	Validate() error
}

// rawConfig is a general struct to be used by other config structs to unmarshal yaml config first.
type rawConfig struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

func decode(input map[string]any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      output,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}

func noClose() error { return nil }

type memoryTokenStore struct{}

func (memoryTokenStore) CreateTokenStore(string) (tokenstore.Store, func() error, error) {
	return &tokenstore.Memory{}, noClose, nil
}

func (memoryTokenStore) Validate() error {
	return nil
}

type fileTokenStore struct {
	Path string `mapstructure:"path"`
}

func (c fileTokenStore) CreateTokenStore(record string) (tokenstore.Store, func() error, error) {
	return tokenstore.NewFile(c.Path, record), noClose, nil
}

func (c fileTokenStore) Validate() error {
	if c.Path == "" {
		return errors.New("token store: file: path is required")
	}

	return nil
}

type redisTokenStore struct {
	Addrs       []string      `mapstructure:"addrs"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
}

func (c redisTokenStore) CreateTokenStore(record string) (tokenstore.Store, func() error, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       c.Addrs,
		Username:    c.Username,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: c.DialTimeout,
	})

	return tokenstore.NewRedis(rdb, c.Prefix, record), rdb.Close, nil
}

func (c redisTokenStore) Validate() error {
	if len(c.Addrs) == 0 {
		return errors.New("token store: redis: at least one address is required")
	}

	if c.DB < 0 {
		return fmt.Errorf("token store: redis: db must not be negative, got: %d", c.DB)
	}

	return nil
}

// describeStore names where tokens are kept, for display.
func describeStore(store tokenstore.Store) string {
	switch s := store.(type) {
	case *tokenstore.File:
		return s.Path()
	case *tokenstore.Redis:
		return "redis key " + s.Key()
	default:
		return "memory"
	}
}
