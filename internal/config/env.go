package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads the given .env files into the process environment
// without overriding variables that are already set. Missing files are
// skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv fills secrets the file left empty from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if *dst == "" {
			*dst = getenv(key)
		}
	}
	set(&c.Store.DSN, "DATABASE_URL")
	set(&c.Settlement.Token, "COINFLIP_RELAYER_TOKEN")
	set(&c.Settlement.URL, "COINFLIP_RELAYER_URL")
	if a := c.Auth; a != nil {
		set(&a.Secret, "COINFLIP_AUTH_SECRET")
	}
	if a := c.Archive; a != nil {
		set(&a.AccessKey, "AWS_ACCESS_KEY_ID")
		set(&a.SecretKey, "AWS_SECRET_ACCESS_KEY")
		set(&a.Endpoint, "COINFLIP_ARCHIVE_ENDPOINT")
	}
}
