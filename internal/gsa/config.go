package gsa

import (
	"errors"
	"io/fs"
	"os/user"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the gsadmin config file.
type Config struct {
	Hostname string
	Port     int
	Username string
	Debug    bool
}

// GetConfig reads the .gsadmin.toml configuration file for
// initialization. A missing file is not an error: everything in it can
// also come from command-line flags.
func GetConfig() (Config, error) {
	usr, err := user.Current()
	if err != nil {
		return Config{}, err
	}

	conf := Config{Port: 8000}
	path := filepath.Join(usr.HomeDir, ".gsadmin.toml")
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return conf, nil
		}
		return Config{}, err
	}
	if conf.Port == 0 {
		conf.Port = 8000
	}
	return conf, nil
}
