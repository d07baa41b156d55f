package attach

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/livetree/livetree/pkg/prog"
)

// config is the merged configuration of the attach subprogram. Flags and
// arguments override the corresponding fields of the config file.
type config struct {
	// Endpoint is the ws:// or wss:// URL of the server.
	Endpoint string `yaml:"endpoint"`
	// Document is a path to an HTML file used as the initial document. When
	// empty, a document with one empty container per view is synthesized.
	Document string `yaml:"document"`
	// Views lists ids of views to join on startup.
	Views []string `yaml:"views"`
	// DB is a path to the snapshot database.
	DB string `yaml:"db"`
	// Log is a path to a debug log file. The -log flag takes precedence.
	Log string `yaml:"log"`
}

func loadConfig(f *prog.Flags, args []string) (*config, error) {
	var cfg config
	if f.Config != "" {
		content, err := os.ReadFile(f.Config)
		if err != nil {
			return nil, fmt.Errorf("read config: %v", err)
		}
		if err := parseConfig(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %v", f.Config, err)
		}
	}
	if f.Endpoint != "" {
		cfg.Endpoint = f.Endpoint
	}
	if f.DB != "" {
		cfg.DB = f.DB
	}
	if len(args) > 0 {
		cfg.Views = args
	}
	return &cfg, nil
}

func parseConfig(content []byte, cfg *config) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	// Unknown fields are more likely typos than forward compatibility.
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
