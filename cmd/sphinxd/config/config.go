// Package config parses and merges sphinxd's YAML config file with
// its command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/facebookgo/stackerr"
	"gopkg.in/yaml.v3"

	"github.com/zyh329/sphinxd"
	"github.com/zyh329/sphinxd/internal/util"
	"github.com/zyh329/sphinxd/log"
)

// Config is the user-facing input: addresses as strings, sizes in
// human form ("64m", "1024k").
type Config struct {
	ListenTCP      string `yaml:"listen-tcp,omitempty"`
	ListenUDP      string `yaml:"listen-udp,omitempty"`
	Threads        int    `yaml:"threads,omitempty"`
	Memory         string `yaml:"memory,omitempty"`
	SegmentSize    string `yaml:"segment-size,omitempty"`
	MaxItemSize    string `yaml:"max-item-size,omitempty"`
	Backend        string `yaml:"backend,omitempty"`
	LogDestination string `yaml:"log-destination,omitempty"` // Stdout, stderr, or filepath.
	LogLevel       string `yaml:"log-level,omitempty"`
}

func Default() *Config {
	return &Config{
		ListenTCP:      ":11211",
		Memory:         "64m",
		SegmentSize:    "1m",
		MaxItemSize:    "1m",
		Backend:        "epoll",
		LogDestination: "stderr",
		LogLevel:       "info",
	}
}

// Parsed is the validated, machine-shaped result.
type Parsed struct {
	Server         sphinxd.Config
	LogDestination io.Writer
	LogLevel       log.Level
}

func Parse(conf Config) (p Parsed, err error) {
	p.LogDestination, err = logDestination(conf.LogDestination)
	if err != nil {
		err = stackerr.Newf("Log destination open error: %v", err)
		return
	}
	p.LogLevel, err = log.LevelFromString(strings.ToUpper(conf.LogLevel))
	if err != nil {
		err = stackerr.Newf("Log level parse error: %v", err)
		return
	}
	p.Server.TCPAddr = conf.ListenTCP
	p.Server.UDPAddr = conf.ListenUDP
	p.Server.Threads = conf.Threads
	p.Server.Backend = conf.Backend
	p.Server.MemoryLimit, err = parseSize(conf.Memory)
	if err != nil {
		err = stackerr.Newf("Memory size parse error: %v", err)
		return
	}
	p.Server.SegmentSize, err = parseSize(conf.SegmentSize)
	if err != nil {
		err = stackerr.Newf("Segment size parse error: %v", err)
		return
	}
	var maxItem int64
	maxItem, err = parseSize(conf.MaxItemSize)
	if err != nil {
		err = stackerr.Newf("Max item size parse error: %v", err)
		return
	}
	if maxItem > p.Server.SegmentSize {
		err = stackerr.Newf("Too large max item size.")
		return
	}
	p.Server.MaxItemSize = int(maxItem)
	return
}

// Load reads and decodes a YAML config file into conf.
func Load(path string, conf *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return stackerr.Newf("Config file read error: %v", err)
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return stackerr.Newf("Config parse error: %v", err)
	}
	return nil
}

func Marshal(conf *Config) []byte {
	data, err := yaml.Marshal(conf)
	if err != nil {
		panic(err)
	}
	return data
}

// Merge overwrites def values with non-zero override values.
func Merge(def, override *Config) {
	defVal := reflect.ValueOf(def).Elem()
	overrideVal := reflect.ValueOf(override).Elem()
	for i, end := 0, defVal.NumField(); i < end; i++ {
		overrideVal := overrideVal.Field(i)
		if !util.IsZeroVal(overrideVal) {
			defVal.Field(i).Set(overrideVal)
		}
	}
}

func parseSize(s string) (size int64, err error) {
	if len(s) < 2 {
		err = errors.New("Invalid size format.")
		return
	}
	sep := len(s) - 1
	sizeStr := s[:sep]
	exponentStr := s[sep:]
	var exponent uint32
	switch strings.ToLower(exponentStr) {
	case "b":
		exponent = 0
	case "k":
		exponent = 10
	case "m":
		exponent = 20
	case "g":
		exponent = 30
	default:
		err = errors.New("Invalid exponent. Only 'b', 'k', 'm', 'g' allowed.")
		return
	}
	size, err = strconv.ParseInt(sizeStr, 10, 31)
	if err != nil {
		err = fmt.Errorf("Size parse error: %s", err)
		return
	}
	size <<= exponent
	return
}

func logDestination(dest string) (w io.Writer, err error) {
	switch strings.ToLower(dest) {
	case "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		w, err = os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	}
	return
}
