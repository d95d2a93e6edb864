// Package config holds the settings of the tracker and peer commands and
// loads overrides from P2PSHARE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/mcheviron/p2pshare/cmd/p2pshare/peering"
	"github.com/mcheviron/p2pshare/cmd/p2pshare/tracker"
)

// EnvPrefix prefixes every environment variable read by FromEnv. The rest of
// the name is the upper-cased mapstructure path joined by underscores, e.g.
// P2PSHARE_PEER_DOWNLOAD_RETRY_DELAY.
const EnvPrefix = "P2PSHARE_"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Tracker  tracker.Config `mapstructure:"tracker"`
	Peer     peering.Config `mapstructure:"peer"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Tracker:  tracker.DefaultConfig(),
		Peer:     peering.DefaultConfig(),
	}
}

// FromEnv returns Default overlaid with the P2PSHARE_* entries of environ,
// which has the form of os.Environ. Durations use time.ParseDuration syntax.
func FromEnv(environ []string) (Config, error) {
	c := Default()

	env := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(name, EnvPrefix) {
			env[name] = value
		}
	}

	overrides := make(map[string]any)
	for _, path := range fieldPaths(reflect.TypeOf(c), nil) {
		name := EnvPrefix + strings.ToUpper(strings.Join(path, "_"))
		if value, ok := env[name]; ok {
			setPath(overrides, path, value)
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           &c,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(overrides); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return c, c.Validate()
}

// fieldPaths lists the mapstructure paths of every leaf field of t.
func fieldPaths(t reflect.Type, prefix []string) [][]string {
	var paths [][]string
	for i := range t.NumField() {
		field := t.Field(i)
		tag, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if tag == "" || tag == "-" {
			continue
		}
		path := append(append([]string(nil), prefix...), tag)
		if field.Type.Kind() == reflect.Struct {
			paths = append(paths, fieldPaths(field.Type, path)...)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func setPath(m map[string]any, path []string, value string) {
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = value
}

// Level returns the zap level named by LogLevel.
func (c Config) Level() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.LogLevel)
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	_, err := c.Level()
	check(err == nil, "log_level %q is not a log level", c.LogLevel)
	check(c.Tracker.Listen != "", "tracker.listen is empty")

	p := c.Peer
	check(p.Host != "", "peer.host is empty")
	check(p.Port >= 0 && p.Port <= 65535, "peer.port %d out of range", p.Port)
	check(p.ShareDir != "", "peer.share_dir is empty")
	check(p.Tracker != "", "peer.tracker is empty")
	check(p.AcceptProbability >= 0 && p.AcceptProbability <= 1,
		"peer.accept_probability %v not within [0, 1]", p.AcceptProbability)
	check(p.Download.AttemptsPerPeer > 0, "peer.download.attempts_per_peer must be positive")
	check(p.Download.RetryDelay >= 0, "peer.download.retry_delay must not be negative")
	check(p.Download.DialTimeout > 0, "peer.download.dial_timeout must be positive")
	check(p.Download.ChunkSize > 0, "peer.download.chunk_size must be positive")
	check(p.Request.Timeout > 0, "peer.request.timeout must be positive")
	check(p.Request.Attempts > 0, "peer.request.attempts must be positive")

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return nil
}
