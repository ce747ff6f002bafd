package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml"
	"github.com/spf13/viper"
	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/routing"
	"github.com/tg123/mqbroker/storage"
)

const (
	EnvPrefix   = "MQBROKER"
	DefaultFile = "mqbroker.toml"
	DefaultPort = "10905"
)

var ErrInvalid = errors.New("invalid settings")

type ServerSettings struct {
	Name    string `mapstructure:"name" toml:"name" validate:"required"`
	Address string `mapstructure:"address" toml:"address" validate:"required,hostname_port"`
	// Adjacents are the servers this one has a direct connection to.
	Adjacents []string `mapstructure:"adjacents" toml:"adjacents"`
	Location  string   `mapstructure:"location" toml:"location,omitempty"`
}

type WebServiceSettings struct {
	Name string `mapstructure:"name" toml:"name" validate:"required"`
	URL  string `mapstructure:"url" toml:"url" validate:"required,url"`
}

type ApplicationSettings struct {
	Name        string               `mapstructure:"name" toml:"name" validate:"required"`
	WebServices []WebServiceSettings `mapstructure:"web_services" toml:"web_services,omitempty" validate:"dive"`
}

type MetricsSettings struct {
	// ListenAddress of the prometheus endpoint, empty disables it.
	ListenAddress string `mapstructure:"listen_address" toml:"listen_address" validate:"omitempty,listen_address"`
}

type Settings struct {
	ThisServerName string `mapstructure:"this_server_name" toml:"this_server_name" validate:"required"`
	// ListenAddress defaults to the address of this server in Servers.
	ListenAddress string `mapstructure:"listen_address" toml:"listen_address,omitempty" validate:"omitempty,listen_address"`
	Password      string `mapstructure:"password" toml:"password,omitempty"`

	Logging      logging.Settings       `mapstructure:"logging" toml:"logging"`
	Storage      storage.Settings       `mapstructure:"storage" toml:"storage"`
	Metrics      MetricsSettings        `mapstructure:"metrics" toml:"metrics"`
	Servers      []ServerSettings       `mapstructure:"servers" toml:"servers" validate:"min=1,dive"`
	Applications []ApplicationSettings  `mapstructure:"applications" toml:"applications,omitempty" validate:"dive"`
	Routing      []routing.RuleSettings `mapstructure:"routing" toml:"routing,omitempty" validate:"dive"`
}

// Default is a single server graph with the in-memory storage engine.
func Default() *Settings {
	return &Settings{
		ThisServerName: "server1",
		Logging:        logging.Settings{Level: "info", Format: "text"},
		Storage: storage.Settings{
			Engine:         string(storage.EngineMemory),
			FaultTolerance: storage.DefaultFaultToleranceSettings(),
		},
		Servers: []ServerSettings{
			{Name: "server1", Address: net.JoinHostPort("127.0.0.1", DefaultPort)},
		},
	}
}

// Server returns the graph entry named name.
func (s *Settings) Server(name string) (ServerSettings, bool) {
	for _, srv := range s.Servers {
		if srv.Name == name {
			return srv, true
		}
	}

	return ServerSettings{}, false
}

// Address is where the broker listens.
func (s *Settings) Address() string {
	if s.ListenAddress != "" {
		return s.ListenAddress
	}

	if srv, ok := s.Server(s.ThisServerName); ok {
		return srv.Address
	}

	return net.JoinHostPort("", DefaultPort)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// hostname_port refuses port 0, a listener may ask for an ephemeral one
	if err := v.RegisterValidation("listen_address", validListenAddress); err != nil {
		panic(err)
	}

	return v
}

func validListenAddress(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}

	_, err = strconv.ParseUint(port, 10, 16)
	return err == nil
}

// Validate checks the struct tags and the references between servers.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	names := map[string]bool{}
	for _, srv := range s.Servers {
		if names[srv.Name] {
			return fmt.Errorf("%w: duplicate server %q", ErrInvalid, srv.Name)
		}
		names[srv.Name] = true
	}

	if !names[s.ThisServerName] {
		return fmt.Errorf("%w: this server %q is not in the server graph", ErrInvalid, s.ThisServerName)
	}

	for _, srv := range s.Servers {
		for _, a := range srv.Adjacents {
			if !names[a] {
				return fmt.Errorf("%w: server %q is adjacent to unknown server %q", ErrInvalid, srv.Name, a)
			}
		}
	}

	apps := map[string]bool{}
	for _, app := range s.Applications {
		if apps[app.Name] {
			return fmt.Errorf("%w: duplicate application %q", ErrInvalid, app.Name)
		}
		apps[app.Name] = true
	}

	return nil
}

// Load reads path over the defaults. The format follows the file extension
// and MQBROKER_ prefixed environment variables override file values, for
// example MQBROKER_STORAGE_CONNECTION_STRING.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{"this_server_name", "listen_address", "password", "storage.engine", "storage.path", "storage.connection_string", "logging.level", "logging.format", "metrics.listen_address"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	s := Default()
	// a file with its own graph replaces the default one
	s.Servers = nil
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes s as toml, creating the parent directory when needed.
func Save(path string, s *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(s); err != nil {
		return err
	}

	return f.Close()
}
