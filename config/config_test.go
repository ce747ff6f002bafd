package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg123/mqbroker/routing"
)

func TestDefault(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())

	assert.Equal(t, "memory", s.Storage.Engine)
	assert.True(t, s.Storage.FaultTolerance.RestartOnError)
	assert.Equal(t, 90*time.Second, s.Storage.FaultTolerance.Timeout)
	assert.Equal(t, "127.0.0.1:10905", s.Address())

	s.ListenAddress = "0.0.0.0:2000"
	assert.Equal(t, "0.0.0.0:2000", s.Address())
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", DefaultFile)

	s := Default()
	s.ThisServerName = "s1"
	s.Password = "secret"
	s.Storage.Engine = "bolt"
	s.Storage.Path = "messages.db"
	s.Storage.FaultTolerance.RestartOnError = false
	s.Storage.FaultTolerance.RetryDelay = 3 * time.Second
	s.Servers = []ServerSettings{
		{Name: "s1", Address: "127.0.0.1:10905", Adjacents: []string{"s2"}},
		{Name: "s2", Address: "127.0.0.1:10906", Adjacents: []string{"s1"}},
	}
	s.Applications = []ApplicationSettings{
		{Name: "orders", WebServices: []WebServiceSettings{{Name: "api", URL: "http://localhost:8080/orders"}}},
		{Name: "billing"},
	}
	s.Routing = []routing.RuleSettings{{
		Name:         "split",
		Distribution: "random",
		Filters:      []routing.FilterSettings{{DestinationApplication: "orders"}},
		Destinations: []routing.DestinationSettings{{Application: "billing", Weight: 2}},
	}}

	require.NoError(t, Save(path, s))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestLoadOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mqbroker.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
this_server_name = "edge"

[storage.fault_tolerance]
timeout = "5s"

[[servers]]
name = "edge"
address = "127.0.0.1:7000"
`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "edge", s.ThisServerName)
	assert.Equal(t, "memory", s.Storage.Engine)
	assert.Equal(t, 5*time.Second, s.Storage.FaultTolerance.Timeout)
	assert.Equal(t, time.Second, s.Storage.FaultTolerance.RetryDelay)
	assert.True(t, s.Storage.FaultTolerance.RestartOnError)
	require.Len(t, s.Servers, 1)
	assert.Equal(t, "127.0.0.1:7000", s.Address())
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mqbroker.toml")
	require.NoError(t, Save(path, Default()))

	t.Setenv("MQBROKER_PASSWORD", "from-env")
	t.Setenv("MQBROKER_STORAGE_ENGINE", "badger")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", s.Password)
	assert.Equal(t, "badger", s.Storage.Engine)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Settings){
		"no name":           func(s *Settings) { s.ThisServerName = "" },
		"not in graph":      func(s *Settings) { s.ThisServerName = "other" },
		"bad address":       func(s *Settings) { s.Servers[0].Address = "nowhere" },
		"unknown adjacent":  func(s *Settings) { s.Servers[0].Adjacents = []string{"s9"} },
		"duplicate server":  func(s *Settings) { s.Servers = append(s.Servers, s.Servers[0]) },
		"unknown engine":    func(s *Settings) { s.Storage.Engine = "sqlite" },
		"bad log level":     func(s *Settings) { s.Logging.Level = "loud" },
		"duplicate app":     func(s *Settings) { s.Applications = []ApplicationSettings{{Name: "a"}, {Name: "a"}} },
		"bad web service":   func(s *Settings) { s.Applications = []ApplicationSettings{{Name: "a", WebServices: []WebServiceSettings{{Name: "x", URL: "::"}}}} },
		"rule without dest": func(s *Settings) { s.Routing = []routing.RuleSettings{{Name: "r"}} },
		"bad listen":        func(s *Settings) { s.ListenAddress = "localhost" },
		"listen port range": func(s *Settings) { s.ListenAddress = "127.0.0.1:70000" },
		"bad metrics":       func(s *Settings) { s.Metrics.ListenAddress = "metrics" },
	} {
		t.Run(name, func(t *testing.T) {
			s := Default()
			mutate(s)
			assert.ErrorIs(t, s.Validate(), ErrInvalid)
		})
	}
}

func TestEphemeralListenAddress(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:0", ":0", "[::1]:0", "0.0.0.0:10905"} {
		s := Default()
		s.ListenAddress = addr
		s.Metrics.ListenAddress = addr
		assert.NoError(t, s.Validate(), addr)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
