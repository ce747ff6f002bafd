package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg123/mqbroker/broker"
	"github.com/tg123/mqbroker/config"
)

func TestInitConfig(t *testing.T) {
	dir := t.TempDir()
	flagMain.WorkDir = dir
	flagInit.Name = "edge"
	flagInit.Address = "127.0.0.1:10999"
	flagInit.Engine = "bolt"
	flagInit.Apps = []string{"orders", "billing"}

	initConfig(nil, nil)

	s, err := config.Load(filepath.Join(dir, config.DefaultFile))
	require.NoError(t, err)
	assert.Equal(t, "edge", s.ThisServerName)
	assert.Equal(t, "127.0.0.1:10999", s.Address())
	assert.Equal(t, "bolt", s.Storage.Engine)
	assert.Equal(t, filepath.Join(dir, "data", "messages.db"), s.Storage.Path)
	require.Len(t, s.Applications, 2)
	assert.Equal(t, "orders", s.Applications[0].Name)

	info, err := broker.GraphInfo(s.ThisServerName, s.Servers)
	require.NoError(t, err)
	require.Len(t, info.Servers, 1)
	assert.Equal(t, int32(10999), info.Servers[0].Port)
}
