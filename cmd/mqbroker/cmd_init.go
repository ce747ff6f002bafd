package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tg123/mqbroker/config"
	"github.com/tg123/mqbroker/storage"
)

var cmdInit = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration to the working directory",
	Run:   initConfig,
	Args:  cobra.NoArgs,
}

var flagInit struct {
	Name    string
	Address string
	Engine  string
	Apps    []string
	Force   bool
}

func init() {
	cmdMain.AddCommand(cmdInit)

	cmdInit.Flags().StringVar(&flagInit.Name, "name", "server1", "Name of this server")
	cmdInit.Flags().StringVar(&flagInit.Address, "address", "127.0.0.1:"+config.DefaultPort, "Address this server listens on")
	cmdInit.Flags().StringVar(&flagInit.Engine, "engine", string(storage.EngineBolt), "Storage engine: memory, bolt, badger or postgres")
	cmdInit.Flags().StringSliceVar(&flagInit.Apps, "app", nil, "Application to register, may be repeated")
	cmdInit.Flags().BoolVarP(&flagInit.Force, "force", "f", false, "Overwrite an existing configuration")
}

func initConfig(*cobra.Command, []string) {
	path := configPath()
	if _, err := os.Stat(path); err == nil && !flagInit.Force {
		fatalf("%s already exists, use --force to overwrite", path)
	}

	dir, err := filepath.Abs(flagMain.WorkDir)
	check(err)

	s := config.Default()
	s.ThisServerName = flagInit.Name
	s.Servers = []config.ServerSettings{{Name: flagInit.Name, Address: flagInit.Address}}
	s.Storage.Engine = flagInit.Engine

	switch storage.Engine(flagInit.Engine) {
	case storage.EngineBolt:
		s.Storage.Path = filepath.Join(dir, "data", "messages.db")
	case storage.EngineBadger:
		s.Storage.Path = filepath.Join(dir, "data", "messages")
	}

	for _, name := range flagInit.Apps {
		s.Applications = append(s.Applications, config.ApplicationSettings{Name: name})
	}

	checkf(s.Validate(), "invalid configuration")
	checkf(config.Save(path, s), "write %s", path)
	fmt.Println("Wrote", path)
}
