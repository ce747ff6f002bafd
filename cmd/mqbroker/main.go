package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tg123/mqbroker/config"
)

var cmdMain = &cobra.Command{
	Use:   "mqbroker",
	Short: "Store and forward message broker",
	Run:   printUsageAndExit1,
}

var flagMain struct {
	WorkDir string
	Config  string
}

func init() {
	cmdMain.PersistentFlags().StringVarP(&flagMain.WorkDir, "work-dir", "w", ".", "Working directory for configuration and data")
	cmdMain.PersistentFlags().StringVarP(&flagMain.Config, "config", "c", "", "Configuration file, defaults to "+config.DefaultFile+" in the working directory")
}

func main() {
	_ = cmdMain.Execute()
}

func configPath() string {
	if flagMain.Config != "" {
		return flagMain.Config
	}
	return filepath.Join(flagMain.WorkDir, config.DefaultFile)
}

func printUsageAndExit1(cmd *cobra.Command, args []string) {
	_ = cmd.Usage()
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func checkf(err error, format string, otherArgs ...interface{}) {
	if err != nil {
		fatalf(format+": %v", append(otherArgs, err)...)
	}
}
