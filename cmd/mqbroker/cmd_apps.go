package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tg123/mqbroker/config"
	"github.com/tg123/mqbroker/controller"
)

var cmdApps = &cobra.Command{
	Use:   "apps",
	Short: "Manage the applications of a running broker",
	Run:   printUsageAndExit1,
}

var cmdAppsList = &cobra.Command{
	Use:   "list",
	Short: "List applications and their communicator counts",
	Args:  cobra.NoArgs,
	Run: withController(func(ctx context.Context, c *controller.Client, _ []string) error {
		apps, err := c.ApplicationList(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tCOMMUNICATORS")
		for _, a := range apps {
			fmt.Fprintf(tw, "%s\t%d\n", a.Name, a.CommunicatorCount)
		}
		return tw.Flush()
	}),
}

var cmdAppsAdd = &cobra.Command{
	Use:   "add [name]",
	Short: "Register a new application",
	Args:  cobra.ExactArgs(1),
	Run: withController(func(ctx context.Context, c *controller.Client, args []string) error {
		return c.AddApplication(ctx, args[0])
	}),
}

var cmdAppsRemove = &cobra.Command{
	Use:   "remove [name]",
	Short: "Remove an application and disconnect its communicators",
	Args:  cobra.ExactArgs(1),
	Run: withController(func(ctx context.Context, c *controller.Client, args []string) error {
		return c.RemoveApplication(ctx, args[0])
	}),
}

var flagControl struct {
	Address string
	Timeout time.Duration
}

func init() {
	cmdMain.AddCommand(cmdApps)
	cmdApps.AddCommand(cmdAppsList, cmdAppsAdd, cmdAppsRemove)

	for _, cmd := range []*cobra.Command{cmdApps, cmdGraph} {
		cmd.PersistentFlags().StringVarP(&flagControl.Address, "address", "a", "", "Broker address, defaults to the configured listen address")
		cmd.PersistentFlags().DurationVar(&flagControl.Timeout, "timeout", 10*time.Second, "Request timeout")
	}
}

// withController connects a management client using the local configuration
// for the address and password.
func withController(run func(context.Context, *controller.Client, []string) error) func(*cobra.Command, []string) {
	return func(_ *cobra.Command, args []string) {
		s, err := config.Load(configPath())
		checkf(err, "load configuration")

		addr := flagControl.Address
		if addr == "" {
			addr = s.Address()
		}

		c := controller.NewClient(controller.ClientConfig{
			Address:         addr,
			Name:            "mqbroker-cli",
			Password:        s.Password,
			ResponseTimeout: flagControl.Timeout,
		})
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), flagControl.Timeout)
		defer cancel()

		checkf(c.Connect(ctx), "connect to %s", addr)
		check(run(ctx, c, args))
	}
}
