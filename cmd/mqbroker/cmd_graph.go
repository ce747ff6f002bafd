package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tg123/mqbroker/broker"
	"github.com/tg123/mqbroker/config"
	"github.com/tg123/mqbroker/controller"
)

var cmdGraph = &cobra.Command{
	Use:   "graph",
	Short: "Show or replace the server graph of a running broker",
	Args:  cobra.NoArgs,
	Run: withController(func(ctx context.Context, c *controller.Client, _ []string) error {
		g, err := c.ServerGraph(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tADDRESS\tADJACENTS\tLOCATION")
		for _, s := range g.Servers {
			name := s.Name
			if name == g.ThisServerName {
				name += " *"
			}
			fmt.Fprintf(tw, "%s\t%s:%d\t%s\t%s\n", name, s.IPAddress, s.Port, s.Adjacents, s.Location)
		}
		return tw.Flush()
	}),
}

var cmdGraphPush = &cobra.Command{
	Use:   "push",
	Short: "Replace the graph of the broker with the servers of the local configuration",
	Args:  cobra.NoArgs,
	Run: withController(func(ctx context.Context, c *controller.Client, _ []string) error {
		s, err := config.Load(configPath())
		if err != nil {
			return err
		}

		info, err := broker.GraphInfo(s.ThisServerName, s.Servers)
		if err != nil {
			return err
		}
		return c.UpdateServerGraph(ctx, info)
	}),
}

func init() {
	cmdMain.AddCommand(cmdGraph)
	cmdGraph.AddCommand(cmdGraphPush)
}
