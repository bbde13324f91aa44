package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/converge/internal/api"
	"github.com/dreamware/converge/internal/cluster"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type client struct {
	server string
}

func (c *client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(c.server, "/") + "/" + strings.Join(escaped, "/")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	c := &client{}
	root := &cobra.Command{
		Use:           "convergectl",
		Short:         "Operate converge clusters through the admin API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.server, "server", "s", getenv("CONVERGE_SERVER", "http://localhost:8080"), "admin API base URL")

	root.AddCommand(
		newClusterCmd(c),
		newInstanceCmd(c),
		newResourceCmd(c),
		newRebalanceCmd(c),
		newViewCmd(c),
		newListenersCmd(c),
		newVerifyCmd(c),
	)
	return root
}

func newClusterCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "cluster", Short: "Manage clusters"}

	var grand string
	var grandReplicas int
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.AddClusterRequest{Name: args[0], GrandCluster: grand, GrandReplicas: grandReplicas}
			var out map[string]any
			if err := cluster.PostJSON(cmd.Context(), c.url("clusters"), req, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	add.Flags().StringVar(&grand, "grand", "", "grand cluster that manages the new cluster")
	add.Flags().IntVar(&grandReplicas, "grand-replicas", 0, "controllers competing for the cluster (default 3)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := cluster.GetJSON(cmd.Context(), c.url("clusters"), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	show := &cobra.Command{
		Use:   "show NAME",
		Short: "Show a cluster's instances, resources and leader",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out api.ClusterResponse
			if err := cluster.GetJSON(cmd.Context(), c.url("clusters", args[0]), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	cmd.AddCommand(add, list, show)
	return cmd
}

func newInstanceCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "instance", Short: "Manage instances"}

	add := &cobra.Command{
		Use:   "add CLUSTER HOST:PORT",
		Short: "Configure an instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := cluster.PostJSON(cmd.Context(), c.url("clusters", args[0], "instances"), api.AddInstanceRequest{HostPort: args[1]}, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	enable := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " CLUSTER INSTANCE",
			Short: strings.ToUpper(use[:1]) + use[1:] + " an instance for placement",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return cluster.PostJSON(cmd.Context(), c.url("clusters", args[0], "instances", args[1], "enable"), api.EnableRequest{Enabled: enabled}, nil)
			},
		}
	}

	drop := &cobra.Command{
		Use:   "drop CLUSTER INSTANCE",
		Short: "Remove an instance that is not live",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cluster.Delete(cmd.Context(), c.url("clusters", args[0], "instances", args[1]))
		},
	}

	replicas := &cobra.Command{
		Use:   "replicas CLUSTER INSTANCE",
		Short: "Show the replicas a mock participant of the server hosts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := cluster.GetJSON(cmd.Context(), c.url("clusters", args[0], "instances", args[1], "replicas"), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	cmd.AddCommand(add, enable("enable", true), enable("disable", false), drop, replicas)
	return cmd
}

func newResourceCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "resource", Short: "Manage resources"}

	rc := cluster.ResourceConfig{}
	add := &cobra.Command{
		Use:   "add CLUSTER NAME",
		Short: "Create a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc.Name = args[1]
			var out cluster.ResourceConfig
			if err := cluster.PostJSON(cmd.Context(), c.url("clusters", args[0], "resources"), rc, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	add.Flags().StringVar(&rc.StateModel, "model", cluster.MasterSlave, "state model")
	add.Flags().IntVar(&rc.Partitions, "partitions", 1, "number of partitions")
	add.Flags().IntVar(&rc.Replicas, "replicas", 0, "replicas per partition (0 places nothing until rebalance)")
	add.Flags().StringVar(&rc.Strategy, "strategy", "", "placement strategy (default: the controller's)")

	drop := &cobra.Command{
		Use:   "drop CLUSTER NAME",
		Short: "Remove a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cluster.Delete(cmd.Context(), c.url("clusters", args[0], "resources", args[1]))
		},
	}

	cmd.AddCommand(add, drop)
	return cmd
}

func newRebalanceCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "rebalance CLUSTER RESOURCE REPLICAS",
		Short: "Set a resource's replica count",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			replicas, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("replicas: %w", err)
			}
			return cluster.PostJSON(cmd.Context(), c.url("clusters", args[0], "resources", args[1], "rebalance"), api.RebalanceRequest{Replicas: replicas}, nil)
		},
	}
}

func newViewCmd(c *client) *cobra.Command {
	var ideal bool
	cmd := &cobra.Command{
		Use:   "view CLUSTER RESOURCE",
		Short: "Print a resource's external view, or its ideal state with --ideal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ideal {
				var out cluster.IdealState
				if err := cluster.GetJSON(cmd.Context(), c.url("clusters", args[0], "resources", args[1], "idealstate"), &out); err != nil {
					return err
				}
				return printJSON(cmd, out)
			}
			var out cluster.ExternalView
			if err := cluster.GetJSON(cmd.Context(), c.url("clusters", args[0], "resources", args[1], "externalview"), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().BoolVar(&ideal, "ideal", false, "print the ideal state instead")
	return cmd
}

func newListenersCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "listeners CLUSTER",
		Short: "Print the number of watches on each instance's message queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]int
			if err := cluster.GetJSON(cmd.Context(), c.url("clusters", args[0], "listeners"), &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newVerifyCmd(c *client) *cobra.Command {
	var attempts int
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "verify CLUSTER",
		Short: "Wait until the external view matches the best-possible state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := c.url("clusters", args[0], "verify")
			q := url.Values{}
			if attempts > 0 {
				q.Set("max_attempts", strconv.Itoa(attempts))
			}
			if interval > 0 {
				q.Set("interval_ms", strconv.FormatInt(interval.Milliseconds(), 10))
			}
			if len(q) > 0 {
				u += "?" + q.Encode()
			}
			var out api.VerifyResponse
			if err := cluster.PostJSON(cmd.Context(), u, struct{}{}, &out); err != nil {
				return err
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			if !out.Converged {
				return fmt.Errorf("cluster %s did not converge", args[0])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&attempts, "attempts", 0, "poll attempts (default: the server's)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default: the server's)")
	return cmd
}
