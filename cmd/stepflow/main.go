package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stepflow/stepflow/config"
	"github.com/stepflow/stepflow/engine"
	"github.com/stepflow/stepflow/loader"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/registry"
)

type cli struct {
	cfg config.Config
	eng *engine.Engine
}

func setupFlags(cmd *cobra.Command) error {
	cmd.PersistentFlags().String("config-file", "", "Path to config file.")
	cmd.PersistentFlags().String("workflows-dir", "workflows", "root directory holding workflow definitions")
	cmd.PersistentFlags().Int("max-loop-iterations", 1000, "iteration cap for while-loop steps")
	cmd.PersistentFlags().Int("max-workflow-depth", 16, "nesting cap for execute-workflow steps")
	cmd.PersistentFlags().Duration("retry-backoff", time.Second, "base backoff between step retries")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	return viper.BindPFlags(cmd.PersistentFlags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err = viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}
	}

	c.cfg = config.Default()
	c.cfg.WorkflowsDir = viper.GetString("workflows-dir")
	c.cfg.MaxLoopIterations = viper.GetInt("max-loop-iterations")
	c.cfg.MaxWorkflowDepth = viper.GetInt("max-workflow-depth")
	c.cfg.RetryBackoff = viper.GetDuration("retry-backoff")
	c.cfg.Debug = viper.GetBool("debug")

	logger.InitLogger(c.cfg.Debug)
	l := loader.New(c.cfg.WorkflowsDir)
	reg := registry.New(l, c.cfg.IndexPath())
	c.eng = engine.New(reg, c.cfg)
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	inputs := map[string]any{}
	pairs, err := cmd.Flags().GetStringArray("input")
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return fmt.Errorf("invalid input '%s', expected key=value", pair)
		}
		inputs[key] = value
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ec, err := c.eng.Execute(ctx, args[0], inputs)
	if ec != nil {
		printJSON(ec.Summary())
	}
	return err
}

func (c *cli) list(cmd *cobra.Command, args []string) error {
	category, _ := cmd.Flags().GetString("category")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	entries, err := c.eng.Registry().List(category, tags)
	if err != nil {
		return err
	}
	printJSON(entries)
	return nil
}

func (c *cli) search(cmd *cobra.Command, args []string) error {
	matches, err := c.eng.Registry().Search(args[0])
	if err != nil {
		return err
	}
	printJSON(matches)
	return nil
}

func (c *cli) scan(cmd *cobra.Command, args []string) error {
	if err := c.eng.Registry().Scan(); err != nil {
		return err
	}
	stats, err := c.eng.Registry().Stats()
	if err != nil {
		return err
	}
	printJSON(stats)
	return nil
}

func (c *cli) stats(cmd *cobra.Command, args []string) error {
	stats, err := c.eng.Registry().Stats()
	if err != nil {
		return err
	}
	printJSON(stats)
	return nil
}

func (c *cli) deps(cmd *cobra.Command, args []string) error {
	recursive, _ := cmd.Flags().GetBool("recursive")
	if _, err := c.eng.Registry().Get(args[0]); err != nil {
		return err
	}
	printJSON(map[string]any{
		"dependencies": c.eng.Registry().DependenciesOf(args[0], recursive),
		"dependents":   c.eng.Registry().DependentsOf(args[0]),
	})
	return nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(data))
}

func main() {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:               "stepflow",
		Short:             "Declarative workflow execution engine",
		PersistentPreRunE: c.setupConfig,
	}
	if err := setupFlags(rootCmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	runCmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Execute a workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  c.run,
	}
	runCmd.Flags().StringArray("input", nil, "workflow input as key=value, repeatable")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workflows",
		RunE:  c.list,
	}
	listCmd.Flags().String("category", "", "filter by category")
	listCmd.Flags().StringSlice("tag", nil, "filter by tag")

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search workflows by name, description, id or tag",
		Args:  cobra.ExactArgs(1),
		RunE:  c.search,
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Rescan the workflows directory and rebuild the index",
		RunE:  c.scan,
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show registry statistics",
		RunE:  c.stats,
	}

	depsCmd := &cobra.Command{
		Use:   "deps <workflow-id>",
		Short: "Show workflow dependencies and dependents",
		Args:  cobra.ExactArgs(1),
		RunE:  c.deps,
	}
	depsCmd.Flags().Bool("recursive", false, "include transitive dependencies")

	rootCmd.AddCommand(runCmd, listCmd, searchCmd, scanCmd, statsCmd, depsCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
