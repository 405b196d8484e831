package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/docservice/pkg/app"
	"github.com/nimburion/docservice/pkg/config"
	"github.com/nimburion/docservice/pkg/observability/logger"
	"github.com/nimburion/docservice/pkg/version"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
)

// CommandPolicy defines the supported command policy values.
type CommandPolicy string

const (
	PolicyAlways   CommandPolicy = "always"
	PolicyNever    CommandPolicy = "never"
	PolicyOnce     CommandPolicy = "once"
	PolicyRun      CommandPolicy = "run"
	PolicyManual   CommandPolicy = "manual"
	PolicyOnDemand CommandPolicy = "on_demand"
)

// ServiceCommandOptions configures the root command.
type ServiceCommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Optional: custom config validation, run after the built-in one.
	ValidateConfig func(cfg *config.Config) error

	// Optional: additional custom commands
	CustomCommands []*cobra.Command
}

// NewServiceCommand builds the root command with serve, cache, healthcheck, config and version subcommands.
func NewServiceCommand(opts ServiceCommandOptions) *cobra.Command {
	opts.EnvPrefix = resolveEnvPrefix(opts.EnvPrefix)
	if opts.Name == "" {
		opts.Name = "docservice"
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	SetCommandPolicies(rootCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	var cfgPath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	config.RegisterFlags(rootCmd.PersistentFlags())

	loadConfig := func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, opts.ValidateConfig, flags)
	}

	// version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			if info.GoVersion != "" {
				fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
			}
		},
	}
	SetCommandPolicies(versionCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	rootCmd.AddCommand(versionCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the database and serve the REST gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer syncLogger(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
	SetCommandPolicies(serveCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = serveCmd.RunE

	// cache command
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Cache management commands",
	}
	SetCommandPolicies(cacheCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})

	var pattern string
	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Clean cache entries here and on every instance sharing the event bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer syncLogger(log)

			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(cmd.Context()); err != nil {
				return err
			}

			target := strings.TrimSpace(pattern)
			if target == "" {
				target = a.Service().CachePattern()
			}
			if err := a.CleanCache(cmd.Context(), target); err != nil {
				return fmt.Errorf("clean cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleaned cache entries matching %q\n", target)
			return nil
		},
	}
	SetCommandPolicies(cleanCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})
	cleanCmd.Flags().StringVarP(&pattern, "pattern", "p", "", "cache key pattern to clean (defaults to the service namespace)")
	cacheCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(cacheCmd)

	// healthcheck command
	var healthTimeout time.Duration
	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the database, cache and event bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer syncLogger(log)

			ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
			defer cancel()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(ctx); err != nil {
				return err
			}

			result := a.WaitHealthy(ctx, 0)
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal health result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			if !result.IsHealthy() {
				return fmt.Errorf("service is %s", result.Status)
			}
			return nil
		},
	}
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 10*time.Second, "maximum time to wait for dependencies")
	SetCommandPolicies(healthCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	rootCmd.AddCommand(healthCmd)

	// config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	SetCommandPolicies(configCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := LoadConfig(cfgPath, opts.EnvPrefix, opts.ValidateConfig, cmd.Flags()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
	SetCommandPolicies(validateCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(validateCmd)

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(cfgPath, opts.EnvPrefix, opts.ValidateConfig, cmd.Flags())
			if err != nil {
				return err
			}
			if !showSecrets {
				cfg = cfg.Redacted()
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show credentials embedded in URIs")
	SetCommandPolicies(showCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(showCmd)
	rootCmd.AddCommand(configCmd)

	for _, customCmd := range opts.CustomCommands {
		ensureDefaultPolicy(customCmd)
		rootCmd.AddCommand(customCmd)
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	for _, subCmd := range rootCmd.Commands() {
		if subCmd != nil && subCmd.Name() == "completion" {
			SetCommandPolicies(subCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
			break
		}
	}

	return rootCmd
}

// SetCommandPolicies stores policies as a map[string]string on command annotations using the "policies." prefix.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	for _, key := range policyAnnotationKeys(cmd.Annotations) {
		delete(cmd.Annotations, key)
	}
	for context, policy := range policies {
		trimmedContext := strings.TrimSpace(context)
		if trimmedContext == "" {
			continue
		}
		cmd.Annotations[policiesAnnotationPrefix+trimmedContext] = string(policy)
	}
}

// GetCommandPolicies returns command policies from annotations.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	for key, value := range cmd.Annotations {
		if !strings.HasPrefix(key, policiesAnnotationPrefix) {
			continue
		}
		context := strings.TrimPrefix(key, policiesAnnotationPrefix)
		if strings.TrimSpace(context) == "" {
			continue
		}
		out[context] = value
	}
	return out
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd == nil {
		return
	}
	if len(GetCommandPolicies(cmd)) == 0 {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	}
}

func policyAnnotationKeys(annotations map[string]string) []string {
	keys := make([]string, 0, len(annotations))
	for key := range annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// LoadConfig loads and validates configuration with precedence flags > ENV > file > defaults.
func LoadConfig(
	cfgPath,
	envPrefix string,
	customValidator func(*config.Config) error,
	flags *pflag.FlagSet,
) (*config.Config, error) {
	cfg, err := config.NewViperLoader(cfgPath, resolveEnvPrefix(envPrefix)).
		WithFlags(flags).
		Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if customValidator != nil {
		if err := customValidator(cfg); err != nil {
			return nil, fmt.Errorf("custom validation failed: %w", err)
		}
	}
	return cfg, nil
}

// LoadConfigAndLogger loads configuration and builds the zap logger it describes.
func LoadConfigAndLogger(
	cfgPath,
	envPrefix string,
	customValidator func(*config.Config) error,
	flags *pflag.FlagSet,
) (*config.Config, logger.Logger, error) {
	cfg, err := LoadConfig(cfgPath, envPrefix, customValidator, flags)
	if err != nil {
		return nil, nil, err
	}

	logCfg := logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
	}
	log, err := logger.NewZapLogger(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	logConfigIfDebug(log, cfg)
	return cfg, log, nil
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if log == nil || cfg == nil {
		return
	}

	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}

	log.Debug("effective configuration", "config", fmt.Sprintf("%+v", cfg.Redacted()))
}

func syncLogger(log logger.Logger) {
	if s, ok := log.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return "APP"
	}
	return strings.ToUpper(trimmed)
}
