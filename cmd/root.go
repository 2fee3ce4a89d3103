package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	viper.SetEnvPrefix("poolreg")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "text")
	viper.SetDefault("admin-addr", DEFAULT_ADMIN)

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", viper.GetString("log-level"), "Logging level (trace, debug, info, warn, error).")
	flags.String("log-format", viper.GetString("log-format"), "Log output format, text or json.")
	flags.String("admin-addr", viper.GetString("admin-addr"), "Admin HTTP address of the registry server.")
	for _, name := range []string{"log-level", "log-format", "admin-addr"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

var rootCmd = &cobra.Command{
	Use:              "poolreg [command]",
	Short:            "Membership registry for distributed computing pools.",
	PersistentPreRun: Setup,
}

var RootCmd = rootCmd

// Setup configures logging for every command. Push and probe traffic is
// logged at debug and trace, so the server stays quiet at info.
func Setup(cmd *cobra.Command, args []string) {
	level, err := log.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(logFormatter(viper.GetString("log-format")))
	if err != nil {
		log.Warnf("Unknown log level %q, using %v.", viper.GetString("log-level"), level)
	}
}

func logFormatter(format string) log.Formatter {
	if strings.EqualFold(format, "json") {
		return &log.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}
	return &log.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true}
}

func Execute(version string) {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
