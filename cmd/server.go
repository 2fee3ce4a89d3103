package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nemosupremo/datasize"
	"github.com/nemosupremo/poolreg"
	"github.com/nemosupremo/poolreg/dispatch"
	"github.com/nemosupremo/poolreg/dissemination"
	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/telemetry"
	"github.com/nemosupremo/poolreg/transport"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const DEFAULT_LISTEN = ":8888"
const DEFAULT_ADMIN = ":8889"

type cliArgs struct {
	Name        string
	Default     interface{}
	Description string
}

func init() {

	options := []cliArgs{
		{"listen-addr", DEFAULT_LISTEN, "Listen address for pool members."},
		{"hostname", "", "Hostname announced to discovery. Defaults to the listen host or the machine hostname."},
		{"max-handlers", dispatch.DefaultMaxHandlers, "Maximum number of requests served at once."},
		{"request-timeout", transport.DefaultRequestTimeout, "Timeout of a single request, inbound or outbound."},
		{"connect-timeout", transport.DefaultConnectTimeout, "Timeout for connecting to a member."},
		{"push-threads", dissemination.DefaultWorkers, "Concurrent pushes per pool during a central push cycle."},
		{"pool-grace", poolreg.DefaultPoolGrace, "How long an ended pool is kept before it is forgotten."},
		{"reap-interval", poolreg.DefaultReapInterval, "How often ended pools are reaped."},
		{"maybe-dead-debounce", pool.DefaultMaybeDeadDebounce, "Minimum time between probes triggered by suspicion reports for the same member."},
		{"max-frame-size", "16MB", "Largest blob or string accepted on the wire."},

		{"discovery", "", "Announce this server at zk://hosts/path or etcd://hosts/prefix."},
		{"stats-store", "", "Publish statistics of pools that ask for it to zk://hosts/path."},
		{"stats-interval", poolreg.DefaultStatsInterval, "How often pool statistics are published."},
	}

	for _, option := range options {
		viper.SetDefault(option.Name, option.Default)
	}

	for _, option := range options {
		switch option.Default.(type) {
		case string:
			serverCmd.PersistentFlags().String(option.Name, viper.GetString(option.Name), option.Description)
		case int:
			serverCmd.PersistentFlags().Int(option.Name, viper.GetInt(option.Name), option.Description)
		case bool:
			serverCmd.PersistentFlags().Bool(option.Name, viper.GetBool(option.Name), option.Description)
		case time.Duration:
			serverCmd.PersistentFlags().Duration(option.Name, viper.GetDuration(option.Name), option.Description)
		case []string:
			serverCmd.PersistentFlags().StringSlice(option.Name, viper.GetStringSlice(option.Name), option.Description)
		default:
			panic("Invalid type for option default for option '" + option.Name + "'.")
		}
		viper.BindPFlag(option.Name, serverCmd.PersistentFlags().Lookup(option.Name))
	}

	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the registry server.",
	Run:   registryServer,
}

func intro() {
	fmt.Println("                 _")
	fmt.Println(" _ __   ___   ___| |_ __ ___  __ _")
	fmt.Println("| '_ \\ / _ \\ / _ \\ | '__/ _ \\/ _` |")
	fmt.Println("| |_) | (_) | (_) | | | |  __/ (_| |")
	fmt.Println("| .__/ \\___/ \\___/|_|_|  \\___|\\__, |")
	fmt.Println("|_|                           |___/")
	fmt.Println("github.com/nemosupremo/poolreg")
}

func maxFrameSize(s string) (int, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	if size.Bytes() == 0 || size.Bytes() > 1<<31-1 {
		return 0, fmt.Errorf("max-frame-size must be between 1B and 2GB, got %v", s)
	}
	return int(size.Bytes()), nil
}

func registryServer(cmd *cobra.Command, args []string) {
	intro()

	var conf poolreg.ServerConfig
	conf.Hostname = viper.GetString("hostname")
	conf.Listen = viper.GetString("listen-addr")
	conf.AdminListen = viper.GetString("admin-addr")
	conf.MaxHandlers = viper.GetInt("max-handlers")
	conf.RequestTimeout = viper.GetDuration("request-timeout")
	conf.ConnectTimeout = viper.GetDuration("connect-timeout")
	conf.PushWorkers = viper.GetInt("push-threads")
	conf.PoolGrace = viper.GetDuration("pool-grace")
	conf.ReapInterval = viper.GetDuration("reap-interval")
	conf.MaybeDeadDebounce = viper.GetDuration("maybe-dead-debounce")
	conf.Discovery = viper.GetString("discovery")
	conf.StatsStore = viper.GetString("stats-store")
	conf.StatsInterval = viper.GetDuration("stats-interval")
	if n, err := maxFrameSize(viper.GetString("max-frame-size")); err == nil {
		conf.MaxFrameSize = n
	} else {
		log.Fatalf("Invalid max-frame-size: %v", err)
		return
	}

	telemetry.SetBuildInfo(cmd.Root().Version)

	if server, err := poolreg.NewServer(conf); err == nil {
		server.SetVersion(cmd.Root().Version)
		running := make(chan struct{})
		go func() {
			defer close(running)
			if err := server.Run(); err != nil {
				log.Fatalf("Failed to run registry server: %v", err.Error())
			}
		}()
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		select {
		case <-c:
			log.Warnln("Received Interrupt signal, shutting down server...")
			server.Shutdown()
		case <-running:
		}
	} else {
		log.Fatalf("Failed to create registry server: %v", err)
		return
	}
}
