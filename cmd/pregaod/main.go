package main

import (
	"net"
	_ "net/http/pprof"
	"time"

	golog "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/licitabr/pregao-core/cmd/common"
	pregao "github.com/licitabr/pregao-core/cmd/pregaod/pregao"
	"github.com/licitabr/pregao-core/cmd/pregaod/pregao/store"
	"github.com/licitabr/pregao-core/cmd/pregaod/service"
	"github.com/licitabr/pregao-core/finalizer"
)

var (
	daemonName = "pregaod"
	log        = golog.Logger(daemonName)
	v          = viper.New()
)

func init() {
	flags := []common.Flag{
		{Name: "http-addr", DefValue: ":8080", Description: "HTTP API listen address"},
		{Name: "postgres-uri", DefValue: "", Description: "PostgreSQL URI"},
		{Name: "inactivity-timeout", DefValue: time.Second * 180, Description: "Quiet period before the random closing window opens"},
		{Name: "window-min", DefValue: time.Minute * 2, Description: "Minimum random closing window duration"},
		{Name: "window-max", DefValue: time.Minute * 30, Description: "Maximum random closing window duration"},
		{Name: "tick-interval", DefValue: time.Second, Description: "Session clock tick interval"},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level logging"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}

	common.ConfigureCLI(v, "PREGAO", flags, rootCmd)
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "pregaod runs live dispute sessions for electronic procurement",
	Long:  "pregaod runs live dispute sessions for electronic procurement",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		common.ExpandEnvVars(v, v.AllSettings())
		err := common.ConfigureLogging(v, []string{
			"pregaod",
			"pregao/engine",
			"pregao/service",
			"pregao/store",
		})
		common.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		fin := finalizer.NewFinalizer()

		err := common.SetupInstrumentation(v.GetString("metrics-addr"))
		common.CheckErrf("booting instrumentation: %v", err)

		listener, err := net.Listen("tcp", v.GetString("http-addr"))
		common.CheckErrf("creating listener: %v", err)

		s, err := store.New(v.GetString("postgres-uri"))
		common.CheckErrf("creating store: %v", err)
		fin.Add(s)

		lib, err := pregao.New(s, pregao.Config{
			InactivityTimeout: v.GetDuration("inactivity-timeout"),
			WindowMin:         v.GetDuration("window-min"),
			WindowMax:         v.GetDuration("window-max"),
			TickInterval:      v.GetDuration("tick-interval"),
		})
		common.CheckErrf("creating session engine: %v", err)
		fin.Add(lib)

		serv, err := service.New(service.Config{Listener: listener}, lib)
		common.CheckErrf("starting service: %v", err)
		fin.Add(serv)

		log.Infof("listening on %s", v.GetString("http-addr"))

		common.HandleInterrupt(func() {
			common.CheckErr(fin.Cleanupf("closing daemon: %v", nil))
		})
	},
}

func main() {
	common.CheckErr(rootCmd.Execute())
}
