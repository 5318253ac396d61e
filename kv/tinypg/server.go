package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tinypg/tinypg/kv/server"
	"github.com/tinypg/tinypg/log"
)

var (
	standby     bool
	primaryAddr string
	slotName    string
	replAddr    string
	adminAddr   string
)

func newServerCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "server",
		Short: "Run a primary, or a standby with --standby",
		Args:  cobra.NoArgs,
		RunE:  runServerCommandFunc,
	}
	m.Flags().BoolVar(&standby, "standby", false, "run as a standby of --primary")
	m.Flags().StringVar(&primaryAddr, "primary", "", "replication address of the primary")
	m.Flags().StringVar(&slotName, "slot", "", "replication slot a standby streams from")
	m.Flags().StringVar(&replAddr, "addr", "", "replication listen address of a primary")
	m.Flags().StringVar(&adminAddr, "admin-addr", "", "admin api listen address")
	return m
}

func runServerCommandFunc(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("standby") {
		conf.Standby = standby
	}
	if primaryAddr != "" {
		conf.PrimaryAddr = primaryAddr
	}
	if slotName != "" {
		conf.SlotName = slotName
	}
	if replAddr != "" {
		conf.ReplicationAddr = replAddr
	}
	if adminAddr != "" {
		conf.AdminAddr = adminAddr
	}
	log.Infof("conf %+v", conf)

	svr := server.NewServer(conf)
	if err = svr.Start(); err != nil {
		return err
	}
	return waitSignal(svr)
}

// waitSignal blocks until the process is told to exit. SIGQUIT skips the
// shutdown checkpoint, leaving the work to recovery.
func waitSignal(svr *server.Server) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	sig := <-sigCh
	log.Infof("Got signal [%s] to exit.", sig)
	if sig == syscall.SIGQUIT {
		return svr.StopImmediate()
	}
	return svr.Stop()
}
