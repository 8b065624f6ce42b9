// Command agentd wires the Connection Manager and its collaborators
// (C1-C8) into a running process: load config, open the store, build the
// relay pool and notification supervisor over their transports, and start
// serving API calls. Shape grounded on memspool/server/cmd/memspool's
// flag-parsed, single-purpose main.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/smpagent/core/agent"
	"github.com/smpagent/core/config"
	"github.com/smpagent/core/core/log"
	"github.com/smpagent/core/core/utils"
	"github.com/smpagent/core/cryptomediator"
	"github.com/smpagent/core/gate"
	"github.com/smpagent/core/ntfy"
	"github.com/smpagent/core/outbox"
	"github.com/smpagent/core/recv"
	"github.com/smpagent/core/relay"
	"github.com/smpagent/core/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the agent's TOML config file")
	flag.Parse()

	if configPath == "" {
		fmt.Println("Must specify -config.")
		os.Exit(1)
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Printf("agentd: loading config: %v\n", err)
		os.Exit(1)
	}

	logBackend, err := cfg.InitLogBackend()
	if err != nil {
		fmt.Printf("agentd: log backend: %v\n", err)
		os.Exit(1)
	}
	log := logBackend.GetLogger("agentd")

	if cfg.Passphrase == "" {
		log.Error("config must set Passphrase")
		os.Exit(1)
	}
	if !utils.Exists(cfg.DataDir) {
		log.Errorf("data directory %s does not exist", cfg.DataDir)
		os.Exit(1)
	}
	dbPath := filepath.Join(cfg.DataDir, "agent.db")
	st, err := store.Open(dbPath, []byte(cfg.Passphrase))
	if err != nil {
		log.Errorf("opening store at %s: %v", dbPath, err)
		os.Exit(1)
	}
	defer st.Close()

	smpTransport, err := newSMPTransport(cfg, logBackend)
	if err != nil {
		log.Errorf("building SMP relay transport: %v", err)
		os.Exit(1)
	}
	ntfTransport, err := newNtfTransport(cfg, logBackend)
	if err != nil {
		log.Errorf("building notification relay transport: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := gate.New()
	med := cryptomediator.New()

	pool := relay.NewPool(smpTransport, 256)
	pool.Start(ctx)
	defer pool.Halt()

	nt := ntfy.New(st, ntfTransport, loggingNtfNotifier{log})
	nt.Start(ctx)
	defer nt.Halt()

	netCfg := outbox.DefaultNetworkConfig()
	netCfg.HelloTimeout = time.Duration(cfg.HelloTimeoutMS) * time.Millisecond
	netCfg.MessageTimeout = time.Duration(cfg.MessageTimeoutMS) * time.Millisecond
	netCfg.BaseDelay = time.Duration(cfg.MessageRetryIntervalMS) * time.Millisecond
	ob := outbox.New(g, st, pool, nil, netCfg)
	defer ob.Halt()

	a := agent.New(st, med, pool, ob, nt, g, cfg)
	ob.SetNotifier(a)

	disp := recv.New(st, med, pool, g, a)
	a.SetDispatcher(disp)
	disp.Start(ctx)
	defer disp.Halt()

	a.Start(ctx)
	defer a.Halt()

	if err := seedServers(a, cfg); err != nil {
		log.Errorf("seeding configured servers: %v", err)
		os.Exit(1)
	}

	go logEvents(log, a.EventSink)

	log.Noticef("agentd: serving from %s", cfg.DataDir)
	waitForSignal(logBackend, log)
	log.Notice("agentd: shutting down")
}

// seedServers pushes the SMP/notification relay lists from the config
// file into the agent, matching the app-startup sequence spec.md §6
// describes (SetSMPServers/SetNtfServers before any connection call).
func seedServers(a *agent.Agent, cfg *config.AgentConfig) error {
	smp := make([]store.ServerRef, 0, len(cfg.SMPServers))
	for _, e := range cfg.SMPServers {
		ref, err := e.ToServerRef()
		if err != nil {
			return err
		}
		smp = append(smp, ref)
	}
	if aerr := a.SetSMPServers(smp); aerr != nil {
		return fmt.Errorf("set SMP servers: %s", aerr.Error())
	}

	ntf := make([]store.ServerRef, 0, len(cfg.NtfServers))
	for _, e := range cfg.NtfServers {
		ref, err := e.ToServerRef()
		if err != nil {
			return err
		}
		ntf = append(ntf, ref)
	}
	if aerr := a.SetNtfServers(ntf); aerr != nil {
		return fmt.Errorf("set notification servers: %s", aerr.Error())
	}
	return nil
}

func logEvents(log *logging.Logger, sink chan agent.Event) {
	for ev := range sink {
		log.Debugf("event: %+v", ev)
	}
}

// waitForSignal blocks until SIGINT/SIGTERM, rotating the log file on
// SIGHUP in the meantime, matching the server/authority daemons' shutdown
// shape (e.g. cmd/dirauth/main.go's runAuthority).
func waitForSignal(logBackend *log.Backend, l *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	for {
		select {
		case <-ch:
			return
		case <-rotateCh:
			if err := logBackend.Rotate(); err != nil {
				l.Warningf("agentd: log rotation failed: %v", err)
			}
		}
	}
}

// loggingNtfNotifier surfaces the Notification Supervisor's token
// transitions and mirror-loop errors as log lines; agentd has no
// interactive application layer to route them to instead.
type loggingNtfNotifier struct {
	log *logging.Logger
}

func (n loggingNtfNotifier) OnTokenStatus(status store.NtfTokenStatus) {
	n.log.Debugf("ntf token status: %+v", status)
}

func (n loggingNtfNotifier) OnError(err error) {
	n.log.Warningf("ntf: %v", err)
}
