/*************************************************************************
 * Copyright 2022 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/qinyuhang/santa/codesign"
	"github.com/qinyuhang/santa/config"
	"github.com/qinyuhang/santa/control"
	"github.com/qinyuhang/santa/dispatch"
	"github.com/qinyuhang/santa/events"
	"github.com/qinyuhang/santa/kernel"
	"github.com/qinyuhang/santa/log"
	"github.com/qinyuhang/santa/notify"
	"github.com/qinyuhang/santa/policy"
	"github.com/qinyuhang/santa/rules"
	"github.com/qinyuhang/santa/utils"
	"github.com/qinyuhang/santa/version"
)

const (
	defaultConfigLoc = `/etc/santad.conf`
	appName          = `santad`

	lockLoc  = `/var/run/santad.lock`
	initPath = `/sbin/launchd`
)

var (
	confLoc = flag.String("config-file", defaultConfigLoc, "Location for configuration file")
	verbose = flag.Bool("v", false, "Display verbose status updates to stdout")
	ver     = flag.Bool("version", false, "Print the version information and exit")

	v  bool
	lg *log.Logger
)

func mainInit() {
	flag.Parse()
	if *ver {
		version.PrintVersion(os.Stdout)
		os.Exit(0)
	}
	lg = log.New(os.Stderr)
	lg.SetAppname(appName)
	v = *verbose
}

func main() {
	debug.SetTraceback("all")
	mainInit()

	//only one daemon at a time
	lk := flock.New(lockLoc)
	if ok, err := lk.TryLock(); err != nil {
		lg.FatalCode(-1, "failed to take instance lock", log.KV("path", lockLoc), log.KVErr(err))
	} else if !ok {
		lg.FatalCode(-1, "another instance is already running", log.KV("path", lockLoc))
	}
	defer lk.Unlock()

	prov, err := config.NewProvider(*confLoc, lg)
	if err != nil {
		lg.FatalCode(-1, "failed to load configuration", log.KV("path", *confLoc), log.KVErr(err))
	}
	defer prov.Close()
	cfg := prov.Get()

	if len(cfg.Log_File) > 0 {
		fout, err := os.OpenFile(cfg.Log_File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			lg.FatalCode(-1, "failed to open log file", log.KV("path", cfg.Log_File), log.KVErr(err))
		}
		if err = lg.AddWriter(fout); err != nil {
			lg.Fatal("failed to add a writer", log.KVErr(err))
		}
	}
	if err = lg.SetLevelString(cfg.Log_Level); err != nil {
		lg.FatalCode(-1, "invalid Log Level", log.KV("loglevel", cfg.Log_Level), log.KVErr(err))
	}

	//assign ourselves an identity on first start
	if _, ok := cfg.DaemonUUID(); !ok {
		id := uuid.New()
		if err = cfg.SetDaemonUUID(id, *confLoc); err != nil {
			lg.Error("failed to stamp daemon UUID", log.KVErr(err))
		} else {
			debugout("assigned daemon UUID %s\n", id)
		}
	}

	//the kernel endpoint must exist, a daemon with no hook is useless
	kconn, err := kernel.Open(cfg.Kernel_Device)
	if err != nil {
		lg.FatalCode(-1, "failed to open kernel authorization endpoint",
			log.KV("device", cfg.Kernel_Device), log.KVErr(err))
	}
	defer kconn.Close()
	debugout("connected to kernel endpoint %s\n", cfg.Kernel_Device)

	//poke the signature service awake and learn our own identity
	probe := platformProbe()
	codesign.Bootstrap(probe)
	selfCert, initCert := protectionCerts(probe, cfg)

	ruleStore, err := rules.Open(cfg.Rule_Db, selfCert, initCert, lg)
	if err != nil {
		lg.FatalCode(-1, "failed to open rule store", log.KV("path", cfg.Rule_Db), log.KVErr(err))
	}
	defer ruleStore.Close()
	eventStore, err := events.Open(cfg.Event_Db)
	if err != nil {
		lg.FatalCode(-1, "failed to open event store", log.KV("path", cfg.Event_Db), log.KVErr(err))
	}
	defer eventStore.Close()
	bc, _ := ruleStore.BinaryRuleCount()
	cc, _ := ruleStore.CertificateRuleCount()
	lg.Info("rule store open", log.KV("binary", bc), log.KV("certificate", cc))

	notifier := notify.NewSocketNotifier(cfg.Notify_Socket, lg)
	defer notifier.Close()

	decLW, evtLW, closer, err := openAuditLogs(cfg.Decision_Log, cfg.Event_Log)
	if err != nil {
		lg.FatalCode(-1, "failed to open audit logs", log.KVErr(err))
	}
	defer closer()

	engine := policy.NewEngine(policy.Params{
		Logger:      lg,
		Poster:      kconn,
		Rules:       ruleStore,
		Events:      eventStore,
		Probe:       probe,
		Notifier:    notifier,
		Source:      prov,
		DecisionLog: decLW,
		EventLog:    evtLW,
	})

	ctl, err := control.NewServer(cfg.Control_Socket, ruleStore, kconn, lg)
	if err != nil {
		lg.FatalCode(-1, "failed to open control socket",
			log.KV("path", cfg.Control_Socket), log.KVErr(err))
	}
	defer ctl.Close()

	dsp := dispatch.New(kconn, engine, prov, lg)
	lg.Info("daemon running", log.KV("mode", cfg.Client_Mode))

	errCh := make(chan error, 1)
	go func() {
		errCh <- dsp.Run()
	}()

	select {
	case err = <-errCh:
		if err != nil {
			lg.FatalCode(-1, "dispatcher failed", log.KVErr(err))
		}
	case sig := <-utils.GetQuitChannel():
		lg.Info("signal received, shutting down", log.KV("signal", sig))
		kconn.Close() //breaks the receive loop
		<-errCh
	}
	if n := dsp.Dropped(); n > 0 {
		lg.Warn("log lane dropped messages under pressure", log.KV("dropped", n))
	}
	lg.Info("daemon exiting")
}

// protectionCerts resolves the two certificate identities that must stay
// whitelisted: our own signing cert and the init process's. Configured
// overrides win when the signature service has nothing to say.
func protectionCerts(probe codesign.Probe, cfg *config.Config) (selfCert, initCert string) {
	if exe, err := os.Executable(); err == nil {
		if chain, err := probe.CertificateChain(exe); err == nil {
			selfCert = codesign.LeafHash(chain)
		}
	}
	if chain, err := probe.CertificateChain(initPath); err == nil {
		initCert = codesign.LeafHash(chain)
	}
	if selfCert == `` {
		selfCert = cfg.SelfCertOverride()
	}
	if initCert == `` {
		initCert = cfg.InitCertOverride()
	}
	return
}

// openAuditLogs opens the decision and event log sinks, sharing a single
// writer when both point at the same file.
func openAuditLogs(decPath, evtPath string) (dec, evt *policy.LineWriter, closer func(), err error) {
	fdec, err := os.OpenFile(decPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return
	}
	dec = policy.NewLineWriter(fdec)
	if evtPath == decPath {
		evt = dec
		closer = func() { fdec.Close() }
		return
	}
	fevt, err := os.OpenFile(evtPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		fdec.Close()
		return
	}
	evt = policy.NewLineWriter(fevt)
	closer = func() {
		fdec.Close()
		fevt.Close()
	}
	return
}

// platformProbe binds the code-signature service. Where no such service
// exists every file reports unsigned and certificate rules simply never
// fire.
func platformProbe() codesign.Probe {
	return codesign.NullProbe{}
}

func debugout(format string, args ...interface{}) {
	if !v {
		return
	}
	fmt.Printf(format, args...)
}
