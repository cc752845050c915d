// bfq watches a sequencer output directory and takes each finished run
// through demultiplexing, quality control and publishing.
package main

import (
	"flag"
	"os"
	"regexp"

	"github.com/grailbio/base/grail"
	"github.com/joho/godotenv"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/config"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/driver"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/notify"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/scan"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/stages"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/tools"
	"v.io/x/lib/cmdline"
)

var configFlag = flag.String("config", "", "Configuration file. Defaults to $"+config.EnvPath+", then "+config.DefaultPath)

func newRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bfq",
		Short:    "Demultiplex and quality-check sequencer runs",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdRun(),
			newCmdOnce(),
			newCmdScan(),
			newCmdMask(),
			newCmdSplitFastq(),
			newCmdRename(),
		},
	}
}

// configPath picks the configuration file: the flag, then the environment,
// then the default.
func configPath() string {
	if *configFlag != "" {
		return *configFlag
	}
	if p := os.Getenv(config.EnvPath); p != "" {
		return p
	}
	return config.DefaultPath
}

func loadConfig() (config.Context, config.Options, error) {
	c, err := config.Load(configPath())
	if err != nil {
		return config.Context{}, config.Options{}, err
	}
	o, err := c.Options()
	if err != nil {
		return config.Context{}, config.Options{}, err
	}
	return c, o, nil
}

// newNotifier logs every message and mails it too when [Email] command is
// set.
func newNotifier(c config.Context, o config.Options, r tools.Runner) notify.Notifier {
	ns := notify.Multi{notify.LogNotifier{}}
	if cmd, ok := (tools.Set{Config: c, Options: o}).Mail(); ok {
		ns = append(ns, notify.CommandNotifier{
			Runner:     r,
			Command:    cmd,
			From:       c.Get("Email", "fromAddress"),
			ErrorTo:    c.Get("Email", "errorTo"),
			FinishedTo: c.Get("Email", "finishedTo"),
		})
	}
	return ns
}

func newEnv(c config.Context, o config.Options) stages.Env {
	r := tools.ExecRunner{}
	return stages.Env{
		Config:   c,
		Options:  o,
		Runner:   r,
		Notifier: newNotifier(c, o, r),
	}
}

func newDriver() (*driver.Driver, error) {
	c, o, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return &driver.Driver{Scanner: scan.New(o), Env: newEnv(c, o)}, nil
}

func main() {
	// A .env file next to the working directory may set BFQ_CONFIG.
	_ = godotenv.Load()
	shutdown := grail.Init()
	cmdline.HideGlobalFlagsExcept(regexp.MustCompile(`^config$`))
	env := cmdline.EnvFromOS()
	runner, args, err := cmdline.Parse(newRoot(), env, os.Args[1:])
	if err == nil {
		err = runner.Run(env, args)
	}
	code := cmdline.ExitCode(err, env.Stderr)
	shutdown()
	os.Exit(code)
}
