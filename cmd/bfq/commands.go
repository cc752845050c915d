package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/encoding/fastq"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/scan"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/server"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/stages"
	"v.io/x/lib/cmdline"
)

// signalContext returns a context that is canceled on SIGINT or SIGTERM.
// Each SIGHUP sends on wake, if wake is not nil and has room.
func signalContext(wake chan<- struct{}) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				if sig != syscall.SIGHUP {
					log.Printf("received %v, shutting down", sig)
					cancel()
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "run",
		Short: "Process runs until interrupted",
		Long: `
run scans for finished runs, processes one lane group at a time, and sleeps
between scans. SIGHUP or POST /rescan ends the sleep early.`,
	}
	listen := cmd.Flags.String("listen", "", "Address of the status server. Overrides [Server] listen.")
	cmd.Runner = cmdline.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("run takes no arguments, but got %v", argv)
		}
		d, err := newDriver()
		if err != nil {
			return err
		}
		wake := make(chan struct{}, 1)
		ctx, stop := signalContext(wake)
		defer stop()
		addr := d.Env.Options.Listen
		if *listen != "" {
			addr = *listen
		}
		if addr != "" {
			srv := server.New(d, wake)
			go func() {
				if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
					log.Error.Printf("status server: %v", err)
				}
			}()
			log.Printf("status server listening on %s", addr)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					log.Error.Printf("status server shutdown: %v", err)
				}
			}()
		}
		err = d.Loop(ctx, wake)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	return cmd
}

func newCmdOnce() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "once",
		Short: "Process at most one lane group and exit",
	}
	cmd.Runner = cmdline.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("once takes no arguments, but got %v", argv)
		}
		d, err := newDriver()
		if err != nil {
			return err
		}
		ctx, stop := signalContext(nil)
		defer stop()
		outcome, err := d.Cycle(ctx)
		st := d.Status()
		fmt.Fprintf(env.Stdout, "%s %s %s\n", outcome, st.Group, st.State)
		return err
	})
	return cmd
}

func newCmdScan() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "scan",
		Short: "Show the lane group the next cycle would process",
	}
	cmd.Runner = cmdline.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("scan takes no arguments, but got %v", argv)
		}
		_, o, err := loadConfig()
		if err != nil {
			return err
		}
		res, err := scan.New(o).Next(context.Background())
		if err != nil {
			return err
		}
		for _, s := range res.Skipped {
			fmt.Fprintf(env.Stdout, "skipped\t%s\t%v\n", s.Run, s.Err)
		}
		if !res.Found {
			fmt.Fprintln(env.Stdout, "nothing to do")
			return nil
		}
		fmt.Fprintf(env.Stdout, "next\t%s\tlanes %s\n", res.Group.DirName(res.Run.ID.Name), res.Group.LaneString())
		return nil
	})
	return cmd
}

func newCmdMask() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "mask",
		Short:    "Print the lane groups of a run and their base-usage masks",
		ArgsName: "rundir",
	}
	orient := cmd.Flags.Bool("orient", false, "Read base calls to resolve the index 2 orientation first")
	cmd.Runner = cmdline.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("mask takes one run directory, but got %v", argv)
		}
		c, o, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		run, groups, err := scan.New(o).Load(ctx, argv[0])
		if err != nil {
			return err
		}
		e := newEnv(c, o)
		w := tsv.NewWriter(env.Stdout)
		for _, g := range groups {
			u := stages.Unit{Run: run, Group: g}
			if *orient {
				e.Orient(ctx, u)
			}
			m := e.Planner().Plan(run.ID.Name, run.Info.Reads, g)
			w.WriteString(u.Name())
			w.WriteString(g.LaneString())
			w.WriteString(g.Key.String())
			w.WriteString(g.Orientation.String())
			w.WriteString(m.String())
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return w.Flush()
	})
	return cmd
}

func newCmdSplitFastq() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "split-fastq",
		Short:    "Split clumpify output into retained reads and optical duplicates",
		ArgsName: "input prefix",
	}
	paired := cmd.Flags.Bool("paired", true, "The input is interleaved paired-end")
	cmd.Runner = cmdline.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("split-fastq takes input and prefix, but got %v", argv)
		}
		stats, err := fastq.SplitDuplicates(context.Background(), argv[0], *paired, argv[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "%d of %d reads are optical duplicates (%.2f%%)\n",
			stats.Duplicates, stats.Total, stats.Rate())
		return nil
	})
	return cmd
}

func newCmdRename() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "rename",
		Short:    "Normalize the sample directories and file names of project directories",
		ArgsName: "projectdir...",
	}
	cmd.Runner = cmdline.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) == 0 {
			return fmt.Errorf("rename takes at least one project directory")
		}
		for _, dir := range argv {
			if err := stages.RenameProject(context.Background(), strings.TrimSuffix(dir, "/")); err != nil {
				return err
			}
		}
		return nil
	})
	return cmd
}
