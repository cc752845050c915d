package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/config"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"v.io/x/lib/cmdline"
)

func TestConfigPath(t *testing.T) {
	old := os.Getenv(config.EnvPath)
	defer os.Setenv(config.EnvPath, old)

	os.Setenv(config.EnvPath, "")
	assert.Equal(t, config.DefaultPath, configPath())
	os.Setenv(config.EnvPath, "/etc/bfq.ini")
	assert.Equal(t, "/etc/bfq.ini", configPath())
	*configFlag = "/tmp/x.ini"
	defer func() { *configFlag = "" }()
	assert.Equal(t, "/tmp/x.ini", configPath())
}

func TestNewNotifier(t *testing.T) {
	c := config.New(map[string]map[string]string{
		"Paths": {"baseDir": "/runs", "outputDir": "/out"},
	})
	o, err := c.Options()
	require.NoError(t, err)
	n := newNotifier(c, o, nil).(notify.Multi)
	assert.Len(t, n, 1)

	c = config.New(map[string]map[string]string{
		"Paths": {"baseDir": "/runs", "outputDir": "/out"},
		"Email": {"command": "sendmail -t", "errorTo": "ops@example.org", "fromAddress": "bfq@example.org"},
	})
	n = newNotifier(c, o, nil).(notify.Multi)
	require.Len(t, n, 2)
	mail := n[1].(notify.CommandNotifier)
	assert.Equal(t, "ops@example.org", mail.ErrorTo)
	assert.Equal(t, "bfq@example.org", mail.From)
	assert.Equal(t, "sendmail -t", mail.Command.Line)
}

func TestRootCommands(t *testing.T) {
	var names []string
	for _, c := range newRoot().Children {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"run", "once", "scan", "mask", "split-fastq", "rename"}, names)
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	env := &cmdline.Env{Stdout: &out, Stderr: &out, Vars: map[string]string{}}
	runner, args, err := cmdline.Parse(newRoot(), env, []string{"help", "mask"})
	require.NoError(t, err)
	require.NoError(t, runner.Run(env, args))
	assert.Contains(t, out.String(), "rundir")
}
