// Command govr supervises a replica group. In cluster mode it re-executes
// itself once per configured address; in replica mode it runs a single
// replica serving HTTP on its configured address.
package main

import (
	"os"
	"os/exec"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mgentili/govr/config"
	"github.com/mgentili/govr/kvstore"
	"github.com/mgentili/govr/transport"
	"github.com/mgentili/govr/vr"
)

func main() {
	var (
		mode    string
		path    string
		index   int
		verbose bool
	)

	cmd := &cobra.Command{
		Use:           "govr",
		Short:         "viewstamped replication over a key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			switch mode {
			case "cluster":
				return runCluster(cfg, path)
			case "replica":
				if index < 0 {
					return errors.New("replica mode requires an index")
				}
				return runReplica(cfg, index)
			default:
				return errors.Errorf("unknown mode %q", mode)
			}
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "cluster", "cluster or replica")
	cmd.Flags().StringVar(&path, "path", "cluster.toml", "cluster config file")
	cmd.Flags().IntVar(&index, "index", -1, "replica index, replica mode only")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "debug logging")

	if err := cmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

// runCluster spawns one replica subprocess per configured address and
// waits for all of them.
func runCluster(cfg *config.Config, path string) error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "resolving own executable")
	}
	children := make([]*exec.Cmd, 0, len(cfg.Replicas))
	for i := range cfg.Addresses() {
		child := exec.Command(exe,
			"--mode", "replica",
			"--path", path,
			"--index", strconv.Itoa(i),
		)
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			return errors.Wrapf(err, "starting replica %d", i)
		}
		logrus.Infof("replica %d started in process %d", i, child.Process.Pid)
		children = append(children, child)
	}
	for _, child := range children {
		if err := child.Wait(); err != nil {
			logrus.Warnf("replica process %d: %v", child.Process.Pid, err)
		}
	}
	return nil
}

func runReplica(cfg *config.Config, index int) error {
	addrs := cfg.Addresses()
	if index >= len(addrs) {
		return errors.Errorf("index %d out of range, %d replicas configured", index, len(addrs))
	}
	replica := vr.NewReplica[kvstore.Op, kvstore.Result](addrs, uint64(index), kvstore.New())
	return transport.NewServer(replica).ListenAndServe()
}
