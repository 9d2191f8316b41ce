package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hkcontrol/querytap/internal/discover"
	"github.com/hkcontrol/querytap/internal/inject"
)

var (
	injectPID  int32
	injectWait bool
)

var injectCmd = &cobra.Command{
	Use:   "inject",
	Short: "Inject the payload once and exit",
	Long: `Runs a single injection attempt against a pid or the configured target
name. The command returns once the remote loader thread has started.

Example:
  querytap inject --pid 4242 --payload 'C:\hooks\QueryHook.dll'
  querytap inject --target Workflow_API.exe --wait`,
	PreRunE: bindFlags(map[string]string{
		"target.name":    "target",
		"target.payload": "payload",
	}),
	RunE: runInject,
}

func init() {
	rootCmd.AddCommand(injectCmd)

	f := injectCmd.Flags()
	f.Int32Var(&injectPID, "pid", 0, "target pid (overrides the name lookup)")
	f.BoolVar(&injectWait, "wait", false, "wait for the target to appear instead of failing")
	f.String("target", "", "exact process name of the target")
	f.String("payload", "", "absolute path of the payload module")
}

func runInject(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Target.Payload == "" {
		return errors.New("target.payload is required (set --payload or the config file)")
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext(logger)
	defer cancel()

	pid := injectPID
	if pid == 0 {
		locator := discover.NewLocator(discover.NewSystemTable(int32(os.Getpid())),
			discover.WithInterval(cfg.Intervals.Search),
			discover.WithLogger(logger))

		var proc discover.Process
		if injectWait {
			proc, err = locator.Find(ctx, cfg.Target.Name)
		} else {
			proc, err = locator.Lookup(ctx, cfg.Target.Name)
		}
		if err != nil {
			return fmt.Errorf("failed to find %s: %w", cfg.Target.Name, err)
		}
		pid = proc.PID
	}

	req, err := inject.NewRequest(pid, cfg.Target.Payload)
	if err != nil {
		return err
	}
	if err := inject.New(inject.NewSystemControl(), inject.WithLogger(logger)).Inject(ctx, req); err != nil {
		return err
	}

	fmt.Printf("Payload load started in pid %d\n", pid)
	return nil
}
