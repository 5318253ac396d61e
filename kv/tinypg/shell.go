package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-shellwords"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"github.com/tinypg/tinypg/kv/engine"
	"github.com/tinypg/tinypg/kv/transaction"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
)

func newShellCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "shell",
		Short: "Open the data directory in-process and run transactions interactively",
		Args:  cobra.NoArgs,
		RunE:  runShellCommandFunc,
	}
	return m
}

func runShellCommandFunc(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := engine.Open(conf)
	if err != nil {
		return err
	}
	sh := newShell(e, os.Stdout)
	err = sh.loop(filepath.Join(os.TempDir(), "tinypg_history"))
	sh.close()
	if cerr := e.Close(); err == nil {
		err = cerr
	}
	return err
}

// shell runs one command per line. Data commands outside begin/commit run
// in their own transaction.
type shell struct {
	e   *engine.Engine
	txn *transaction.Txn
	out io.Writer
	ctx context.Context
}

func newShell(e *engine.Engine, out io.Writer) *shell {
	return &shell{e: e, out: out, ctx: context.Background()}
}

func (s *shell) loop(historyFile string) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31m»\033[0m ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return nil
		}
		if line == "" {
			continue
		}
		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Fprintf(s.out, "parse %q failed %v\n", line, err)
			continue
		}
		s.exec(args)
	}
}

// close aborts a transaction left open.
func (s *shell) close() {
	if s.txn != nil {
		if err := s.e.Abort(s.txn); err != nil {
			fmt.Fprintf(s.out, "Abort failed %v\n", err)
		}
		s.txn = nil
	}
}

func (s *shell) command(use, short string, args cobra.PositionalArgs, run func([]string) error) *cobra.Command {
	return &cobra.Command{
		Use:                   use,
		Short:                 short,
		Args:                  args,
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}
}

func (s *shell) exec(args []string) {
	cmd := &cobra.Command{
		Use:           "shell",
		Short:         "tinypg shell command",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOutput(s.out)
	cmd.SetArgs(args)

	var freeze bool
	vacuum := s.command("vacuum [--freeze]", "Reclaim dead row versions", cobra.NoArgs, func([]string) error {
		return s.vacuum(freeze)
	})
	vacuum.Flags().BoolVar(&freeze, "freeze", false, "freeze every id behind the horizon")
	var limit int
	scan := s.command("scan start [end]", "Read the rows in [start, end)", cobra.RangeArgs(1, 2), func(args []string) error {
		return s.scan(args, limit)
	})
	scan.Flags().IntVarP(&limit, "limit", "n", 0, "return at most this many rows")

	cmd.AddCommand(
		s.command("begin [isolation]", "Start a transaction", cobra.MaximumNArgs(1), s.begin),
		s.command("snapshot", "Capture and print a snapshot", cobra.NoArgs, s.snapshot),
		s.command("read key", "Read a row", cobra.ExactArgs(1), s.read),
		s.command("write key value", "Insert or update a row", cobra.ExactArgs(2), s.write),
		s.command("delete key", "Delete a row", cobra.ExactArgs(1), s.delete),
		s.command("commit", "Commit the open transaction", cobra.NoArgs, s.commit),
		s.command("abort", "Abort the open transaction", cobra.NoArgs, s.abort),
		scan,
		s.command("checkpoint", "Run a checkpoint", cobra.NoArgs, s.checkpoint),
		vacuum,
		s.command("status", "Print the engine status", cobra.NoArgs, s.status),
	)

	if err := cmd.Execute(); err != nil {
		s.report(err)
	}
}

func (s *shell) report(err error) {
	msg := errors.Cause(err).Error()
	if txnerr.IsRetryable(err) {
		msg += ", retry the transaction"
	}
	fmt.Fprintf(s.out, "ERROR: %s\n", msg)
}

// withTxn runs f in the open transaction, or in a new one it commits.
func (s *shell) withTxn(f func(txn *transaction.Txn) error) error {
	if s.txn != nil {
		return f(s.txn)
	}
	txn, err := s.e.Begin(s.e.DefaultIsolation())
	if err != nil {
		return err
	}
	if err = f(txn); err != nil {
		s.e.Abort(txn)
		return err
	}
	return s.e.Commit(s.ctx, txn)
}

func (s *shell) begin(args []string) error {
	if s.txn != nil {
		return errors.Annotatef(txnerr.ErrInvalidTransactionState, "transaction %v already open", s.txn.ID())
	}
	iso := s.e.DefaultIsolation()
	if len(args) == 1 {
		var err error
		if iso, err = transaction.ParseIsolation(args[0]); err != nil {
			return err
		}
	}
	txn, err := s.e.Begin(iso)
	if err != nil {
		return err
	}
	s.txn = txn
	fmt.Fprintf(s.out, "BEGIN %v %v\n", txn.ID(), iso)
	return nil
}

func (s *shell) snapshot([]string) error {
	snap, err := s.e.CaptureSnapshot(s.txn)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, snap)
	if s.txn == nil {
		snap.Release()
	}
	return nil
}

func (s *shell) read(args []string) error {
	return s.withTxn(func(txn *transaction.Txn) error {
		val, err := s.e.Get(txn, []byte(args[0]))
		if errors.Cause(err) == txnerr.ErrNotFound {
			fmt.Fprintln(s.out, "(not found)")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%q\n", val)
		return nil
	})
}

func (s *shell) scan(args []string, limit int) error {
	var end []byte
	if len(args) == 2 {
		end = []byte(args[1])
	}
	return s.withTxn(func(txn *transaction.Txn) error {
		pairs, err := s.e.Scan(txn, []byte(args[0]), end, limit)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			fmt.Fprintf(s.out, "%q = %q\n", p.Key, p.Value)
		}
		fmt.Fprintf(s.out, "(%d rows)\n", len(pairs))
		return nil
	})
}

func (s *shell) write(args []string) error {
	err := s.withTxn(func(txn *transaction.Txn) error {
		return s.e.Write(s.ctx, txn, []byte(args[0]), []byte(args[1]))
	})
	if err == nil {
		fmt.Fprintln(s.out, "WRITE")
	}
	return err
}

func (s *shell) delete(args []string) error {
	err := s.withTxn(func(txn *transaction.Txn) error {
		return s.e.Delete(s.ctx, txn, []byte(args[0]))
	})
	if err == nil {
		fmt.Fprintln(s.out, "DELETE")
	}
	return err
}

func (s *shell) commit([]string) error {
	if s.txn == nil {
		return errors.Annotate(txnerr.ErrInvalidTransactionState, "no transaction open")
	}
	txn := s.txn
	s.txn = nil
	if err := s.e.Commit(s.ctx, txn); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "COMMIT")
	return nil
}

func (s *shell) abort([]string) error {
	if s.txn == nil {
		return errors.Annotate(txnerr.ErrInvalidTransactionState, "no transaction open")
	}
	txn := s.txn
	s.txn = nil
	if err := s.e.Abort(txn); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "ABORT")
	return nil
}

func (s *shell) checkpoint([]string) error {
	res, err := s.e.Checkpoint()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "CHECKPOINT at %v: %d chains in %v\n", res.CheckpointLSN, res.Chains, res.Duration)
	return nil
}

func (s *shell) vacuum(freeze bool) error {
	st, err := s.e.Vacuum(freeze)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "VACUUM %d chains, %d pruned, %d frozen, %d removed, %d skipped\n",
		st.Chains, st.Pruned, st.Frozen, st.Removed, st.Skipped)
	return nil
}

func (s *shell) status([]string) error {
	b, err := json.MarshalIndent(s.e.Status(), "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintln(s.out, string(b))
	return nil
}
