package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"github.com/tinypg/tinypg/kv/wal"
)

var (
	dumpFrom  string
	dumpLimit int
)

func newWALDumpCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "waldump",
		Short: "Print the records of the write-ahead log of a stopped server",
		Args:  cobra.NoArgs,
		RunE:  runWALDumpCommandFunc,
	}
	m.Flags().StringVar(&dumpFrom, "from", "", "start position, the log start when empty")
	m.Flags().IntVarP(&dumpLimit, "limit", "n", 0, "stop after this many records, 0 for all")
	return m
}

func runWALDumpCommandFunc(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	storage, err := wal.OpenFileStorage(filepath.Join(conf.DBPath, "wal"), int64(conf.WALSegmentSize))
	if err != nil {
		return err
	}
	w, err := wal.NewManager(storage)
	if err != nil {
		storage.Close()
		return err
	}
	defer w.Close()

	from := w.StartLSN()
	if dumpFrom != "" {
		lsn, err := parseLSN(dumpFrom)
		if err != nil {
			return err
		}
		from = lsn
	}
	return dumpRecords(cmd.OutOrStdout(), w, from, dumpLimit)
}

// parseLSN accepts the printed form 0/0000ABCD or a plain decimal offset.
func parseLSN(s string) (wal.LSN, error) {
	var hi, lo uint32
	if n, _ := fmt.Sscanf(s, "%X/%X", &hi, &lo); n == 2 {
		return wal.LSN(uint64(hi)<<32 | uint64(lo)), nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return wal.InvalidLSN, fmt.Errorf("bad log position %q", s)
	}
	return wal.LSN(v), nil
}

func dumpRecords(out io.Writer, w *wal.Manager, from wal.LSN, limit int) error {
	r := w.NewReader(from)
	n := 0
	for limit == 0 || n < limit {
		rec, err := r.Next()
		if err != nil {
			if !wal.IsEndOfLog(err) {
				return err
			}
			if errors.Cause(err) != io.EOF {
				fmt.Fprintf(out, "damaged record at %v: %v\n", r.Position(), err)
			}
			break
		}
		n++
		fmt.Fprintf(out, "lsn %v len %d xid %v %s", rec.LSN, int(rec.End()-rec.LSN), rec.Xid, rec.Kind)
		switch {
		case rec.Kind.IsData():
			key, value, err := wal.DecodeRowPayload(rec.Payload)
			if err != nil {
				fmt.Fprintf(out, " bad payload: %v\n", err)
				continue
			}
			if rec.Kind == wal.KindDelete {
				fmt.Fprintf(out, " key %q\n", key)
			} else {
				fmt.Fprintf(out, " key %q value %q\n", key, value)
			}
		case rec.Kind == wal.KindCheckpoint:
			m, err := wal.DecodeCheckpointMarker(rec.Payload)
			if err != nil {
				fmt.Fprintf(out, " bad marker: %v\n", err)
				continue
			}
			fmt.Fprintf(out, " %v\n", m)
		default:
			fmt.Fprintln(out)
		}
	}
	fmt.Fprintf(out, "%d records, log ends at %v\n", n, r.Position())
	return nil
}
