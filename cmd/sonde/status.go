package main

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/sondeworks/sonde/internal/runstore"
)

func newStatusCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the run's stage, status, gates, and last tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			snap, err := st.LoadSnapshot()
			if err != nil {
				return err
			}
			emit(snap, func() { printStatus(snap) })
			if !follow || flagJSON {
				return nil
			}
			return followStatus(cmd, st)
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep printing as the run changes")
	return cmd
}

func printStatus(snap *runstore.Snapshot) {
	m := snap.Manifest
	fmt.Printf("run %s  status=%s  stage=%s  rev=%d\n",
		m.RunID, m.Status, m.Stage.Current, m.Revision)
	if snap.Gates != nil {
		for _, id := range runstore.GateIDs() {
			g := snap.Gates.Gates[id]
			fmt.Printf("  gate %s (%s): %s\n", id, g.Name, g.Status)
		}
	}
	if snap.LastTick != nil {
		fmt.Printf("  last tick: seq=%v outcome=%v\n",
			snap.LastTick["seq"], snap.LastTick["outcome"])
	}
	if snap.Halt != nil {
		if e, ok := snap.Halt["error"].(map[string]any); ok {
			fmt.Printf("  halted: %v (%v)\n", e["message"], e["code"])
		}
	}
}

// followStatus re-prints on every manifest or tick-log change. fsnotify
// watches the run root; filesystems without inotify fall back to polling.
func followStatus(cmd *cobra.Command, st *runstore.Store) error {
	const pollEvery = 2 * time.Second

	changed := make(chan struct{}, 1)
	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(st.RunRoot)
	}
	if err == nil {
		defer watcher.Close()
		go func() {
			for {
				select {
				case _, ok := <-watcher.Events:
					if !ok {
						return
					}
					notify()
				case <-watcher.Errors:
				}
			}
		}()
	}

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	var lastRev, lastSeq int
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case <-changed:
		case <-ticker.C:
		}
		snap, err := st.LoadSnapshot()
		if err != nil {
			continue
		}
		seq := 0
		if snap.LastTick != nil {
			if v, ok := snap.LastTick["seq"].(float64); ok {
				seq = int(v)
			}
		}
		if snap.Manifest.Revision == lastRev && seq == lastSeq {
			continue
		}
		lastRev, lastSeq = snap.Manifest.Revision, seq
		printStatus(snap)
		if runstore.TerminalStatus(snap.Manifest.Status) {
			return nil
		}
	}
}
