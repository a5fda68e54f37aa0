package main

import (
	"fmt"

	"github.com/spf13/pflag"
)

// RunInspectCommand prints the metadata of a checkpoint file: step, epoch,
// shard progress, and which state sections it carries. Handy for deciding
// what a stale output directory can resume from.
func RunInspectCommand(args []string) error {
	fs := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: inspect <checkpoint-file>")
	}
	path := fs.Arg(0)

	snap, err := LoadSnapshotFile(path)
	if err != nil {
		return err
	}

	fmt.Printf("checkpoint:      %s\n", path)
	fmt.Printf("global step:     %d\n", snap.GlobalStep)
	fmt.Printf("epoch:           %d\n", snap.Epoch)
	fmt.Printf("shard cursor:    %d of %d shards\n", snap.ShardCursor, len(snap.ShardList))
	fmt.Printf("model tensors:   %d\n", len(snap.Model))
	if snap.Optimizer != nil {
		fmt.Printf("optimizer state: %d tensors\n", len(snap.Optimizer))
	} else {
		fmt.Println("optimizer state: absent (minimal checkpoint)")
	}
	if snap.Schedule != nil {
		fmt.Printf("schedule state:  %d tensors\n", len(snap.Schedule))
	} else {
		fmt.Println("schedule state:  absent (minimal checkpoint)")
	}
	return nil
}
