package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		cmd := os.Args[1]
		switch cmd {
		case "pretrain":
			if err := RunPretrainCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "inspect":
			if err := RunInspectCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
	}

	printUsage()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  shardtrain [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  pretrain    Run the distributed pretraining loop over tokenized shards")
	fmt.Println("  inspect     Print the metadata of a checkpoint file")
	fmt.Println("  help        Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  shardtrain pretrain --data-dir=shards --output-dir=out --max-steps=1000")
	fmt.Println("  shardtrain pretrain --resume-ckpt --output-dir=out")
	fmt.Println("  shardtrain pretrain --phase2 --resume-ckpt --phase1-end-step=28125")
	fmt.Println("  shardtrain inspect out/ckpt_500.st")
	fmt.Println()
}
